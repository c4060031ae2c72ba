package policy

import (
	"sync"
	"time"

	"github.com/sajari/regression"
)

// TrendConfig controls the battery trend predictor
type TrendConfig struct {
	LookbackWindow    time.Duration `json:"lookback_window"`
	PredictionHorizon time.Duration `json:"prediction_horizon"`
	MinObservations   int           `json:"min_observations"`
	MaxObservations   int           `json:"max_observations"`
}

// DefaultTrendConfig returns default predictor configuration
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		LookbackWindow:    30 * time.Minute,
		PredictionHorizon: 20 * time.Minute,
		MinObservations:   5,
		MaxObservations:   200,
	}
}

type batteryObservation struct {
	at      time.Time
	percent float64
}

// BatteryTrend fits a linear model over recent battery level observations
// and reports whether the level is predicted to drop below a threshold
// within the prediction horizon. Purely advisory.
type BatteryTrend struct {
	mu     sync.Mutex
	config TrendConfig
	obs    []batteryObservation
}

// NewBatteryTrend creates a battery trend predictor
func NewBatteryTrend(config TrendConfig) *BatteryTrend {
	if config.MinObservations < 3 {
		config.MinObservations = 3
	}
	if config.MaxObservations <= 0 {
		config.MaxObservations = 200
	}
	return &BatteryTrend{config: config}
}

// Observe records a battery level reading
func (bt *BatteryTrend) Observe(at time.Time, percent int) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.obs = append(bt.obs, batteryObservation{at: at, percent: float64(percent)})
	bt.trimLocked(at)
}

// PredictsLow reports whether the fitted trend puts the battery below
// thresholdPercent within the prediction horizon. Returns false when there
// is not enough data or the trend is flat or rising.
func (bt *BatteryTrend) PredictsLow(now time.Time, thresholdPercent int) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.trimLocked(now)
	if len(bt.obs) < bt.config.MinObservations {
		return false
	}

	origin := bt.obs[0].at
	var r regression.Regression
	r.SetObserved("battery_percent")
	r.SetVar(0, "elapsed_s")
	for _, o := range bt.obs {
		r.Train(regression.DataPoint(o.percent, []float64{o.at.Sub(origin).Seconds()}))
	}
	if err := r.Run(); err != nil {
		return false
	}

	coeffs := r.GetCoeffs()
	if len(coeffs) < 2 || coeffs[1] >= 0 {
		return false // flat or charging trend
	}

	horizonS := now.Add(bt.config.PredictionHorizon).Sub(origin).Seconds()
	predicted, err := r.Predict([]float64{horizonS})
	if err != nil {
		return false
	}
	return predicted < float64(thresholdPercent)
}

// trimLocked drops observations outside the lookback window and caps the
// slice length. Must be called with bt.mu held.
func (bt *BatteryTrend) trimLocked(now time.Time) {
	cutoff := now.Add(-bt.config.LookbackWindow)
	keep := 0
	for i, o := range bt.obs {
		if o.at.After(cutoff) {
			keep = i
			break
		}
		keep = i + 1
	}
	if keep > 0 {
		bt.obs = append(bt.obs[:0], bt.obs[keep:]...)
	}
	if len(bt.obs) > bt.config.MaxObservations {
		bt.obs = append(bt.obs[:0], bt.obs[len(bt.obs)-bt.config.MaxObservations:]...)
	}
}
