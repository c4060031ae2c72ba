// Package policy maps device power and network conditions to tracking
// parameters. Selection is a total, deterministic function over three tiers.
package policy

import (
	"sync"
	"time"

	"github.com/geopulse/geopulse/pkg/logx"
)

// BatteryState represents the reported charging state
type BatteryState int

const (
	BatteryUnknown BatteryState = iota
	BatteryCharging
	BatteryDischarging
	BatteryFull
)

func (b BatteryState) String() string {
	switch b {
	case BatteryCharging:
		return "charging"
	case BatteryDischarging:
		return "discharging"
	case BatteryFull:
		return "full"
	default:
		return "unknown"
	}
}

// NetworkClass represents the coarse connectivity class
type NetworkClass int

const (
	NetworkNone NetworkClass = iota
	NetworkSlow
	NetworkFast
)

func (n NetworkClass) String() string {
	switch n {
	case NetworkFast:
		return "fast"
	case NetworkSlow:
		return "slow"
	default:
		return "none"
	}
}

// Tier identifies which parameter set was selected
type Tier int

const (
	TierNormal Tier = iota
	TierSlowNetwork
	TierLowPower
)

func (t Tier) String() string {
	switch t {
	case TierLowPower:
		return "low_power"
	case TierSlowNetwork:
		return "slow_network"
	default:
		return "normal"
	}
}

// DeviceState is the controller input: battery and connectivity conditions
type DeviceState struct {
	BatteryPercent int          `json:"battery_percent"`
	Battery        BatteryState `json:"battery_state"`
	Network        NetworkClass `json:"network_class"`
}

// TrackingPolicy holds the tracking parameters for the selected tier
type TrackingPolicy struct {
	Tier             Tier          `json:"tier"`
	PollInterval     time.Duration `json:"poll_interval"`
	MinDisplacementM float64       `json:"min_displacement_m"`
	DesiredAccuracyM float64       `json:"desired_accuracy_m"`
	UploadInterval   time.Duration `json:"upload_interval"`
	UIDebounce       time.Duration `json:"ui_debounce"`
	CacheSize        int           `json:"cache_size"`
}

// Config holds the parameter sets per tier and the low-battery threshold
type Config struct {
	LowBatteryPercent int `json:"low_battery_percent"`

	Normal      TrackingPolicy `json:"normal"`
	SlowNetwork TrackingPolicy `json:"slow_network"`
	LowPower    TrackingPolicy `json:"low_power"`
}

// DefaultConfig returns the default tier parameter sets
func DefaultConfig() Config {
	return Config{
		LowBatteryPercent: 20,
		Normal: TrackingPolicy{
			Tier:             TierNormal,
			PollInterval:     15 * time.Second,
			MinDisplacementM: 25,
			DesiredAccuracyM: 20,
			UploadInterval:   30 * time.Second,
			UIDebounce:       2 * time.Second,
			CacheSize:        200,
		},
		SlowNetwork: TrackingPolicy{
			Tier:             TierSlowNetwork,
			PollInterval:     45 * time.Second,
			MinDisplacementM: 60,
			DesiredAccuracyM: 50,
			UploadInterval:   2 * time.Minute,
			UIDebounce:       5 * time.Second,
			CacheSize:        100,
		},
		LowPower: TrackingPolicy{
			Tier:             TierLowPower,
			PollInterval:     2 * time.Minute,
			MinDisplacementM: 150,
			DesiredAccuracyM: 100,
			UploadInterval:   5 * time.Minute,
			UIDebounce:       10 * time.Second,
			CacheSize:        50,
		},
	}
}

// Controller selects a TrackingPolicy from device conditions. The escalator
// and the battery trend predictor can both mark an advisory low-power
// preference that is honored at the next evaluation.
type Controller struct {
	config  Config
	logger  *logx.Logger
	predict *BatteryTrend

	// mu guards the advisory flag and tier-change tracking. The advisory
	// arrives from the escalator's goroutine while Evaluate runs on the
	// session loop.
	mu               sync.Mutex
	lowPowerAdvisory bool
	lastTier         Tier
	evaluated        bool
}

// NewController creates a controller with the given tier configuration
func NewController(config Config, logger *logx.Logger) *Controller {
	if config.LowBatteryPercent <= 0 {
		config.LowBatteryPercent = 20
	}
	return &Controller{
		config:  config,
		logger:  logger,
		predict: NewBatteryTrend(DefaultTrendConfig()),
	}
}

// SetLowPowerAdvisory records an advisory preference for the low-power tier.
// It never forces a state transition; the preference is consulted on the
// next Evaluate call.
func (c *Controller) SetLowPowerAdvisory(prefer bool) {
	c.mu.Lock()
	c.lowPowerAdvisory = prefer
	c.mu.Unlock()
	c.logger.Debug("low power advisory updated", "prefer", prefer)
}

// Evaluate selects the policy tier for the given device state. Tiers are
// checked in priority order: low-power, slow-network, normal.
func (c *Controller) Evaluate(ds DeviceState) TrackingPolicy {
	c.predict.Observe(time.Now(), ds.BatteryPercent)

	c.mu.Lock()
	pol := c.selectPolicy(ds)
	changed := !c.evaluated || pol.Tier != c.lastTier
	c.lastTier = pol.Tier
	c.evaluated = true
	c.mu.Unlock()

	if changed {
		c.logger.Info("tracking policy selected",
			"tier", pol.Tier.String(),
			"battery_percent", ds.BatteryPercent,
			"battery_state", ds.Battery.String(),
			"network", ds.Network.String(),
			"poll_interval", pol.PollInterval.String(),
			"min_displacement_m", pol.MinDisplacementM,
		)
	}
	return pol
}

func (c *Controller) selectPolicy(ds DeviceState) TrackingPolicy {
	if c.isLowPower(ds) {
		return c.config.LowPower
	}
	if ds.Network == NetworkSlow || ds.Network == NetworkNone {
		return c.config.SlowNetwork
	}
	return c.config.Normal
}

func (c *Controller) isLowPower(ds DeviceState) bool {
	if ds.BatteryPercent < c.config.LowBatteryPercent {
		return true
	}
	if ds.Battery == BatteryDischarging && ds.BatteryPercent < c.config.LowBatteryPercent+5 {
		return true
	}
	if c.lowPowerAdvisory {
		return true
	}
	// Preemptive drop to low power when the battery trend predicts a
	// critical level within the horizon, unless we are charging.
	if ds.Battery != BatteryCharging && ds.Battery != BatteryFull &&
		c.predict.PredictsLow(time.Now(), c.config.LowBatteryPercent) {
		return true
	}
	return false
}
