// Package escalate reacts to classified-motion events by raising or
// relaxing tracking intensity. Escalation is best-effort: a dropped or
// out-of-order event never corrupts state, the escalator only acts on the
// latest batch it has seen.
package escalate

import (
	"context"
	"sync"
	"time"

	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/session"
)

// ActivityKind classifies detected motion
type ActivityKind string

const (
	KindStill   ActivityKind = "still"
	KindWalking ActivityKind = "walking"
	KindRunning ActivityKind = "running"
	KindCycling ActivityKind = "cycling"
	KindDriving ActivityKind = "driving"
	KindUnknown ActivityKind = "unknown"
)

// ActivityEvent is one classifier observation. Transient, nothing beyond
// the last-seen value is kept.
type ActivityEvent struct {
	Kind              ActivityKind `json:"kind"`
	ConfidencePercent int          `json:"confidence_percent"`
	ObservedAt        time.Time    `json:"observed_at"`
}

// Moving reports whether the kind indicates active movement
func (e ActivityEvent) Moving() bool {
	switch e.Kind {
	case KindWalking, KindRunning, KindCycling, KindDriving:
		return true
	}
	return false
}

// SessionControl is the subset of the tracking session the escalator drives
type SessionControl interface {
	Start(ctx context.Context) error
	SetIntensity(ctx context.Context, intensity session.Intensity) error
}

// AdvisorySetter lets the escalator hint the policy controller toward the
// low-power tier without forcing a state transition
type AdvisorySetter interface {
	SetLowPowerAdvisory(active bool)
}

// Config holds escalation tuning
type Config struct {
	Cooldown            time.Duration `json:"cooldown"`
	ConfidenceThreshold int           `json:"confidence_threshold"`
	StillStreak         int           `json:"still_streak"`
}

// DefaultConfig returns default escalation tuning
func DefaultConfig() Config {
	return Config{
		Cooldown:            5 * time.Minute,
		ConfidenceThreshold: 70,
		StillStreak:         3,
	}
}

// Escalator decides when classified motion should (re)start or intensify
// the tracking session
type Escalator struct {
	config  Config
	control SessionControl
	ctrl    AdvisorySetter
	logger  *logx.Logger

	mu               sync.Mutex
	lastEscalationAt time.Time
	lastEvent        *ActivityEvent
	stillCount       int

	now func() time.Time
}

// New creates an escalator driving the given session and policy controller
func New(config Config, control SessionControl, ctrl AdvisorySetter, logger *logx.Logger) *Escalator {
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Minute
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 70
	}
	if config.StillStreak <= 0 {
		config.StillStreak = 3
	}
	return &Escalator{
		config:  config,
		control: control,
		ctrl:    ctrl,
		logger:  logger,
		now:     time.Now,
	}
}

// Process consumes one classifier batch. A confident moving event escalates
// the session, subject to the cooldown; a confident Still streak sets the
// low-power advisory instead.
func (e *Escalator) Process(ctx context.Context, batch []ActivityEvent) {
	if len(batch) == 0 {
		return
	}

	best := e.pickBest(batch)
	e.mu.Lock()
	e.lastEvent = &best
	e.mu.Unlock()

	if best.ConfidencePercent <= e.config.ConfidenceThreshold {
		return
	}

	switch {
	case best.Moving():
		e.handleMoving(ctx, best)
	case best.Kind == KindStill:
		e.handleStill(best)
	}
}

// pickBest prefers a confident moving event over a more confident idle one,
// so a batch mixing Still with a clear Driving reading still escalates.
func (e *Escalator) pickBest(batch []ActivityEvent) ActivityEvent {
	best := batch[0]
	for _, ev := range batch[1:] {
		if ev.Moving() && ev.ConfidencePercent > e.config.ConfidenceThreshold {
			if !best.Moving() || ev.ConfidencePercent > best.ConfidencePercent {
				best = ev
			}
			continue
		}
		if !best.Moving() && ev.ConfidencePercent > best.ConfidencePercent {
			best = ev
		}
	}
	return best
}

func (e *Escalator) handleMoving(ctx context.Context, ev ActivityEvent) {
	now := e.now()

	e.mu.Lock()
	e.stillCount = 0
	if !e.lastEscalationAt.IsZero() && now.Sub(e.lastEscalationAt) < e.config.Cooldown {
		e.mu.Unlock()
		e.logger.Debug("escalation suppressed by cooldown",
			"kind", string(ev.Kind),
			"confidence", ev.ConfidencePercent,
		)
		return
	}
	e.lastEscalationAt = now
	e.mu.Unlock()

	e.ctrl.SetLowPowerAdvisory(false)

	if err := e.control.Start(ctx); err != nil {
		e.logger.Warn("escalation start failed", "error", err.Error())
		return
	}
	if err := e.control.SetIntensity(ctx, session.IntensityHigh); err != nil {
		e.logger.Warn("escalation intensity change failed", "error", err.Error())
		return
	}
	e.logger.Info("tracking escalated",
		"kind", string(ev.Kind),
		"confidence", ev.ConfidencePercent,
	)
}

func (e *Escalator) handleStill(ev ActivityEvent) {
	e.mu.Lock()
	e.stillCount++
	sustained := e.stillCount >= e.config.StillStreak
	e.mu.Unlock()

	if !sustained {
		return
	}
	e.ctrl.SetLowPowerAdvisory(true)
	e.logger.Debug("sustained stillness, low-power advisory set",
		"confidence", ev.ConfidencePercent,
	)
}

// LastEvent returns the most recent classifier observation, if any
func (e *Escalator) LastEvent() (ActivityEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastEvent == nil {
		return ActivityEvent{}, false
	}
	return *e.lastEvent, true
}
