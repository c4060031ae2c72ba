// Package session implements the on-device tracking session state machine.
// One logical session exists per owner; it survives process death through
// persisted snapshots and recovers through the restart path.
//
// Concurrency follows a single-writer discipline: provider callbacks and
// external requests all funnel into one request queue consumed by Run, and
// only the Run goroutine mutates session state. Persistence and location
// publishing stay asynchronous relative to sample ingestion, with at most
// one publish in flight; a newer sample supersedes an unsent older one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geopulse/geopulse/pkg/events"
	"github.com/geopulse/geopulse/pkg/geofence"
	"github.com/geopulse/geopulse/pkg/geomath"
	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/metrics"
	"github.com/geopulse/geopulse/pkg/policy"
	"github.com/geopulse/geopulse/pkg/publish"
	"github.com/geopulse/geopulse/pkg/store"
)

// Config holds session tuning parameters
type Config struct {
	StartTimeout        time.Duration `json:"start_timeout"`
	BackoffInitial      time.Duration `json:"backoff_initial"`
	BackoffMax          time.Duration `json:"backoff_max"`
	RestartCeiling      int           `json:"restart_ceiling"`
	RestartWindow       time.Duration `json:"restart_window"`
	WakeLockDuration    time.Duration `json:"wake_lock_duration"`
	HighIntensityFloorM float64       `json:"high_intensity_floor_m"`
	ShareLocation       bool          `json:"share_location"`
	ForegroundText      string        `json:"foreground_text"`
}

// DefaultConfig returns default session tuning
func DefaultConfig() Config {
	return Config{
		StartTimeout:        30 * time.Second,
		BackoffInitial:      1 * time.Second,
		BackoffMax:          60 * time.Second,
		RestartCeiling:      10,
		RestartWindow:       time.Hour,
		WakeLockDuration:    24 * time.Hour,
		HighIntensityFloorM: 5,
		ShareLocation:       true,
		ForegroundText:      "Location sharing active",
	}
}

type requestKind int

const (
	reqStart requestKind = iota
	reqStop
	reqSetIntensity
	reqAddFence
	reqRemoveFence
	reqDeviceState
	reqProcessRestart
)

type request struct {
	kind      requestKind
	intensity Intensity
	fence     geofence.Geofence
	fenceID   string
	device    policy.DeviceState
	reply     chan error
}

// Session owns one user's continuous location-acquisition lifecycle
type Session struct {
	config Config
	owner  string
	logger *logx.Logger
	bus    *events.Bus
	ctrl   *policy.Controller
	caps   Capabilities

	reqs chan request

	// Loop-owned state. Only the Run goroutine touches these.
	state         State
	intensity     Intensity
	lastSample    *LocationSample
	fences        []geofence.Geofence
	insideFences  map[string]struct{}
	restartTimes  []time.Time
	currentPolicy policy.TrackingPolicy
	deviceState   policy.DeviceState

	samples  <-chan LocationSample
	provErrs <-chan error

	startTimer *time.Timer
	startC     <-chan time.Time
	retryTimer *time.Timer
	retryC     <-chan time.Time
	backoff    time.Duration

	renewTicker *time.Ticker
	renewC      <-chan time.Time
	wakeHandle  WakeHandle

	publishing     bool
	pendingPublish *LocationSample
	pubDone        chan error

	now func() time.Time

	// Read-side view, updated by the loop under viewMu.
	viewMu sync.RWMutex
	view   Status
}

// New creates a session for the given owner. Run must be called before any
// request is served.
func New(ownerID string, config Config, caps Capabilities, ctrl *policy.Controller, bus *events.Bus, logger *logx.Logger) (*Session, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = 30 * time.Second
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 60 * time.Second
	}
	if config.RestartCeiling <= 0 {
		config.RestartCeiling = 10
	}
	if config.RestartWindow <= 0 {
		config.RestartWindow = time.Hour
	}
	if config.WakeLockDuration <= 0 {
		config.WakeLockDuration = 24 * time.Hour
	}

	s := &Session{
		config:       config,
		owner:        ownerID,
		logger:       logger,
		bus:          bus,
		ctrl:         ctrl,
		caps:         caps,
		reqs:         make(chan request, 32),
		state:        StateStopped,
		intensity:    IntensityNormal,
		insideFences: make(map[string]struct{}),
		pubDone:      make(chan error, 1),
		now:          time.Now,
	}
	s.currentPolicy = ctrl.Evaluate(policy.DeviceState{
		BatteryPercent: 100,
		Battery:        policy.BatteryUnknown,
		Network:        policy.NetworkFast,
	})
	s.updateView()
	return s, nil
}

// Run serves the request queue until the context is cancelled. On exit the
// session releases its keep-awake acquisition and persists a snapshot, so a
// crash-relaunch can tell a dirty exit from a clean stop.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.reqs:
			s.handleRequest(ctx, req)
		case sample, ok := <-s.samples:
			if !ok {
				s.samples = nil
				continue
			}
			s.handleSample(ctx, sample)
		case err, ok := <-s.provErrs:
			if !ok {
				s.provErrs = nil
				continue
			}
			s.handleProviderError(ctx, err)
		case <-s.startC:
			s.handleStartTimeout(ctx)
		case <-s.retryC:
			s.handleRetry(ctx)
		case <-s.renewC:
			s.handleRenew()
		case err := <-s.pubDone:
			s.handlePublishDone(ctx, err)
		}
	}
}

// teardown runs on every Run exit path, including cancellation mid-flight
func (s *Session) teardown(ctx context.Context) {
	s.stopTimers()
	if s.wakeHandle != nil {
		if err := s.caps.Wake.Release(s.wakeHandle); err != nil {
			s.logger.Warn("wake lock release failed on teardown", "error", err.Error())
		}
		s.wakeHandle = nil
	}
	if s.state != StateStopped {
		// Dirty exit: leave a non-clean snapshot behind so relaunch
		// triggers the restart path.
		s.persist(context.WithoutCancel(ctx), false)
	}
}

// --- Public API: requests queued to the loop ---

func (s *Session) submit(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start requests a transition from Stopped to Starting. Starting an already
// running session is a no-op, which lets the escalator "ensure active"
// without tracking state itself.
func (s *Session) Start(ctx context.Context) error {
	return s.submit(ctx, request{kind: reqStart})
}

// Stop requests a clean stop: capabilities released, geofence registration
// cleared, and a clean-stopped snapshot persisted so relaunch does not
// auto-restart.
func (s *Session) Stop(ctx context.Context) error {
	return s.submit(ctx, request{kind: reqStop})
}

// SetIntensity switches the displacement filtering floor
func (s *Session) SetIntensity(ctx context.Context, intensity Intensity) error {
	return s.submit(ctx, request{kind: reqSetIntensity, intensity: intensity})
}

// AddGeofence registers a fence with the session and the OS capability
func (s *Session) AddGeofence(ctx context.Context, fence geofence.Geofence) error {
	return s.submit(ctx, request{kind: reqAddFence, fence: fence})
}

// RemoveGeofence removes a fence by id
func (s *Session) RemoveGeofence(ctx context.Context, fenceID string) error {
	return s.submit(ctx, request{kind: reqRemoveFence, fenceID: fenceID})
}

// UpdateDeviceState feeds a battery or connectivity change. The policy is
// re-evaluated immediately but takes effect on the provider's next tick.
func (s *Session) UpdateDeviceState(ctx context.Context, ds policy.DeviceState) error {
	return s.submit(ctx, request{kind: reqDeviceState, device: ds})
}

// NotifyProcessRestart signals that the hosting process was relaunched
// (boot completion, OS restart). When the persisted snapshot shows the
// session was not cleanly stopped, the session re-enters the lifecycle
// through Restarting; past the restart ceiling it stops fatally with
// ErrRestartLoop instead.
func (s *Session) NotifyProcessRestart(ctx context.Context) error {
	return s.submit(ctx, request{kind: reqProcessRestart})
}

// Status returns the externally visible session view
func (s *Session) Status() Status {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// --- Loop handlers ---

func (s *Session) handleRequest(ctx context.Context, req request) {
	var err error
	switch req.kind {
	case reqStart:
		err = s.handleStart(ctx)
	case reqStop:
		err = s.handleStop(ctx)
	case reqSetIntensity:
		s.intensity = req.intensity
		s.logger.Info("tracking intensity changed", "owner", s.owner, "intensity", string(req.intensity))
	case reqAddFence:
		err = s.handleAddFence(ctx, req.fence)
	case reqRemoveFence:
		err = s.handleRemoveFence(ctx, req.fenceID)
	case reqDeviceState:
		s.handleDeviceState(req.device)
	case reqProcessRestart:
		err = s.handleProcessRestart(ctx)
	}
	s.updateView()
	if req.reply != nil {
		req.reply <- err
	}
}

func (s *Session) handleStart(ctx context.Context) error {
	if s.state != StateStopped {
		s.logger.Debug("start ignored, session already running", "owner", s.owner, "state", string(s.state))
		return nil
	}
	return s.beginStarting(ctx)
}

// beginStarting acquires the scoped capabilities and opens the provider
// stream. Shared by the start and restart paths.
func (s *Session) beginStarting(ctx context.Context) error {
	handle, err := s.caps.Wake.Acquire(s.config.WakeLockDuration)
	if err != nil {
		s.emitError(fmt.Errorf("wake lock acquisition failed: %w", err))
		return fmt.Errorf("wake lock acquisition failed: %w", err)
	}
	s.wakeHandle = handle
	s.renewTicker = time.NewTicker(s.config.WakeLockDuration / 2)
	s.renewC = s.renewTicker.C

	if err := s.caps.Foreground.StartForeground(s.config.ForegroundText); err != nil {
		// Execution guarantee failures degrade reliability but do not
		// block tracking.
		s.logger.Warn("foreground guarantee unavailable", "owner", s.owner, "error", err.Error())
	}

	if len(s.fences) > 0 {
		if err := s.caps.Fences.Register(s.fences); err != nil {
			s.logger.Warn("geofence registration failed", "owner", s.owner, "error", err.Error())
		}
	}

	s.setState(StateStarting, "start requested")
	s.persist(ctx, false)

	if err := s.subscribeProvider(); err != nil {
		s.enterDegraded(ctx, ReasonProviderError, err)
		return nil
	}

	s.startTimer = time.NewTimer(s.config.StartTimeout)
	s.startC = s.startTimer.C
	return nil
}

func (s *Session) subscribeProvider() error {
	samples, errs, err := s.caps.Provider.Subscribe(s.currentPolicy)
	if err != nil {
		return fmt.Errorf("provider subscribe failed: %w", err)
	}
	s.samples = samples
	s.provErrs = errs
	return nil
}

func (s *Session) handleStop(ctx context.Context) error {
	if s.state == StateStopped {
		return nil
	}

	s.stopTimers()
	s.caps.Provider.Stop()
	s.samples = nil
	s.provErrs = nil

	if s.wakeHandle != nil {
		if err := s.caps.Wake.Release(s.wakeHandle); err != nil {
			s.logger.Warn("wake lock release failed", "owner", s.owner, "error", err.Error())
		}
		s.wakeHandle = nil
	}
	if err := s.caps.Foreground.StopForeground(); err != nil {
		s.logger.Warn("foreground stop failed", "owner", s.owner, "error", err.Error())
	}

	if len(s.fences) > 0 {
		ids := make([]string, 0, len(s.fences))
		for _, f := range s.fences {
			ids = append(ids, f.ID)
		}
		if err := s.caps.Fences.Unregister(ids); err != nil {
			s.logger.Warn("geofence unregister failed", "owner", s.owner, "error", err.Error())
		}
	}

	s.setState(StateStopped, "stop requested")
	s.restartTimes = nil
	s.persist(ctx, true)
	return nil
}

func (s *Session) handleSample(ctx context.Context, sample LocationSample) {
	switch s.state {
	case StateStarting:
		if s.startTimer != nil {
			s.startTimer.Stop()
			s.startTimer = nil
			s.startC = nil
		}
		s.setState(StateActive, "first fix received")
	case StateDegraded:
		s.setState(StateActive, "provider recovered")
		s.resetBackoff()
	case StateActive:
		// steady state
	default:
		s.logger.Debug("sample ignored in state", "owner", s.owner, "state", string(s.state))
		return
	}

	if discarded, moved := s.belowDisplacementFloor(sample); discarded {
		metrics.SamplesDiscarded.Inc()
		s.bus.Publish(events.Event{
			Type:    events.TypeSampleDiscarded,
			OwnerID: s.owner,
			Message: "movement below displacement floor",
			Data: map[string]interface{}{
				"moved_m": moved,
				"floor_m": s.displacementFloor(),
			},
		})
		return
	}

	s.lastSample = &sample
	metrics.SamplesAccepted.Inc()
	s.bus.Publish(events.Event{
		Type:    events.TypeSampleAccepted,
		OwnerID: s.owner,
		Message: "sample accepted",
		Data: map[string]interface{}{
			"lat":        sample.Latitude,
			"lon":        sample.Longitude,
			"accuracy_m": sample.AccuracyM,
			"source":     sample.Source,
		},
	})

	s.evaluateFences(sample)
	s.persist(ctx, false)
	s.schedulePublish(ctx, sample)
	s.updateView()
}

// belowDisplacementFloor applies the policy displacement filter. High
// intensity uses the smaller configured floor instead of the policy one.
func (s *Session) belowDisplacementFloor(sample LocationSample) (bool, float64) {
	if s.lastSample == nil {
		return false, 0
	}
	moved := geomath.HaversineMeters(s.lastSample.Point(), sample.Point())
	return moved < s.displacementFloor(), moved
}

func (s *Session) displacementFloor() float64 {
	if s.intensity == IntensityHigh {
		return s.config.HighIntensityFloorM
	}
	return s.currentPolicy.MinDisplacementM
}

func (s *Session) evaluateFences(sample LocationSample) {
	if len(s.fences) == 0 {
		return
	}
	nowInside, transitions := geofence.Evaluate(s.insideFences, sample.Point(), s.fences, s.now())
	s.insideFences = nowInside

	for _, tr := range transitions {
		metrics.GeofenceTransitions.WithLabelValues(string(tr.Kind)).Inc()
		s.bus.Publish(events.Event{
			Type:    events.TypeGeofenceTransition,
			OwnerID: s.owner,
			Message: fmt.Sprintf("geofence %s %s", tr.GeofenceID, tr.Kind),
			Data: map[string]interface{}{
				"geofence_id": tr.GeofenceID,
				"kind":        string(tr.Kind),
			},
		})
	}

	s.pruneExpiredFences()
}

// pruneExpiredFences removes fences the evaluator is already skipping
func (s *Session) pruneExpiredFences() {
	now := s.now()
	kept := s.fences[:0]
	var expired []string
	for _, f := range s.fences {
		if f.Expired(now) {
			expired = append(expired, f.ID)
			delete(s.insideFences, f.ID)
			continue
		}
		kept = append(kept, f)
	}
	s.fences = kept
	if len(expired) > 0 {
		if err := s.caps.Fences.Unregister(expired); err != nil {
			s.logger.Warn("expired geofence unregister failed", "owner", s.owner, "error", err.Error())
		}
	}
}

func (s *Session) handleProviderError(ctx context.Context, err error) {
	if s.state == StateStopped {
		return
	}
	reason := ReasonProviderError
	if errors.Is(err, ErrPermissionDenied) {
		reason = ReasonPermissionDenied
	}
	s.emitError(fmt.Errorf("location provider failed: %w", err))
	s.enterDegraded(ctx, reason, err)
	s.updateView()
}

func (s *Session) enterDegraded(ctx context.Context, reason DegradedReason, cause error) {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
		s.startC = nil
	}
	if s.state != StateDegraded {
		s.setState(StateDegraded, string(reason))
		s.persist(ctx, false)
	}
	s.scheduleRetry()
}

func (s *Session) scheduleRetry() {
	if s.backoff == 0 {
		s.backoff = s.config.BackoffInitial
	}
	s.retryTimer = time.NewTimer(s.backoff)
	s.retryC = s.retryTimer.C

	next := s.backoff * 2
	if next > s.config.BackoffMax {
		next = s.config.BackoffMax
	}
	s.backoff = next
}

func (s *Session) resetBackoff() {
	s.backoff = 0
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
		s.retryC = nil
	}
}

func (s *Session) handleRetry(ctx context.Context) {
	s.retryTimer = nil
	s.retryC = nil
	if s.state != StateDegraded {
		return
	}

	if err := s.subscribeProvider(); err != nil {
		s.logger.Debug("provider reacquisition failed, backing off",
			"owner", s.owner,
			"next_retry", s.backoff.String(),
			"error", err.Error(),
		)
		s.scheduleRetry()
		return
	}

	s.setState(StateActive, "provider reacquired")
	s.resetBackoff()
	s.persist(ctx, false)
	s.updateView()
}

func (s *Session) handleStartTimeout(ctx context.Context) {
	s.startTimer = nil
	s.startC = nil
	if s.state != StateStarting {
		return
	}
	s.emitError(fmt.Errorf("no location fix within %s", s.config.StartTimeout))
	s.enterDegraded(ctx, ReasonNoFixTimeout, nil)
	s.updateView()
}

func (s *Session) handleRenew() {
	if s.wakeHandle == nil {
		return
	}
	if err := s.caps.Wake.Renew(s.wakeHandle, s.config.WakeLockDuration); err != nil {
		s.emitError(fmt.Errorf("wake lock renewal failed: %w", err))
	} else {
		s.logger.Debug("wake lock renewed", "owner", s.owner, "duration", s.config.WakeLockDuration.String())
	}
}

func (s *Session) handleAddFence(ctx context.Context, fence geofence.Geofence) error {
	if fence.ID == "" {
		return fmt.Errorf("geofence id required")
	}
	for i, f := range s.fences {
		if f.ID == fence.ID {
			s.fences[i] = fence
			s.persist(ctx, s.state == StateStopped)
			return nil
		}
	}
	s.fences = append(s.fences, fence)
	if s.state != StateStopped {
		if err := s.caps.Fences.Register([]geofence.Geofence{fence}); err != nil {
			s.logger.Warn("geofence registration failed", "owner", s.owner, "fence", fence.ID, "error", err.Error())
		}
	}
	s.persist(ctx, s.state == StateStopped)
	return nil
}

func (s *Session) handleRemoveFence(ctx context.Context, fenceID string) error {
	for i, f := range s.fences {
		if f.ID != fenceID {
			continue
		}
		s.fences = append(s.fences[:i], s.fences[i+1:]...)
		delete(s.insideFences, fenceID)
		if s.state != StateStopped {
			if err := s.caps.Fences.Unregister([]string{fenceID}); err != nil {
				s.logger.Warn("geofence unregister failed", "owner", s.owner, "fence", fenceID, "error", err.Error())
			}
		}
		s.persist(ctx, s.state == StateStopped)
		return nil
	}
	return nil
}

func (s *Session) handleDeviceState(ds policy.DeviceState) {
	s.deviceState = ds
	newPolicy := s.ctrl.Evaluate(ds)
	if newPolicy == s.currentPolicy {
		return
	}
	s.currentPolicy = newPolicy
	if s.samples != nil {
		if err := s.caps.Provider.UpdatePolicy(newPolicy); err != nil {
			s.logger.Warn("provider policy update failed", "owner", s.owner, "error", err.Error())
		}
	}
	// Never blocks in-flight work; the provider applies the new policy on
	// its next scheduled tick.
	s.logger.Info("tracking policy updated",
		"owner", s.owner,
		"tier", newPolicy.Tier.String(),
		"poll_interval", newPolicy.PollInterval.String(),
	)
}

func (s *Session) handleProcessRestart(ctx context.Context) error {
	if s.state != StateStopped {
		s.logger.Debug("restart signal ignored, session running", "owner", s.owner, "state", string(s.state))
		return nil
	}

	data, err := s.caps.Snapshots.GetSnapshot(ctx, s.owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil // never ran on this device
	}
	if err != nil {
		s.emitError(fmt.Errorf("snapshot read failed: %w", err))
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.emitError(fmt.Errorf("snapshot decode failed: %w", err))
		return nil
	}
	if snap.CleanShutdown {
		s.logger.Debug("clean shutdown snapshot, no auto-restart", "owner", s.owner)
		return nil
	}

	// Restore persisted state before re-entering the lifecycle.
	s.lastSample = snap.LastSample
	s.intensity = snap.Intensity
	if s.intensity == "" {
		s.intensity = IntensityNormal
	}
	s.fences = snap.Fences
	s.insideFences = make(map[string]struct{}, len(snap.InsideFences))
	for _, id := range snap.InsideFences {
		s.insideFences[id] = struct{}{}
	}
	s.restartTimes = snap.RestartTimes

	now := s.now()
	s.pruneRestartWindow(now)
	s.restartTimes = append(s.restartTimes, now)

	if len(s.restartTimes) > s.config.RestartCeiling {
		s.setState(StateStopped, "restart ceiling exceeded")
		s.emitError(ErrRestartLoop)
		s.persist(ctx, true)
		return ErrRestartLoop
	}

	s.setState(StateRestarting, "process restarted with dirty snapshot")
	return s.beginStarting(ctx)
}

func (s *Session) pruneRestartWindow(now time.Time) {
	cutoff := now.Add(-s.config.RestartWindow)
	kept := s.restartTimes[:0]
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimes = kept
}

// --- Publishing ---

func (s *Session) schedulePublish(ctx context.Context, sample LocationSample) {
	if s.caps.Publisher == nil {
		return
	}
	if s.publishing {
		// Supersede: the unsent older sample is dropped, never queued.
		if s.pendingPublish != nil {
			metrics.PublishSupersedes.Inc()
		}
		s.pendingPublish = &sample
		return
	}
	s.startPublish(ctx, sample)
}

func (s *Session) startPublish(ctx context.Context, sample LocationSample) {
	s.publishing = true
	write := publish.LocationWrite{
		UserID:     s.owner,
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		AccuracyM:  sample.AccuracyM,
		IsSharing:  s.config.ShareLocation,
		CapturedAt: sample.CapturedAt,
	}
	go func() {
		s.pubDone <- s.caps.Publisher.PublishLocation(ctx, write)
	}()
}

func (s *Session) handlePublishDone(ctx context.Context, err error) {
	s.publishing = false
	if err != nil {
		metrics.PublishErrors.Inc()
		s.logger.Warn("location publish failed", "owner", s.owner, "error", err.Error())
	}
	if s.pendingPublish != nil {
		next := *s.pendingPublish
		s.pendingPublish = nil
		s.startPublish(ctx, next)
	}
}

// --- State bookkeeping ---

func (s *Session) setState(next State, reason string) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	metrics.StateTransitions.WithLabelValues(string(next)).Inc()
	s.logger.Info("session state changed",
		"owner", s.owner,
		"from", string(prev),
		"to", string(next),
		"reason", reason,
	)
	s.bus.Publish(events.Event{
		Type:    events.TypeStateChanged,
		OwnerID: s.owner,
		Message: reason,
		Data: map[string]interface{}{
			"from": string(prev),
			"to":   string(next),
		},
	})
	s.updateView()
}

func (s *Session) emitError(err error) {
	s.logger.Error("session error", "owner", s.owner, "error", err.Error())
	s.bus.Publish(events.Event{
		Type:    events.TypeError,
		OwnerID: s.owner,
		Message: err.Error(),
	})
}

// persist writes a best-effort snapshot. Persistence failures are logged
// and surfaced on the feed; the session continues on in-memory state and
// the next successful write resynchronizes.
func (s *Session) persist(ctx context.Context, clean bool) {
	inside := make([]string, 0, len(s.insideFences))
	for id := range s.insideFences {
		inside = append(inside, id)
	}
	snap := Snapshot{
		OwnerID:       s.owner,
		State:         s.state,
		Intensity:     s.intensity,
		LastSample:    s.lastSample,
		Fences:        s.fences,
		InsideFences:  inside,
		RestartTimes:  s.restartTimes,
		CleanShutdown: clean,
		PersistedAt:   s.now(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.emitError(fmt.Errorf("snapshot encode failed: %w", err))
		return
	}
	if err := s.caps.Snapshots.PutSnapshot(ctx, s.owner, data); err != nil {
		s.emitError(fmt.Errorf("snapshot write failed: %w", err))
	}
}

func (s *Session) stopTimers() {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
		s.startC = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
		s.retryC = nil
	}
	if s.renewTicker != nil {
		s.renewTicker.Stop()
		s.renewTicker = nil
		s.renewC = nil
	}
	s.backoff = 0
}

func (s *Session) updateView() {
	s.viewMu.Lock()
	s.view = Status{
		OwnerID:      s.owner,
		State:        s.state,
		Intensity:    s.intensity,
		LastSample:   s.lastSample,
		FenceCount:   len(s.fences),
		RestartCount: len(s.restartTimes),
	}
	s.viewMu.Unlock()
}
