package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/geopulse/geopulse/pkg/events"
	"github.com/geopulse/geopulse/pkg/geofence"
	"github.com/geopulse/geopulse/pkg/geomath"
	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/policy"
	"github.com/geopulse/geopulse/pkg/publish"
	"github.com/geopulse/geopulse/pkg/store"
)

// --- Fake capabilities ---

type fakeProvider struct {
	mu          sync.Mutex
	samples     chan LocationSample
	errs        chan error
	subscribes  int
	failNext    int
	stopped     int
	lastPolicy  policy.TrackingPolicy
	policyCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		samples: make(chan LocationSample, 16),
		errs:    make(chan error, 4),
	}
}

func (p *fakeProvider) Subscribe(pol policy.TrackingPolicy) (<-chan LocationSample, <-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	p.lastPolicy = pol
	if p.failNext > 0 {
		p.failNext--
		return nil, nil, errors.New("provider unavailable")
	}
	return p.samples, p.errs, nil
}

func (p *fakeProvider) UpdatePolicy(pol policy.TrackingPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPolicy = pol
	p.policyCalls++
	return nil
}

func (p *fakeProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}

func (p *fakeProvider) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes
}

type fakeWake struct {
	mu       sync.Mutex
	acquires int
	renews   int
	releases int
}

type wakeHandle struct{ id int }

func (w *fakeWake) Acquire(maxDuration time.Duration) (WakeHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquires++
	return &wakeHandle{id: w.acquires}, nil
}

func (w *fakeWake) Renew(handle WakeHandle, maxDuration time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.renews++
	return nil
}

func (w *fakeWake) Release(handle WakeHandle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releases++
	return nil
}

func (w *fakeWake) releaseCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.releases
}

type fakeForeground struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeForeground) StartForeground(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeForeground) StopForeground() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

type fakeFences struct {
	mu         sync.Mutex
	registered map[string]bool
}

func newFakeFences() *fakeFences {
	return &fakeFences{registered: make(map[string]bool)}
}

func (f *fakeFences) Register(fences []geofence.Geofence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fc := range fences {
		f.registered[fc.ID] = true
	}
	return nil
}

func (f *fakeFences) Unregister(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.registered, id)
	}
	return nil
}

type memSnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: make(map[string][]byte)}
}

func (m *memSnapshots) PutSnapshot(ctx context.Context, ownerID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	m.data[ownerID] = cp
	return nil
}

func (m *memSnapshots) GetSnapshot(ctx context.Context, ownerID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[ownerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (m *memSnapshots) DeleteSnapshot(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ownerID)
	return nil
}

func (m *memSnapshots) decode(t *testing.T, ownerID string) Snapshot {
	t.Helper()
	m.mu.Lock()
	data, ok := m.data[ownerID]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no snapshot persisted for %s", ownerID)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot decode failed: %v", err)
	}
	return snap
}

type recordPublisher struct {
	mu     sync.Mutex
	writes []publish.LocationWrite
	gate   chan struct{} // when non-nil, PublishLocation blocks until closed
}

func (r *recordPublisher) PublishLocation(ctx context.Context, w publish.LocationWrite) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.writes = append(r.writes, w)
	r.mu.Unlock()
	return nil
}

func (r *recordPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

// --- Harness ---

type harness struct {
	session   *Session
	provider  *fakeProvider
	wake      *fakeWake
	fore      *fakeForeground
	fences    *fakeFences
	snapshots *memSnapshots
	publisher *recordPublisher
	bus       *events.Bus
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	logger := logx.NewWithOutput("error", io.Discard)
	h := &harness{
		provider:  newFakeProvider(),
		wake:      &fakeWake{},
		fore:      &fakeForeground{},
		fences:    newFakeFences(),
		snapshots: newMemSnapshots(),
		publisher: &recordPublisher{},
		bus:       events.NewBus(),
	}
	caps := Capabilities{
		Provider:   h.provider,
		Wake:       h.wake,
		Foreground: h.fore,
		Fences:     h.fences,
		Snapshots:  h.snapshots,
		Publisher:  h.publisher,
	}
	ctrl := policy.NewController(policy.DefaultConfig(), logger)
	sess, err := New("user-1", config, caps, ctrl, h.bus, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.session = sess

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go sess.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func testConfig() Config {
	config := DefaultConfig()
	config.StartTimeout = 200 * time.Millisecond
	config.BackoffInitial = 20 * time.Millisecond
	config.BackoffMax = 100 * time.Millisecond
	return config
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool {
		return h.session.Status().State == want
	})
}

func sampleAt(lat, lon float64) LocationSample {
	return LocationSample{
		Latitude:   lat,
		Longitude:  lon,
		AccuracyM:  10,
		CapturedAt: time.Now(),
		Source:     "gps",
	}
}

// --- Tests ---

func TestStartToActiveOnFirstFix(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := h.session.Status().State; got != StateStarting {
		t.Errorf("expected starting after Start, got %s", got)
	}

	h.provider.samples <- sampleAt(37.0, -122.0)
	h.waitState(t, StateActive)

	waitFor(t, "publish", func() bool { return h.publisher.count() == 1 })
	h.publisher.mu.Lock()
	w := h.publisher.writes[0]
	h.publisher.mu.Unlock()
	if w.UserID != "user-1" || w.Latitude != 37.0 {
		t.Errorf("unexpected published write: %+v", w)
	}

	snap := h.snapshots.decode(t, "user-1")
	if snap.CleanShutdown {
		t.Error("running session should persist a dirty snapshot")
	}
}

func TestStartIdempotentWhileRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("second Start should be a no-op, got: %v", err)
	}
	if got := h.provider.subscribeCount(); got != 1 {
		t.Errorf("expected 1 provider subscribe, got %d", got)
	}
}

func TestStartTimeoutDegrades(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.waitState(t, StateDegraded)
}

func TestDisplacementFilter(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	sub := h.bus.Subscribe(32)
	defer sub.Close()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.provider.samples <- sampleAt(37.0, -122.0)
	h.waitState(t, StateActive)

	// ~5 m north, under the normal tier's 25 m floor
	near := sampleAt(37.000045, -122.0)
	h.provider.samples <- near

	var discarded bool
	waitFor(t, "discard event", func() bool {
		for {
			select {
			case ev := <-sub.C:
				if ev.Type == events.TypeSampleDiscarded {
					discarded = true
				}
			default:
				return discarded
			}
		}
	})
	if got := h.session.Status().LastSample.Latitude; got != 37.0 {
		t.Errorf("discarded sample must not replace last sample, got lat %v", got)
	}

	// High intensity drops the floor, so the same 5 m step is accepted
	if err := h.session.SetIntensity(ctx, IntensityHigh); err != nil {
		t.Fatalf("SetIntensity failed: %v", err)
	}
	h.provider.samples <- near
	waitFor(t, "accepted sample", func() bool {
		last := h.session.Status().LastSample
		return last != nil && last.Latitude == 37.000045
	})
}

func TestGeofenceTransitions(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	fence := geofence.Geofence{
		ID:      "home",
		OwnerID: "user-1",
		Center:  geomath.Point{Lat: 37.0, Lon: -122.0},
		RadiusM: 100,
		Mask:    geofence.MaskBoth,
	}
	if err := h.session.AddGeofence(ctx, fence); err != nil {
		t.Fatalf("AddGeofence failed: %v", err)
	}

	sub := h.bus.Subscribe(32)
	defer sub.Close()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.provider.samples <- sampleAt(37.0, -122.0)
	h.waitState(t, StateActive)

	var gotEnter, gotExit bool
	drain := func() {
		for {
			select {
			case ev := <-sub.C:
				if ev.Type != events.TypeGeofenceTransition {
					continue
				}
				switch ev.Data["kind"] {
				case "enter":
					gotEnter = true
				case "exit":
					gotExit = true
				}
			default:
				return
			}
		}
	}
	waitFor(t, "enter transition", func() bool { drain(); return gotEnter })

	// ~1.1 km north leaves the 100 m fence
	h.provider.samples <- sampleAt(37.01, -122.0)
	waitFor(t, "exit transition", func() bool { drain(); return gotExit })
}

func TestProviderErrorDegradesAndRecovers(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.provider.samples <- sampleAt(37.0, -122.0)
	h.waitState(t, StateActive)

	h.provider.errs <- errors.New("gps signal lost")
	h.waitState(t, StateDegraded)

	// Backoff fires, resubscribe succeeds, next fix restores Active.
	waitFor(t, "resubscribe", func() bool { return h.provider.subscribeCount() >= 2 })
	h.provider.samples <- sampleAt(37.001, -122.0)
	h.waitState(t, StateActive)
}

func TestPublishSupersede(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	gate := make(chan struct{})
	h.publisher.mu.Lock()
	h.publisher.gate = gate
	h.publisher.mu.Unlock()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// High intensity so tight successive samples all pass the filter
	if err := h.session.SetIntensity(ctx, IntensityHigh); err != nil {
		t.Fatalf("SetIntensity failed: %v", err)
	}

	h.provider.samples <- sampleAt(37.0, -122.0)
	h.waitState(t, StateActive)

	h.provider.samples <- sampleAt(37.001, -122.0)
	h.provider.samples <- sampleAt(37.002, -122.0)
	waitFor(t, "third sample accepted", func() bool {
		last := h.session.Status().LastSample
		return last != nil && last.Latitude == 37.002
	})

	close(gate)
	// First write goes out, then only the newest pending one; the middle
	// sample was superseded while a publish was in flight.
	waitFor(t, "publishes drained", func() bool { return h.publisher.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := h.publisher.count(); got != 2 {
		t.Errorf("expected 2 publishes after supersede, got %d", got)
	}
	h.publisher.mu.Lock()
	lats := []float64{h.publisher.writes[0].Latitude, h.publisher.writes[1].Latitude}
	h.publisher.mu.Unlock()
	if lats[0] != 37.0 || lats[1] != 37.002 {
		t.Errorf("expected first and newest samples published, got %v", lats)
	}
}

func TestStopReleasesCapabilities(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.provider.samples <- sampleAt(37.0, -122.0)
	h.waitState(t, StateActive)

	if err := h.session.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := h.session.Status().State; got != StateStopped {
		t.Errorf("expected stopped, got %s", got)
	}
	if got := h.wake.releaseCount(); got != 1 {
		t.Errorf("expected wake lock released once, got %d", got)
	}

	snap := h.snapshots.decode(t, "user-1")
	if !snap.CleanShutdown {
		t.Error("stop must persist a clean-shutdown snapshot")
	}
}

func TestProcessRestartResumesDirtySession(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	last := sampleAt(37.0, -122.0)
	snap := Snapshot{
		OwnerID:       "user-1",
		State:         StateActive,
		Intensity:     IntensityNormal,
		LastSample:    &last,
		CleanShutdown: false,
		PersistedAt:   time.Now().Add(-time.Minute),
	}
	data, _ := json.Marshal(snap)
	if err := h.snapshots.PutSnapshot(ctx, "user-1", data); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	if err := h.session.NotifyProcessRestart(ctx); err != nil {
		t.Fatalf("NotifyProcessRestart failed: %v", err)
	}
	if got := h.session.Status().State; got != StateStarting {
		t.Errorf("expected starting after restart, got %s", got)
	}
	if got := h.session.Status().RestartCount; got != 1 {
		t.Errorf("expected restart count 1, got %d", got)
	}

	h.provider.samples <- sampleAt(37.0005, -122.0)
	h.waitState(t, StateActive)
}

func TestProcessRestartIgnoresCleanSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	snap := Snapshot{OwnerID: "user-1", State: StateStopped, CleanShutdown: true}
	data, _ := json.Marshal(snap)
	if err := h.snapshots.PutSnapshot(ctx, "user-1", data); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	if err := h.session.NotifyProcessRestart(ctx); err != nil {
		t.Fatalf("NotifyProcessRestart failed: %v", err)
	}
	if got := h.session.Status().State; got != StateStopped {
		t.Errorf("clean snapshot must not auto-restart, got %s", got)
	}
	if got := h.provider.subscribeCount(); got != 0 {
		t.Errorf("expected no provider subscribe, got %d", got)
	}
}

func TestRestartCeilingStopsFatally(t *testing.T) {
	config := testConfig()
	config.RestartCeiling = 3
	h := newHarness(t, config)
	ctx := context.Background()

	times := []time.Time{
		time.Now().Add(-10 * time.Minute),
		time.Now().Add(-5 * time.Minute),
		time.Now().Add(-1 * time.Minute),
	}
	snap := Snapshot{
		OwnerID:      "user-1",
		State:        StateActive,
		RestartTimes: times,
	}
	data, _ := json.Marshal(snap)
	if err := h.snapshots.PutSnapshot(ctx, "user-1", data); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	err := h.session.NotifyProcessRestart(ctx)
	if !errors.Is(err, ErrRestartLoop) {
		t.Fatalf("expected ErrRestartLoop, got %v", err)
	}
	if got := h.session.Status().State; got != StateStopped {
		t.Errorf("expected stopped after ceiling, got %s", got)
	}

	persisted := h.snapshots.decode(t, "user-1")
	if !persisted.CleanShutdown {
		t.Error("ceiling stop must persist a clean snapshot to break the loop")
	}
}

func TestRestartWindowPrunesOldEntries(t *testing.T) {
	config := testConfig()
	config.RestartCeiling = 3
	h := newHarness(t, config)
	ctx := context.Background()

	// All prior restarts fall outside the rolling window, so only the
	// current one counts.
	times := []time.Time{
		time.Now().Add(-3 * time.Hour),
		time.Now().Add(-2 * time.Hour),
		time.Now().Add(-90 * time.Minute),
	}
	snap := Snapshot{OwnerID: "user-1", State: StateActive, RestartTimes: times}
	data, _ := json.Marshal(snap)
	if err := h.snapshots.PutSnapshot(ctx, "user-1", data); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	if err := h.session.NotifyProcessRestart(ctx); err != nil {
		t.Fatalf("NotifyProcessRestart failed: %v", err)
	}
	if got := h.session.Status().RestartCount; got != 1 {
		t.Errorf("expected pruned restart count 1, got %d", got)
	}
	if got := h.session.Status().State; got != StateStarting {
		t.Errorf("expected starting, got %s", got)
	}
}

func TestDeviceStateLowBatterySwitchesPolicy(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.provider.samples <- sampleAt(37.0, -122.0)
	h.waitState(t, StateActive)

	ds := policy.DeviceState{
		BatteryPercent: 10,
		Battery:        policy.BatteryDischarging,
		Network:        policy.NetworkFast,
	}
	if err := h.session.UpdateDeviceState(ctx, ds); err != nil {
		t.Fatalf("UpdateDeviceState failed: %v", err)
	}

	h.provider.mu.Lock()
	tier := h.provider.lastPolicy.Tier
	calls := h.provider.policyCalls
	h.provider.mu.Unlock()
	if tier != policy.TierLowPower {
		t.Errorf("expected low power tier pushed to provider, got %s", tier)
	}
	if calls != 1 {
		t.Errorf("expected 1 provider policy update, got %d", calls)
	}
}

func TestNewRejectsEmptyOwner(t *testing.T) {
	logger := logx.NewWithOutput("error", io.Discard)
	ctrl := policy.NewController(policy.DefaultConfig(), logger)
	_, err := New("", DefaultConfig(), Capabilities{}, ctrl, events.NewBus(), logger)
	if !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
}
