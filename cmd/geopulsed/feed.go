package main

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/geopulse/geopulse/pkg/escalate"
	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/policy"
	"github.com/geopulse/geopulse/pkg/session"
)

// The feed is the agent's ingest surface: a UDP socket accepting one JSON
// message per datagram from the host's GPS bridge and activity classifier.
// Malformed datagrams are dropped with a debug log, never an error.

type feedMessage struct {
	Type string `json:"type"`

	// location
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m"`
	Source    string  `json:"source"`

	// activity
	Kind              string `json:"kind"`
	ConfidencePercent int    `json:"confidence_percent"`

	// device_state
	BatteryPercent int    `json:"battery_percent"`
	Battery        string `json:"battery"`
	Network        string `json:"network"`

	// command
	Action string `json:"action"`
}

// feedProvider adapts the feed to the session's location provider
// capability. Channels persist across Subscribe/Stop cycles; Stop only
// gates delivery.
type feedProvider struct {
	logger *logx.Logger

	mu      sync.Mutex
	active  bool
	samples chan session.LocationSample
	errs    chan error
	policy  policy.TrackingPolicy
}

func newFeedProvider(logger *logx.Logger) *feedProvider {
	return &feedProvider{
		logger:  logger,
		samples: make(chan session.LocationSample, 16),
		errs:    make(chan error, 4),
	}
}

func (p *feedProvider) Subscribe(pol policy.TrackingPolicy) (<-chan session.LocationSample, <-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.policy = pol
	return p.samples, p.errs, nil
}

func (p *feedProvider) UpdatePolicy(pol policy.TrackingPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = pol
	return nil
}

func (p *feedProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
}

func (p *feedProvider) deliver(sample session.LocationSample) {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if !active {
		return
	}
	select {
	case p.samples <- sample:
	default:
		p.logger.Debug("sample dropped, session busy")
	}
}

type feed struct {
	conn      *net.UDPConn
	provider  *feedProvider
	escalator *escalate.Escalator
	session   *session.Session
	logger    *logx.Logger
}

func newFeed(addr string, provider *feedProvider, escalator *escalate.Escalator, sess *session.Session, logger *logx.Logger) (*feed, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &feed{
		conn:      conn,
		provider:  provider,
		escalator: escalator,
		session:   sess,
		logger:    logger,
	}, nil
}

func (f *feed) run(ctx context.Context) {
	defer f.conn.Close()

	go func() {
		<-ctx.Done()
		_ = f.conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("feed read failed", "error", err.Error())
			continue
		}

		var msg feedMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			f.logger.Debug("dropping malformed feed datagram", "error", err.Error())
			continue
		}
		f.dispatch(ctx, msg)
	}
}

func (f *feed) dispatch(ctx context.Context, msg feedMessage) {
	switch msg.Type {
	case "location":
		f.provider.deliver(session.LocationSample{
			Latitude:   msg.Latitude,
			Longitude:  msg.Longitude,
			AccuracyM:  msg.AccuracyM,
			CapturedAt: time.Now(),
			Source:     msg.Source,
		})
	case "activity":
		f.escalator.Process(ctx, []escalate.ActivityEvent{{
			Kind:              escalate.ActivityKind(msg.Kind),
			ConfidencePercent: msg.ConfidencePercent,
			ObservedAt:        time.Now(),
		}})
	case "device_state":
		if err := f.session.UpdateDeviceState(ctx, policy.DeviceState{
			BatteryPercent: msg.BatteryPercent,
			Battery:        parseBattery(msg.Battery),
			Network:        parseNetwork(msg.Network),
		}); err != nil {
			f.logger.Warn("device state update failed", "error", err.Error())
		}
	case "command":
		f.command(ctx, msg.Action)
	default:
		f.logger.Debug("unknown feed message type", "type", msg.Type)
	}
}

func (f *feed) command(ctx context.Context, action string) {
	var err error
	switch action {
	case "start":
		err = f.session.Start(ctx)
	case "stop":
		err = f.session.Stop(ctx)
	case "intensity_high":
		err = f.session.SetIntensity(ctx, session.IntensityHigh)
	case "intensity_normal":
		err = f.session.SetIntensity(ctx, session.IntensityNormal)
	default:
		f.logger.Debug("unknown feed command", "action", action)
		return
	}
	if err != nil {
		f.logger.Warn("feed command failed", "action", action, "error", err.Error())
	}
}

func parseBattery(s string) policy.BatteryState {
	switch s {
	case "charging":
		return policy.BatteryCharging
	case "discharging":
		return policy.BatteryDischarging
	case "full":
		return policy.BatteryFull
	default:
		return policy.BatteryUnknown
	}
}

func parseNetwork(s string) policy.NetworkClass {
	switch s {
	case "fast":
		return policy.NetworkFast
	case "slow":
		return policy.NetworkSlow
	default:
		return policy.NetworkNone
	}
}
