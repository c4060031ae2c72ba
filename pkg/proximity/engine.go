// Package proximity implements the hub-side nearby-friend detector. Every
// accepted location write triggers a linear scan over currently-sharing
// users; each close pair produces at most one notification per direction
// per cooldown window.
//
// The scan is O(N) in sharing users per write. That is a deliberate scaling
// limit: the candidate set is a social graph, not global fan-out, and a
// spatial index would not pay for itself at that size.
package proximity

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/geopulse/geopulse/pkg/cooldown"
	"github.com/geopulse/geopulse/pkg/geomath"
	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/metrics"
	"github.com/geopulse/geopulse/pkg/push"
	"github.com/geopulse/geopulse/pkg/store"
)

// DefaultThresholdM is the distance under which two users count as nearby
const DefaultThresholdM = 500.0

// UserStore is the subset of the location store the engine reads and writes
type UserStore interface {
	UpsertLocation(ctx context.Context, userID string, latitude, longitude float64, isSharing bool) error
	SharingUsers(ctx context.Context, excludeUserID string) ([]store.UserLocation, error)
	GetUser(ctx context.Context, userID string) (store.UserLocation, error)
}

// Config holds proximity detection tuning
type Config struct {
	ThresholdM float64 `json:"threshold_m"`
}

// DefaultConfig returns default proximity tuning
func DefaultConfig() Config {
	return Config{ThresholdM: DefaultThresholdM}
}

// Engine scans sharing users on each location write and dispatches nearby
// notifications through the cooldown gate
type Engine struct {
	config    Config
	users     UserStore
	cooldowns *cooldown.Store
	sender    push.Sender
	logger    *logx.Logger
}

// NewEngine creates a proximity engine
func NewEngine(config Config, users UserStore, cooldowns *cooldown.Store, sender push.Sender, logger *logx.Logger) *Engine {
	if config.ThresholdM <= 0 {
		config.ThresholdM = DefaultThresholdM
	}
	return &Engine{
		config:    config,
		users:     users,
		cooldowns: cooldowns,
		sender:    sender,
		logger:    logger,
	}
}

// OnLocationWritten handles one accepted location write for userID. A
// non-sharing write only updates the stored location; it never triggers a
// scan. Per-candidate failures are isolated: one bad pair never blocks the
// rest of the scan.
func (e *Engine) OnLocationWritten(ctx context.Context, userID string, latitude, longitude float64, isSharing bool) error {
	if err := e.users.UpsertLocation(ctx, userID, latitude, longitude, isSharing); err != nil {
		return fmt.Errorf("location upsert failed: %w", err)
	}
	if !isSharing {
		return nil
	}

	candidates, err := e.users.SharingUsers(ctx, userID)
	if err != nil {
		return fmt.Errorf("sharing scan failed: %w", err)
	}
	metrics.ProximityScans.Inc()

	origin := geomath.Point{Lat: latitude, Lon: longitude}
	writer, werr := e.users.GetUser(ctx, userID)
	if werr != nil {
		e.logger.Warn("writer lookup failed, notifying one direction only",
			"user", userID, "error", werr.Error())
	}

	for _, candidate := range candidates {
		d := geomath.HaversineMeters(origin, geomath.Point{Lat: candidate.Latitude, Lon: candidate.Longitude})
		if d > e.config.ThresholdM {
			continue
		}

		// Both directions are evaluated independently so each user's
		// cooldown clock runs on their own notifications.
		writerName := userID
		if werr == nil {
			writerName = displayName(writer, userID)
		}
		e.notify(ctx, candidate.PushToken, candidate.UserID, userID, writerName, d)
		if werr == nil {
			e.notify(ctx, writer.PushToken, userID, candidate.UserID, displayName(candidate, candidate.UserID), d)
		}
	}
	return nil
}

// notify dispatches one direction of a nearby pair: recipient learns that
// peer is close. Cooldown store errors fail open, a duplicate notification
// beats a silently missed one.
func (e *Engine) notify(ctx context.Context, token, recipientID, peerID, peerName string, distanceM float64) {
	if token == "" {
		return
	}

	key := cooldown.PairKey(recipientID, peerID)
	acquired, err := e.cooldowns.TryAcquire(key)
	if err != nil {
		e.logger.Warn("cooldown check failed, dispatching anyway",
			"pair", key, "error", err.Error())
	} else if !acquired {
		metrics.CooldownSuppressions.Inc()
		e.logger.Debug("notification suppressed by cooldown", "pair", key)
		return
	}

	rounded := FormatDistance(distanceM)
	payload := push.Payload{
		Title: "Friend nearby",
		Body:  fmt.Sprintf("%s is %s away", peerName, rounded),
		Data: map[string]string{
			"type":   "proximity",
			"peerId": peerID,
			// Machine-readable: the actual distance, not the display
			// rounding used in the body.
			"distanceMeters": strconv.FormatFloat(distanceM, 'f', 0, 64),
		},
	}
	if err := e.sender.Send(ctx, token, payload); err != nil {
		e.logger.Warn("proximity notification dispatch failed",
			"recipient", recipientID, "peer", peerID, "error", err.Error())
		return
	}
	metrics.ProximityDispatches.Inc()
	e.logger.Info("proximity notification dispatched",
		"recipient", recipientID,
		"peer", peerID,
		"distance", rounded,
	)
}

func displayName(u store.UserLocation, fallback string) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return fallback
}

// FormatDistance renders a distance for notification text: exact meters
// under 100 m, nearest 100 m bucket under 1 km, kilometers with one
// decimal beyond that.
func FormatDistance(meters float64) string {
	switch {
	case meters < 100:
		return fmt.Sprintf("%dm", int(math.Round(meters)))
	case meters < 1000:
		return fmt.Sprintf("%dm", int(math.Round(meters/100))*100)
	default:
		return fmt.Sprintf("%.1fkm", meters/1000)
	}
}
