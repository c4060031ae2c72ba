// Package cooldown tracks per-ordered-pair notification timestamps so the
// proximity engine never alerts the same recipient about the same peer
// twice within the cooldown window.
//
// The store lives in process memory. Losing it on restart can produce a
// duplicate alert for pairs that were already notified; this is an accepted
// failure mode, not one the store tries to mask.
package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/metrics"
)

// DefaultWindow is the minimum spacing between two notifications for the
// same ordered pair.
const DefaultWindow = 10 * time.Minute

// PairKey derives the ordered storage key for a notification directed at
// `recipient` about `peer`. The two directions of a pair use distinct keys
// and cool down independently.
func PairKey(recipient, peer string) string {
	return recipient + "|" + peer
}

// Store holds last-notified timestamps keyed by ordered pair
type Store struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	logger  *logx.Logger

	now func() time.Time
}

// NewStore creates a cooldown store with the given window
func NewStore(window time.Duration, logger *logx.Logger) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		entries: make(map[string]time.Time),
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// TryAcquire atomically checks the pair key and, when outside the cooldown
// window, records the current time and returns true. When a notification
// for the key was recorded within the window it returns false and leaves
// the entry untouched. The check and the set happen under one lock so
// concurrent triggers from both directions of a geometric event can never
// both succeed for the same key.
func (s *Store) TryAcquire(pairKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.entries[pairKey]; ok && now.Sub(last) < s.window {
		return false, nil
	}
	s.entries[pairKey] = now
	metrics.CooldownEntries.Set(float64(len(s.entries)))
	return true, nil
}

// Window returns the configured cooldown window
func (s *Store) Window() time.Duration {
	return s.window
}

// Len returns the number of tracked entries
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes entries older than the cooldown window and returns the
// number removed. Entries older than the window can never suppress a
// notification again, so dropping them only bounds memory.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, last := range s.entries {
		if now.Sub(last) >= s.window {
			delete(s.entries, key)
			removed++
		}
	}
	metrics.CooldownEntries.Set(float64(len(s.entries)))
	return removed
}

// StartSweeper runs periodic sweeps until the context is cancelled
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Sweep(); removed > 0 {
					s.logger.Debug("cooldown sweep completed",
						"removed", removed,
						"remaining", s.Len(),
					)
				}
			}
		}
	}()
}
