// Package geofence evaluates location samples against registered circular
// regions and derives enter/exit transitions.
package geofence

import (
	"sort"
	"time"

	"github.com/geopulse/geopulse/pkg/geomath"
)

// TransitionMask selects which transition kinds a fence reports
type TransitionMask int

const (
	MaskEnter TransitionMask = 1 << iota
	MaskExit

	MaskBoth = MaskEnter | MaskExit
)

// TransitionKind is the direction of a boundary crossing
type TransitionKind string

const (
	TransitionEnter TransitionKind = "enter"
	TransitionExit  TransitionKind = "exit"
)

// Geofence is a circular region owned by a user
type Geofence struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Center    geomath.Point  `json:"center"`
	RadiusM   float64        `json:"radius_m"`
	ExpiresAt time.Time      `json:"expires_at"`
	Mask      TransitionMask `json:"mask"`
}

// Expired reports whether the fence is past its expiry at the given time.
// A zero ExpiresAt never expires.
func (g Geofence) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// Transition is a single enter or exit event for a fence
type Transition struct {
	GeofenceID string         `json:"geofence_id"`
	Kind       TransitionKind `json:"kind"`
}

// Evaluate checks a sample position against the fence set and returns the
// set of fence IDs now containing the point plus the transitions relative
// to previousInside. Expired fences are skipped entirely: they contribute
// no membership and no transitions, and pruning them is the caller's job.
// Evaluate never mutates its inputs; repeated calls with identical inputs
// yield identical results.
func Evaluate(previousInside map[string]struct{}, point geomath.Point, fences []Geofence, now time.Time) (map[string]struct{}, []Transition) {
	nowInside := make(map[string]struct{})
	var transitions []Transition

	for _, fence := range fences {
		if fence.Expired(now) {
			continue
		}
		if !geomath.InsideCircle(point, fence.Center, fence.RadiusM) {
			continue
		}
		nowInside[fence.ID] = struct{}{}

		if _, was := previousInside[fence.ID]; !was && fence.Mask&MaskEnter != 0 {
			transitions = append(transitions, Transition{GeofenceID: fence.ID, Kind: TransitionEnter})
		}
	}

	for _, fence := range fences {
		if fence.Expired(now) {
			continue
		}
		if _, was := previousInside[fence.ID]; !was {
			continue
		}
		if _, still := nowInside[fence.ID]; still {
			continue
		}
		if fence.Mask&MaskExit != 0 {
			transitions = append(transitions, Transition{GeofenceID: fence.ID, Kind: TransitionExit})
		}
	}

	// Stable ordering keeps downstream event logs deterministic.
	sort.Slice(transitions, func(i, j int) bool {
		if transitions[i].GeofenceID != transitions[j].GeofenceID {
			return transitions[i].GeofenceID < transitions[j].GeofenceID
		}
		return transitions[i].Kind < transitions[j].Kind
	})

	return nowInside, transitions
}
