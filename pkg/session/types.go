package session

import (
	"errors"
	"time"

	"github.com/geopulse/geopulse/pkg/geofence"
	"github.com/geopulse/geopulse/pkg/geomath"
)

// State is the tracking session lifecycle state
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateDegraded   State = "degraded"
	StateRestarting State = "restarting"
)

// DegradedReason explains why a session entered the degraded state
type DegradedReason string

const (
	ReasonNoFixTimeout     DegradedReason = "no_fix_timeout"
	ReasonProviderError    DegradedReason = "provider_error"
	ReasonPermissionDenied DegradedReason = "permission_denied"
)

// Intensity selects the displacement filtering floor
type Intensity string

const (
	IntensityNormal Intensity = "normal"
	IntensityHigh   Intensity = "high"
)

// LocationSample is one position fix from the provider. Immutable once
// created.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
	Source     string    `json:"source"`
}

// Point returns the sample position as a geomath point
func (s LocationSample) Point() geomath.Point {
	return geomath.Point{Lat: s.Latitude, Lon: s.Longitude}
}

// Snapshot is the persisted session state keyed by owner. A snapshot with
// CleanShutdown false found at process relaunch triggers the restart path.
type Snapshot struct {
	OwnerID       string             `json:"owner_id"`
	State         State              `json:"state"`
	Intensity     Intensity          `json:"intensity"`
	LastSample    *LocationSample    `json:"last_sample,omitempty"`
	Fences        []geofence.Geofence `json:"fences,omitempty"`
	InsideFences  []string           `json:"inside_fences,omitempty"`
	RestartTimes  []time.Time        `json:"restart_times,omitempty"`
	CleanShutdown bool               `json:"clean_shutdown"`
	PersistedAt   time.Time          `json:"persisted_at"`
}

// Status is the externally visible session view
type Status struct {
	OwnerID      string          `json:"owner_id"`
	State        State           `json:"state"`
	Intensity    Intensity       `json:"intensity"`
	LastSample   *LocationSample `json:"last_sample,omitempty"`
	FenceCount   int             `json:"fence_count"`
	RestartCount int             `json:"restart_count"`
}

// Sentinel errors surfaced by the session
var (
	// ErrInvalidOwner rejects a session without an owner
	ErrInvalidOwner = errors.New("session: owner id required")

	// ErrRestartLoop is fatal: the restart ceiling was exceeded within the
	// rolling window and the session will not be retried automatically
	ErrRestartLoop = errors.New("session: restart ceiling exceeded, manual re-enable required")

	// ErrPermissionDenied is reported by location providers when the user
	// has revoked the positioning permission. Recovery still follows the
	// normal degraded retry path in case the permission comes back.
	ErrPermissionDenied = errors.New("session: location permission denied")
)
