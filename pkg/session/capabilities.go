package session

import (
	"context"
	"time"

	"github.com/geopulse/geopulse/pkg/geofence"
	"github.com/geopulse/geopulse/pkg/policy"
	"github.com/geopulse/geopulse/pkg/publish"
)

// LocationProvider is the external positioning capability. Subscribe opens
// a sample stream under the given policy; UpdatePolicy retunes the stream
// without resubscribing. Provider failures (permission revoked, provider
// disabled) arrive on the error channel.
type LocationProvider interface {
	Subscribe(pol policy.TrackingPolicy) (<-chan LocationSample, <-chan error, error)
	UpdatePolicy(pol policy.TrackingPolicy) error
	Stop()
}

// WakeHandle identifies one keep-awake acquisition
type WakeHandle interface{}

// WakeLock is the OS keep-awake capability. Acquisitions are bounded and
// renewed before expiry rather than reacquired after a silent lapse.
type WakeLock interface {
	Acquire(maxDuration time.Duration) (WakeHandle, error)
	Renew(handle WakeHandle, maxDuration time.Duration) error
	Release(handle WakeHandle) error
}

// ForegroundGuarantee is the OS background-execution capability
type ForegroundGuarantee interface {
	StartForeground(notificationText string) error
	StopForeground() error
}

// FenceRegistrar is the native geofencing capability. Native enter/exit
// callbacks feed the evaluator's expected-transition cross-check.
type FenceRegistrar interface {
	Register(fences []geofence.Geofence) error
	Unregister(ids []string) error
}

// SnapshotStore is the persistence capability for session snapshots
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, ownerID string, data []byte) error
	GetSnapshot(ctx context.Context, ownerID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, ownerID string) error
}

// LocationPublisher sends accepted samples to the hub
type LocationPublisher interface {
	PublishLocation(ctx context.Context, w publish.LocationWrite) error
}

// Capabilities bundles every external collaborator the session needs. All
// of them are constructor-supplied; the session holds no ambient globals.
type Capabilities struct {
	Provider   LocationProvider
	Wake       WakeLock
	Foreground ForegroundGuarantee
	Fences     FenceRegistrar
	Snapshots  SnapshotStore
	Publisher  LocationPublisher
}
