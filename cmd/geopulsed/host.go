package main

import (
	"time"

	"github.com/geopulse/geopulse/pkg/geofence"
	"github.com/geopulse/geopulse/pkg/logx"
	"github.com/geopulse/geopulse/pkg/session"
)

// Host adapters for the session's OS capability interfaces. On a plain
// Linux host there is no doze mode, notification shade, or OS geofencing
// service, so these satisfy the contracts with logging stand-ins. The
// session still evaluates geofences itself on every accepted sample.

type hostWakeLock struct {
	logger *logx.Logger
}

type hostWakeHandle struct {
	acquiredAt time.Time
}

func (w hostWakeLock) Acquire(maxDuration time.Duration) (session.WakeHandle, error) {
	w.logger.Debug("wake lock acquired", "max_duration", maxDuration.String())
	return &hostWakeHandle{acquiredAt: time.Now()}, nil
}

func (w hostWakeLock) Renew(handle session.WakeHandle, maxDuration time.Duration) error {
	if h, ok := handle.(*hostWakeHandle); ok {
		h.acquiredAt = time.Now()
	}
	return nil
}

func (w hostWakeLock) Release(handle session.WakeHandle) error {
	w.logger.Debug("wake lock released")
	return nil
}

type hostForeground struct {
	logger *logx.Logger
}

func (f hostForeground) StartForeground(text string) error {
	f.logger.Info("tracking foreground notice", "text", text)
	return nil
}

func (f hostForeground) StopForeground() error {
	return nil
}

type hostFences struct{}

func (hostFences) Register(fences []geofence.Geofence) error { return nil }

func (hostFences) Unregister(ids []string) error { return nil }
