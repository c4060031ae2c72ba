package publish

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/geopulse/geopulse/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewWithOutput("error", io.Discard)
}

func TestDisabledClientIsNoOp(t *testing.T) {
	client := NewClient(DefaultConfig(), testLogger())

	if err := client.Connect(); err != nil {
		t.Errorf("disabled Connect should be a no-op, got %v", err)
	}
	if client.IsConnected() {
		t.Error("disabled client should not report connected")
	}

	w := LocationWrite{UserID: "alice", Latitude: 37, Longitude: -122, IsSharing: true}
	if err := client.PublishLocation(context.Background(), w); err != nil {
		t.Errorf("disabled PublishLocation should be a no-op, got %v", err)
	}
	if err := client.SubscribeLocations(func(LocationWrite) {}); err != nil {
		t.Errorf("disabled SubscribeLocations should be a no-op, got %v", err)
	}
}

func TestLocationTopic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopicPrefix = "geopulse"
	client := NewClient(cfg, testLogger())

	if got := client.locationTopic("alice"); got != "geopulse/locations/alice" {
		t.Errorf("unexpected topic: %s", got)
	}
}

func TestLocationWriteWireFormat(t *testing.T) {
	captured := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := LocationWrite{
		UserID:     "alice",
		Latitude:   37.0,
		Longitude:  -122.0,
		AccuracyM:  12.5,
		IsSharing:  true,
		CapturedAt: captured,
	}

	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded LocationWrite
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != w {
		t.Errorf("round trip mismatch: %+v vs %+v", decoded, w)
	}

	// Field names are part of the hub contract.
	var fields map[string]interface{}
	json.Unmarshal(data, &fields)
	for _, key := range []string{"user_id", "latitude", "longitude", "accuracy_m", "is_sharing", "captured_at"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing wire field %q", key)
		}
	}
}
