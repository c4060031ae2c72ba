package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geopulse/geopulse/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewWithOutput("error", io.Discard)
}

func TestSendPostsWireShape(t *testing.T) {
	var got gatewayRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPSender(Config{GatewayURL: server.URL, APIKey: "secret"}, testLogger())

	payload := Payload{
		Title: "Nearby",
		Body:  "Bob is about 300m away",
		Data: map[string]string{
			"type":           "proximity",
			"peerId":         "bob",
			"distanceMeters": "280",
		},
	}
	if err := sender.Send(context.Background(), "token-1", payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.To != "token-1" {
		t.Errorf("expected token 'token-1', got %q", got.To)
	}
	if got.Notification.Title != "Nearby" || got.Notification.Body != "Bob is about 300m away" {
		t.Errorf("unexpected notification: %+v", got.Notification)
	}
	if got.Notification.Data["type"] != "proximity" {
		t.Errorf("expected data.type 'proximity', got %q", got.Notification.Data["type"])
	}
}

func TestSendGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusBadRequest)
	}))
	defer server.Close()

	sender := NewHTTPSender(Config{GatewayURL: server.URL}, testLogger())
	err := sender.Send(context.Background(), "bad-token", Payload{Title: "x"})
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestSendUnreachableGateway(t *testing.T) {
	sender := NewHTTPSender(Config{GatewayURL: "http://127.0.0.1:1"}, testLogger())
	if err := sender.Send(context.Background(), "token", Payload{Title: "x"}); err == nil {
		t.Fatal("expected error for unreachable gateway")
	}
}
