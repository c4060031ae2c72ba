package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("warn", &buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("debug message should be filtered at warn level")
	}
	if strings.Contains(out, "info message") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("warn message should be logged")
	}
	if !strings.Contains(out, "error message") {
		t.Error("error message should be logged")
	}
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("info", &buf)

	logger.Info("sample accepted", "owner", "user-1", "distance_m", 42.5)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}

	if entry["msg"] != "sample accepted" {
		t.Errorf("expected msg 'sample accepted', got %v", entry["msg"])
	}
	if entry["owner"] != "user-1" {
		t.Errorf("expected owner field 'user-1', got %v", entry["owner"])
	}
	if entry["distance_m"] != 42.5 {
		t.Errorf("expected distance_m 42.5, got %v", entry["distance_m"])
	}
	if entry["ts"] == nil {
		t.Error("expected ts field")
	}
}

func TestUnpairedKeyIgnored(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("info", &buf)

	logger.Info("odd args", "key1", "value1", "dangling")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["key1"] != "value1" {
		t.Errorf("expected key1 'value1', got %v", entry["key1"])
	}
	if _, ok := entry["dangling"]; ok {
		t.Error("dangling key should be ignored")
	}
}

func TestParseLevelDefaults(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "debug"},
		{"WARNING", "warning"},
		{"bogus", "info"},
		{"", "info"},
	}

	for _, tt := range tests {
		got := parseLevel(tt.in).String()
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
