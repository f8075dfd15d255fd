package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "release"))

	log.Info("delivered", Int64("id", 42), Err(errors.New("boom")), At("at", time.UnixMilli(1000)), At("next", time.Time{}))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "release" {
		t.Fatalf("comp = %v, want release", m["comp"])
	}
	if m["id"] != float64(42) {
		t.Fatalf("id = %v, want 42", m["id"])
	}
	if m["at"] != "1970-01-01T00:00:01Z" {
		t.Fatalf("at = %v", m["at"])
	}
	if m["next"] != "none" {
		t.Fatalf("next = %v, want none", m["next"])
	}
	if m["message"] != "delivered" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not the zero value")
	}
}
