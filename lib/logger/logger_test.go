package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("engine", "debug", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}

	log.Debugw("engine", "event", "chunk stored", "seq", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v\n%s", err, buf.String())
	}

	for k, want := range map[string]any{"level": "debug", "logger": "engine", "message": "engine", "event": "chunk stored", "seq": float64(3)} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %v", k, entry[k], want)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestNewWithWriter_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewWithWriter("engine", "warn", &buf)

	log.Infow("engine", "event", "ignored")
	if buf.Len() != 0 {
		t.Errorf("info entry written at warn level: %s", buf.String())
	}
}

func TestNewWithWriter_BadLevel(t *testing.T) {
	if _, err := NewWithWriter("engine", "loud", &bytes.Buffer{}); err == nil {
		t.Error("NewWithWriter accepted an unknown level")
	}
}
