package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func parseLine(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v\n%s", err, buf.String())
	}
	return entry
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("Pass completed", map[string]interface{}{"synced": 3})

	entry := parseLine(t, &buf)
	if entry.Level != "INFO" || entry.Message != "Pass completed" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Context["synced"] != float64(3) {
		t.Errorf("Context lost: %v", entry.Context)
	}
	if entry.Timestamp == "" {
		t.Error("Timestamp missing")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden too")
	if buf.Len() != 0 {
		t.Errorf("Levels below the minimum must be dropped: %s", buf.String())
	}

	logger.Warn("visible")
	if buf.Len() == 0 {
		t.Error("Warn must pass a Warn minimum")
	}
}

func TestLoggerErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.ErrorWithCode("Pass failed", "SYNC_FAILED", errors.New("boom"))

	entry := parseLine(t, &buf)
	if entry.Code != "SYNC_FAILED" {
		t.Errorf("Code missing: %+v", entry)
	}
	if entry.Error != "boom" {
		t.Errorf("Error missing: %+v", entry)
	}
}

func TestLoggerMergesContexts(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("merge", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	entry := parseLine(t, &buf)
	if entry.Context["a"] != float64(1) || entry.Context["b"] != float64(2) {
		t.Errorf("Contexts not merged: %v", entry.Context)
	}
}
