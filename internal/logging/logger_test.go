// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// decodeEntries parses newline-delimited JSON log output.
func decodeEntries(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

// TestNew verifies standalone logger creation.
func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.out != &buf {
		t.Error("New() did not set output writer")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestLogger_Info verifies info entries are structured JSON.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("queue drained", map[string]interface{}{"succeeded": 3})

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != "INFO" {
		t.Errorf("Level = %q, want INFO", entries[0].Level)
	}
	if entries[0].Message != "queue drained" {
		t.Errorf("Message = %q", entries[0].Message)
	}
	if entries[0].Context["succeeded"] != float64(3) {
		t.Errorf("Context[succeeded] = %v, want 3", entries[0].Context["succeeded"])
	}
	if entries[0].Timestamp == "" {
		t.Error("Timestamp should be set")
	}
}

// TestLogger_levelFiltering verifies entries below minLevel are dropped.
func TestLogger_levelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept", nil)

	entries := decodeEntries(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("unexpected levels: %q, %q", entries[0].Level, entries[1].Level)
	}
}

// TestLogger_Error verifies the error field is populated.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Error("sync failed", errors.New("gateway unreachable"))

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Error != "gateway unreachable" {
		t.Errorf("Error = %q, want 'gateway unreachable'", entries[0].Error)
	}
}

// TestLogger_ErrorWithCode verifies the error code is merged into context.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.ErrorWithCode("validation failed", "VALIDATION_ERROR", errors.New("name required"),
		map[string]interface{}{"field": "name"})

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Context["error_code"] != "VALIDATION_ERROR" {
		t.Errorf("Context[error_code] = %v", entries[0].Context["error_code"])
	}
	if entries[0].Context["field"] != "name" {
		t.Errorf("Context[field] = %v", entries[0].Context["field"])
	}
}

// TestLogger_ErrorWithCode_noContext verifies error code without existing context.
func TestLogger_ErrorWithCode_noContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.ErrorWithCode("storage broken", "STORAGE_ERROR", errors.New("disk full"))

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Context["error_code"] != "STORAGE_ERROR" {
		t.Errorf("Context[error_code] = %v", entries[0].Context["error_code"])
	}
}

// TestLogger_contextMerging verifies multiple context maps are merged.
func TestLogger_contextMerging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("merged",
		map[string]interface{}{"a": "1"},
		map[string]interface{}{"b": "2"})

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Context["a"] != "1" || entries[0].Context["b"] != "2" {
		t.Errorf("Context = %v, want merged maps", entries[0].Context)
	}
}

// TestGet_defaultsToStdout verifies the global logger self-initializes.
func TestGet_defaultsToStdout(t *testing.T) {
	if Get() == nil {
		t.Fatal("Get() returned nil")
	}
}
