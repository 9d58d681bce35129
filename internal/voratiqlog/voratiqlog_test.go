package voratiqlog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupWriterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter(&buf, slog.LevelInfo)
	logger.Info("run started", "runId", "20260101-000000-aaaaa")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "run started" {
		t.Errorf("msg = %v, want %q", entry["msg"], "run started")
	}
	if entry["runId"] != "20260101-000000-aaaaa" {
		t.Errorf("runId = %v", entry["runId"])
	}
}

func TestSetupWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter(&buf, slog.LevelWarn)
	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info log to be dropped below warn level, got %q", buf.String())
	}
	logger.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("expected warn log to appear, got %q", buf.String())
	}
}
