package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesServiceTaggedJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Service: "repay-test", Stderr: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Debug("scan cycle finished")
	_ = logger.Sync()

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["service"] != "repay-test" || line["msg"] != "scan cycle finished" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Stderr: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("dropped")
	_ = logger.Sync()
	if buf.Len() != 0 {
		t.Fatalf("expected info line to be filtered, got %q", buf.String())
	}
}

func TestNewAlsoWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autorepay.log")
	var buf bytes.Buffer
	logger, err := New(Options{Format: "console", File: path, Stderr: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("heartbeat")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"heartbeat"`) {
		t.Fatalf("expected JSON line in log file, got %q", raw)
	}
	if !strings.Contains(buf.String(), "heartbeat") {
		t.Fatalf("expected console line, got %q", buf.String())
	}
}

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected level parse error")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}
