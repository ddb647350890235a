package mutuelle

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := NewLogger(LogConfig{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("push pass", "pushed", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug filtered): %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "push pass" || entry["pushed"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewLogger_DebugText(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewLogger(LogConfig{Debug: true, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("drain", "entries", 2)
	if !strings.Contains(buf.String(), "msg=drain") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestNewLogger_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mutuelle.log")
	logger, closer, err := NewLogger(LogConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello") {
		t.Errorf("log file = %q", data)
	}
}
