package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", Console: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Info("dropped")
	logger.Warn("kept", zap.String("component", "test"))
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info entry should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"component":"test"`) {
		t.Errorf("expected JSON warn entry, got %s", out)
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docbridge.log")

	var console bytes.Buffer
	logger, closeFn, err := New(Options{Level: "debug", File: path, Development: true, Console: &console})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Debug("to both", zap.Int("n", 1))
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to both"`) {
		t.Errorf("file should hold JSON entries, got %s", data)
	}
	if !strings.Contains(console.String(), "to both") {
		t.Errorf("console should receive the entry too, got %s", console.String())
	}
}

func TestNewInvalidLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("New() should reject an unknown level")
	}
}
