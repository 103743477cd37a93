// ABOUTME: Tests for logger construction
// ABOUTME: File output and level toggling
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crossp2p.log")
	l, err := New(Config{File: path, Quiet: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Info("hello", zap.String("room", "room1"))
	l.Debug("hidden")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"room":"room1"`) {
		t.Errorf("expected structured field in log, got %s", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug entry written at info level")
	}
}

func TestLevelToggle(t *testing.T) {
	l, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if l.Core().Enabled(zap.DebugLevel) {
		t.Error("debug should be off by default")
	}
	l.Level.SetLevel(zap.DebugLevel)
	if !l.Core().Enabled(zap.DebugLevel) {
		t.Error("debug should be on after raising the level")
	}
}

func TestNewBadFile(t *testing.T) {
	if _, err := New(Config{File: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Error("expected error for unwritable log path")
	}
}
