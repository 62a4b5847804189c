package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/router-for-me/abuseguard/internal/config"
	log "github.com/sirupsen/logrus"
)

func TestSetup_WritesRotatingFile(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetLevel(log.InfoLevel)

	logPath := filepath.Join(t.TempDir(), "logs", "abuseguard.log")
	closer, err := Setup(config.LogConfig{Level: "debug", Format: "json", File: logPath})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Debug("hello from test")
	if errClose := closer.Close(); errClose != nil {
		t.Fatalf("close: %v", errClose)
	}

	data, errRead := os.ReadFile(logPath)
	if errRead != nil {
		t.Fatalf("read log: %v", errRead)
	}
	if len(data) == 0 {
		t.Fatalf("expected log file to have content")
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
}

func TestSetup_RejectsUnknownLevel(t *testing.T) {
	if _, err := Setup(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
