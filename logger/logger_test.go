package logger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	lvl, err := parseLevel("debug")
	if err != nil || lvl != zap.DebugLevel {
		t.Errorf("Expected debug level, got %v (err=%v)", lvl, err)
	}
	if lvl, _ := parseLevel(""); lvl != zap.InfoLevel {
		t.Errorf("Expected info level for empty string, got %v", lvl)
	}
	if _, err := parseLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestInitProduction(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")
	if err := Init(false, logPath, "warn"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() {
		Logger = zap.NewNop()
		Sugar = Logger.Sugar()
	}()

	if Logger.Core().Enabled(zap.InfoLevel) {
		t.Error("Info level should be disabled when level is warn")
	}
	if !Logger.Core().Enabled(zap.ErrorLevel) {
		t.Error("Error level should be enabled when level is warn")
	}
}
