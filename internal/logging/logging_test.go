package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLDefaultsToNop(t *testing.T) {
	SetLogger(nil)
	if L() == nil {
		t.Fatal("expected a usable logger before Init")
	}
}

func TestSetLevel(t *testing.T) {
	if err := Init(Config{Level: "warn", Format: "console"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer SetLogger(zap.NewNop())

	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("expected warn level, got %v", globalLevel.Level())
	}

	SetLevel("debug")
	if globalLevel.Level() != zapcore.DebugLevel {
		t.Errorf("expected debug level, got %v", globalLevel.Level())
	}

	SetLevel("not-a-level")
	if globalLevel.Level() != zapcore.DebugLevel {
		t.Errorf("invalid level should be ignored, got %v", globalLevel.Level())
	}
}
