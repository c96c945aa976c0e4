package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestInitLevels(t *testing.T) {
	t.Cleanup(func() { instance = nil })

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	if Get().Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("default logger should not emit debug records")
	}
	if !Get().Handler().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("default logger should emit info records")
	}

	if err := InitDebug(); err != nil {
		t.Fatal(err)
	}
	if !Get().Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logger should emit debug records")
	}
}

func TestGetInitializesLazily(t *testing.T) {
	t.Cleanup(func() { instance = nil })
	instance = nil

	if Get() == nil {
		t.Fatal("Get returned nil")
	}
	if !IsInitialized() {
		t.Error("Get should leave the logger initialized")
	}
}
