package logger

import (
	"testing"

	"metaculus/internal/config"
)

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := New(config.LogConfig{Level: "loud", Encoding: "json"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Core().Enabled(-1) {
		t.Fatalf("debug should be disabled at info level")
	}
	if !l.Core().Enabled(0) {
		t.Fatalf("info should be enabled")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
