package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/fixline/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Live: config.LiveConfig{URL: "wss://assist.example.com"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not need a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_TurnDebounceChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.TurnDebounce = 500 * time.Millisecond

	d := config.Diff(old, new)
	if !d.TurnDebounceChanged || d.NewTurnDebounce != 500*time.Millisecond {
		t.Errorf("diff = %+v", d)
	}
	if !d.SessionChanged {
		t.Error("expected SessionChanged=true")
	}
}

func TestDiff_SessionOnly(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.MaxDuration = 5 * time.Minute

	d := config.Diff(old, new)
	if !d.SessionChanged || d.TurnDebounceChanged {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Live.URL = "wss://other.example.com"
	new.Events.Brokers = []string{"kafka:9092"}

	d := config.Diff(old, new)
	for _, want := range []string{"server", "live", "events"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if slices.Contains(d.RestartRequired, "storage") {
		t.Errorf("storage did not change, got %v", d.RestartRequired)
	}
}
