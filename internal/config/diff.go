package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TurnDebounceChanged bool
	NewTurnDebounce     time.Duration

	// SessionChanged is true if any session default changed. New values
	// apply to sessions started after the reload.
	SessionChanged bool

	// RestartRequired names the changed sections that are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether d holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.TurnDebounce != new.Session.TurnDebounce {
		d.TurnDebounceChanged = true
		d.NewTurnDebounce = new.Session.TurnDebounce
	}
	d.SessionChanged = !reflect.DeepEqual(old.Session, new.Session)

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"live", old.Live, new.Live},
		{"audio", old.Audio, new.Audio},
		{"camera", old.Camera, new.Camera},
		{"providers", old.Providers, new.Providers},
		{"storage", old.Storage, new.Storage},
		{"events", old.Events, new.Events},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
