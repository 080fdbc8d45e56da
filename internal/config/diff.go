package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EndpointingChanged and ResponseChanged are applied to sessions that
	// start after the reload. Running sessions keep their settings.
	EndpointingChanged bool
	ResponseChanged    bool

	// RestartRequired lists the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EndpointingChanged && !d.ResponseChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.EndpointingChanged = old.Endpointing != new.Endpointing
	d.ResponseChanged = old.Response != new.Response

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	restart := []struct {
		section  string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"pipeline", old.Pipeline, new.Pipeline},
		{"providers", old.Providers, new.Providers},
		{"storage", old.Storage, new.Storage},
		{"audit", old.Audit, new.Audit},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range restart {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.section)
		}
	}
	return d
}
