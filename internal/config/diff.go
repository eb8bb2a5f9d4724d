package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StreamingChanged is true if any field of the streaming block changed.
	// The application restarts the queue with NewStreaming.
	StreamingChanged bool
	NewStreaming     StreamingConfig

	// RestartRequired names top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !streamingEqual(old.Streaming, new.Streaming) {
		d.StreamingChanged = true
		d.NewStreaming = new.Streaming
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFile != new.Server.LogFile {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Recording != new.Recording {
		d.RestartRequired = append(d.RestartRequired, "recording")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Subscribe != new.Subscribe {
		d.RestartRequired = append(d.RestartRequired, "subscribe")
	}
	if old.Catalog != new.Catalog {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Receiver != new.Receiver {
		d.RestartRequired = append(d.RestartRequired, "receiver")
	}
	return d
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StreamingChanged && len(d.RestartRequired) == 0
}

func streamingEqual(a, b StreamingConfig) bool {
	return a.IsEnabled() == b.IsEnabled() &&
		a.Backend == b.Backend &&
		a.Endpoint == b.Endpoint &&
		a.QueueCapacity == b.QueueCapacity &&
		a.ReconnectBackoff == b.ReconnectBackoff &&
		a.DialTimeout == b.DialTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		maps.Equal(a.Headers, b.Headers)
}
