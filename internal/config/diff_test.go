package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/meetcap/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Streaming.Headers = map[string]string{"X-Token": "a"}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if !d.Empty() {
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
	if d.StreamingChanged {
		t.Error("expected StreamingChanged=false")
	}
}

func TestDiff_StreamingChanged(t *testing.T) {
	t.Parallel()

	off := false
	tests := []struct {
		name   string
		mutate func(*config.StreamingConfig)
	}{
		{"endpoint", func(s *config.StreamingConfig) { s.Endpoint = "other:9999" }},
		{"backend", func(s *config.StreamingConfig) { s.Backend = "websocket" }},
		{"disabled", func(s *config.StreamingConfig) { s.Enabled = &off }},
		{"capacity", func(s *config.StreamingConfig) { s.QueueCapacity = 10 }},
		{"timeout", func(s *config.StreamingConfig) { s.WriteTimeout = time.Minute }},
		{"header", func(s *config.StreamingConfig) { s.Headers["X-Token"] = "b" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(&new.Streaming)
			d := config.Diff(old, new)
			if !d.StreamingChanged {
				t.Fatal("expected StreamingChanged=true")
			}
			if d.NewStreaming.Endpoint != new.Streaming.Endpoint {
				t.Errorf("NewStreaming = %+v", d.NewStreaming)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("streaming change must not require restart, got %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_ExplicitEnabledEqualsDefault(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	on := true
	new.Streaming.Enabled = &on
	if d := config.Diff(old, new); d.StreamingChanged {
		t.Error("enabled: true should equal the default")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Recording.Dir = "/elsewhere"
	new.Discord.ChannelID = "999"
	new.Server.ListenAddr = ":1"

	d := config.Diff(old, new)
	for _, section := range []string{"server", "recording", "discord"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, section)
		}
	}
	if d.LogLevelChanged || d.StreamingChanged {
		t.Errorf("unexpected hot-reload changes: %+v", d)
	}
}
