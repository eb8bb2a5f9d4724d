package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":9090"
	DefaultRecordingsDir      = "recordings"
	DefaultConvertConcurrency = 4
	DefaultBackend            = "tcp"
	DefaultEndpoint           = "localhost:8888"
	DefaultQueueCapacity      = 1000
	DefaultReconnectBackoff   = time.Second
	DefaultDialTimeout        = 5 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultMaxRetries         = 10
	DefaultSubscribeBackoff   = time.Second
	DefaultMaxBackoff         = 30 * time.Second
	DefaultArchiveConcurrency = 4
	DefaultReceiverAddr       = ":8888"
	DefaultReceiverDir        = "received"
)

// ValidBackendNames lists the streaming backends shipped with meetcap.
// [Validate] warns about other names, which may be third-party backends
// registered at startup.
var ValidBackendNames = []string{"tcp", "websocket"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = DefaultRecordingsDir
	}
	if cfg.Recording.ConvertConcurrency == 0 {
		cfg.Recording.ConvertConcurrency = DefaultConvertConcurrency
	}

	s := &cfg.Streaming
	if s.Backend == "" {
		s.Backend = DefaultBackend
	}
	if s.Endpoint == "" {
		s.Endpoint = DefaultEndpoint
	}
	if s.QueueCapacity == 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}
	if s.ReconnectBackoff == 0 {
		s.ReconnectBackoff = DefaultReconnectBackoff
	}
	if s.DialTimeout == 0 {
		s.DialTimeout = DefaultDialTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}

	if cfg.Subscribe.MaxRetries == 0 {
		cfg.Subscribe.MaxRetries = DefaultMaxRetries
	}
	if cfg.Subscribe.Backoff == 0 {
		cfg.Subscribe.Backoff = DefaultSubscribeBackoff
	}
	if cfg.Subscribe.MaxBackoff == 0 {
		cfg.Subscribe.MaxBackoff = DefaultMaxBackoff
	}

	if cfg.Archive.Concurrency == 0 {
		cfg.Archive.Concurrency = DefaultArchiveConcurrency
	}
	if cfg.Receiver.ListenAddr == "" {
		cfg.Receiver.ListenAddr = DefaultReceiverAddr
	}
	if cfg.Receiver.Dir == "" {
		cfg.Receiver.Dir = DefaultReceiverDir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Recording
	if cfg.Recording.ConvertConcurrency < 0 {
		errs = append(errs, fmt.Errorf("recording.convert_concurrency %d must not be negative", cfg.Recording.ConvertConcurrency))
	}

	// Streaming
	s := cfg.Streaming
	if s.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("streaming.queue_capacity %d must not be negative", s.QueueCapacity))
	}
	for name, d := range map[string]time.Duration{
		"streaming.reconnect_backoff": s.ReconnectBackoff,
		"streaming.dial_timeout":      s.DialTimeout,
		"streaming.write_timeout":     s.WriteTimeout,
		"subscribe.backoff":           cfg.Subscribe.Backoff,
		"subscribe.max_backoff":       cfg.Subscribe.MaxBackoff,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", name, d))
		}
	}
	if s.IsEnabled() && s.Endpoint == "" {
		errs = append(errs, errors.New("streaming.endpoint is required when streaming is enabled"))
	}
	if s.Backend != "" && !slices.Contains(ValidBackendNames, s.Backend) {
		slog.Warn("unknown streaming backend, may be a typo or third-party backend",
			"backend", s.Backend,
			"known", ValidBackendNames,
		)
	}
	if s.QueueCapacity > 0 && s.QueueCapacity < 50 {
		slog.Warn("streaming.queue_capacity is small; bursts will drop chunks", "queue_capacity", s.QueueCapacity)
	}

	// Subscribe
	if cfg.Subscribe.MaxBackoff > 0 && cfg.Subscribe.Backoff > cfg.Subscribe.MaxBackoff {
		errs = append(errs, fmt.Errorf("subscribe.backoff %s exceeds subscribe.max_backoff %s", cfg.Subscribe.Backoff, cfg.Subscribe.MaxBackoff))
	}

	// Discord: partial configuration is always a mistake.
	if d := cfg.Discord; d.Configured() {
		if d.Token == "" {
			errs = append(errs, errors.New("discord.token is required when discord is configured"))
		}
		if d.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when discord is configured"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id is required when discord is configured"))
		}
	}

	// Archive
	if a := cfg.Archive; a.Bucket != "" {
		if a.Region == "" && a.Endpoint == "" {
			errs = append(errs, errors.New("archive.region or archive.endpoint is required when archive.bucket is set"))
		}
		if (a.AccessKeyID == "") != (a.SecretAccessKey == "") {
			errs = append(errs, errors.New("archive.access_key_id and archive.secret_access_key must be set together"))
		}
		if a.AccessKeyID == "" {
			slog.Info("archive: no static credentials configured, using the default AWS credential chain")
		}
		if a.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("archive.concurrency %d must not be negative", a.Concurrency))
		}
	}

	return errors.Join(errs...)
}
