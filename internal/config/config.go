// Package config provides the configuration schema and loader for the
// meetcap binaries.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/meetcap/pkg/stream"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown and empty levels map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Recording RecordingConfig `yaml:"recording"`
	Streaming StreamingConfig `yaml:"streaming"`
	Discord   DiscordConfig   `yaml:"discord"`
	Subscribe SubscribeConfig `yaml:"subscribe"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
}

// ServerConfig holds the admin HTTP and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables the
	// admin server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, sends logs to a size-rotated file instead of stderr.
	LogFile string `yaml:"log_file"`
}

// RecordingConfig controls where and how raw audio is written.
type RecordingConfig struct {
	// Dir is the parent of per-session directories.
	Dir string `yaml:"dir"`

	// SyncWrites fsyncs every frame.
	SyncWrites bool `yaml:"sync_writes"`

	// WithInterpreters requests interpretation channels on subscribe.
	WithInterpreters bool `yaml:"with_interpreters"`

	// ConvertConcurrency bounds parallel WAV conversions at session end.
	ConvertConcurrency int `yaml:"convert_concurrency"`
}

// StreamingConfig selects and tunes the live streaming backend.
type StreamingConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// Backend names a registered [stream.Backend] ("tcp", "websocket").
	Backend string `yaml:"backend"`

	Endpoint         string            `yaml:"endpoint"`
	QueueCapacity    int               `yaml:"queue_capacity"`
	ReconnectBackoff time.Duration     `yaml:"reconnect_backoff"`
	DialTimeout      time.Duration     `yaml:"dial_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	Headers          map[string]string `yaml:"headers"`
}

// IsEnabled reports whether streaming is switched on.
func (s StreamingConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StreamConfig returns the backend connection settings.
func (s StreamingConfig) StreamConfig() stream.Config {
	return stream.Config{
		Endpoint:     s.Endpoint,
		DialTimeout:  s.DialTimeout,
		WriteTimeout: s.WriteTimeout,
		Headers:      s.Headers,
	}
}

// QueueOptions returns the queue tuning as [stream.QueueOption] values.
func (s StreamingConfig) QueueOptions() []stream.QueueOption {
	var opts []stream.QueueOption
	if s.QueueCapacity > 0 {
		opts = append(opts, stream.WithCapacity(s.QueueCapacity))
	}
	if s.ReconnectBackoff > 0 {
		opts = append(opts, stream.WithBackoff(s.ReconnectBackoff))
	}
	return opts
}

// DiscordConfig identifies the voice channel to capture. All fields empty
// means no audio source is configured.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// Configured reports whether any Discord field is set.
func (d DiscordConfig) Configured() bool {
	return d.Token != "" || d.GuildID != "" || d.ChannelID != ""
}

// SubscribeConfig is the retry policy for the initial audio subscription.
type SubscribeConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// CatalogConfig configures the optional PostgreSQL session catalog.
type CatalogConfig struct {
	// PostgresDSN is a libpq-style connection string. Empty disables the
	// catalog.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ArchiveConfig configures the optional S3 upload of finished sessions.
type ArchiveConfig struct {
	// Bucket empty disables archiving.
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores (MinIO,
	// R2, ...).
	Endpoint string `yaml:"endpoint"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	UsePathStyle bool `yaml:"use_path_style"`

	// Concurrency bounds parallel uploads.
	Concurrency int `yaml:"concurrency"`
}

// ReceiverConfig configures cmd/meetcap-receiver.
type ReceiverConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// HTTPAddr serves the websocket endpoint at /ws. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`

	Dir string `yaml:"dir"`
}
