package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/meetcap/pkg/stream"
)

// Default subscribe retry parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RetryPolicy controls how Setup retries a failed Subscribe.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first. Defaults to 10
	// if zero; negative disables retries.
	MaxRetries int

	// Backoff is the initial pause, doubled after every failed attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the pause. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// StreamingOptions selects the backend Setup enables.
type StreamingOptions struct {
	Backend string
	Config  stream.Config
}

// SetupOptions configures [Setup].
type SetupOptions struct {
	// WithInterpreters requests interpreter channels from the provider.
	WithInterpreters bool

	// StartRecording asks the authority to start raw recording after the
	// permission request.
	StartRecording bool

	// Streaming enables streaming after a successful subscribe. nil means
	// file capture only.
	Streaming *StreamingOptions

	Retry RetryPolicy
}

// SetupResult summarises [Setup].
type SetupResult struct {
	// Success reports that frames are being captured.
	Success bool

	RecordingEnabled bool
	StreamingEnabled bool
	StatusMessage    string
}

// Setup brings c from idle to capturing: it requests recording permission
// (a refusal is only logged, since some providers deliver without it),
// subscribes with exponential backoff, then enables streaming if
// configured. Streaming failure leaves file capture running.
func Setup(ctx context.Context, c *Coordinator, opts SetupOptions) SetupResult {
	var res SetupResult

	if !c.RequestRecordingPermission() {
		slog.Info("capture: recording permission not available, attempting direct subscription")
	}
	if opts.StartRecording && !c.StartRecording() {
		slog.Info("capture: raw recording not started, continuing with subscription")
	}

	if !subscribeWithRetry(ctx, c, opts.WithInterpreters, opts.Retry.withDefaults()) {
		res.StatusMessage = "audio subscription failed"
		if ctx.Err() != nil {
			res.StatusMessage = "audio subscription cancelled"
		}
		return res
	}
	res.Success = true
	res.RecordingEnabled = true
	res.StatusMessage = "audio capture enabled"

	if s := opts.Streaming; s != nil {
		res.StreamingEnabled = c.EnableStreaming(s.Backend, s.Config)
		if !res.StreamingEnabled {
			res.StatusMessage = "audio capture enabled, streaming unavailable"
			slog.Warn("capture: streaming failed, file recording only", "backend", s.Backend, "endpoint", s.Config.Endpoint)
		}
	}
	return res
}

// subscribeWithRetry calls Subscribe until it succeeds, retries run out or
// ctx is cancelled.
func subscribeWithRetry(ctx context.Context, c *Coordinator, withInterpreters bool, p RetryPolicy) bool {
	backoff := p.Backoff
	for attempt := 0; ; attempt++ {
		if c.Subscribe(withInterpreters) {
			return true
		}
		if attempt >= p.MaxRetries {
			slog.Error("capture: subscribe failed, giving up", "attempts", attempt+1)
			return false
		}

		slog.Info("capture: subscribe failed, retrying",
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"backoff", backoff,
		)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}

		backoff *= 2
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
