// Package stream delivers captured audio to a remote consumer.
//
// A [Backend] owns one outbound connection and knows how to put a [Chunk]
// on the wire. A [Queue] sits in front of a backend, accepts chunks from
// capture goroutines without ever blocking them, and drains them on a
// single worker goroutine. When the backend fails the worker backs off,
// reinitialises the connection once and moves on; the failing chunk is
// dropped. Streaming is best-effort by construction: durability is the
// job of the local raw files.
package stream

import (
	"context"
	"errors"
	"time"
)

// Errors returned by backends and the registry.
var (
	// ErrNotConnected is returned by Send when the backend holds no usable
	// connection.
	ErrNotConnected = errors.New("stream: not connected")

	// ErrUnknownBackend is returned by [Registry.New] for unregistered names.
	ErrUnknownBackend = errors.New("stream: unknown backend")

	// ErrQueueStopped is returned by [Queue.Start] after Stop.
	ErrQueueStopped = errors.New("stream: queue stopped")
)

// Config describes how a backend reaches its consumer.
type Config struct {
	// Endpoint is "host:port" for tcp or a ws:// / wss:// URL for websocket.
	Endpoint string

	// DialTimeout bounds connection establishment. Zero means 5s.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write. Zero means 5s.
	WriteTimeout time.Duration

	// Headers are sent on the handshake by backends that have one.
	Headers map[string]string
}

const defaultTimeout = 5 * time.Second

// DialTimeoutOrDefault returns DialTimeout, or 5s when unset.
func (c Config) DialTimeoutOrDefault() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return defaultTimeout
}

// WriteTimeoutOrDefault returns WriteTimeout, or 5s when unset.
func (c Config) WriteTimeoutOrDefault() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return defaultTimeout
}

// Chunk is one block of PCM audio with the metadata a consumer needs to
// file it.
type Chunk struct {
	// UserID is the participant id, or 0 for mixed and interpreter audio.
	UserID uint32

	// UserName is the human-readable stream label.
	UserName string

	// Data is 16-bit little-endian interleaved PCM. The queue owns it once
	// enqueued.
	Data []byte

	SampleRate uint32
	Channels   uint16

	// Timestamp is the capture time of the chunk.
	Timestamp time.Time
}

// Backend is a transport for audio chunks.
//
// Initialize may be called again after a failure to re-establish the
// connection. Send must leave the backend in a state where either the next
// Send succeeds or Connected reports false. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Initialize establishes the connection described by cfg.
	Initialize(ctx context.Context, cfg Config) error

	// Send writes one chunk. An error marks the connection unusable.
	Send(ctx context.Context, c Chunk) error

	// Shutdown releases the connection. It is safe to call more than once.
	Shutdown() error

	// Connected reports whether the backend currently holds a usable
	// connection.
	Connected() bool
}
