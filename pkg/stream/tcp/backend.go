// Package tcp implements the reference streaming backend: length-prefixed
// frames of JSON metadata and raw PCM over a plain TCP connection.
//
// Each frame is assembled in memory and written with a single Write under a
// write deadline. Any write error closes the connection, so a stream with a
// partially written frame is never reused; the next Initialize dials a
// fresh one.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/meetcap/pkg/stream"
)

// Name is the registry name of this backend.
const Name = "tcp"

// Backend is a [stream.Backend] over TCP. It is safe for concurrent use.
type Backend struct {
	mu   sync.Mutex
	conn net.Conn
	cfg  stream.Config
	buf  []byte
}

// New returns an unconnected backend.
func New() *Backend { return &Backend{} }

// Factory is a [stream.Factory] for this backend.
func Factory() stream.Backend { return New() }

// Initialize dials cfg.Endpoint, replacing any existing connection.
func (b *Backend) Initialize(ctx context.Context, cfg stream.Config) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("tcp: initialize: empty endpoint")
	}

	d := net.Dialer{Timeout: cfg.DialTimeoutOrDefault()}
	conn, err := d.DialContext(ctx, "tcp", cfg.Endpoint)
	if err != nil {
		b.mu.Lock()
		b.closeLocked()
		b.mu.Unlock()
		return fmt.Errorf("tcp: dial %s: %w", cfg.Endpoint, err)
	}

	b.mu.Lock()
	b.closeLocked()
	b.conn = conn
	b.cfg = cfg
	b.mu.Unlock()

	slog.Info("tcp: streaming connection established", "endpoint", cfg.Endpoint)
	return nil
}

// Send writes c as one frame. On any error the connection is closed and
// [stream.ErrNotConnected] is returned by later calls until Initialize
// succeeds again.
func (b *Backend) Send(ctx context.Context, c stream.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return stream.ErrNotConnected
	}

	buf, err := AppendFrame(b.buf[:0], c)
	if err != nil {
		// Encoding failures concern the chunk, not the connection.
		return err
	}
	b.buf = buf

	deadline := time.Now().Add(b.cfg.WriteTimeoutOrDefault())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := b.conn.SetWriteDeadline(deadline); err != nil {
		b.closeLocked()
		return fmt.Errorf("tcp: set deadline: %w", err)
	}

	n, err := b.conn.Write(buf)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short write %d of %d bytes", n, len(buf))
	}
	if err != nil {
		b.closeLocked()
		return fmt.Errorf("tcp: send: %w", err)
	}
	return nil
}

// Shutdown closes the connection. It is safe to call more than once.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	if err != nil {
		return fmt.Errorf("tcp: shutdown: %w", err)
	}
	return nil
}

// Connected reports whether a connection is held.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Backend) closeLocked() {
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

var _ stream.Backend = (*Backend)(nil)
