// Package websocket implements a streaming backend that carries the tcp
// frame encoding inside binary WebSocket messages, one message per chunk.
// Configured headers are sent on the opening handshake.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetcap/pkg/stream"
	"github.com/MrWong99/meetcap/pkg/stream/tcp"
)

// Name is the registry name of this backend.
const Name = "websocket"

// MessageLimit is the largest message a peer has to accept: one frame of
// maximum header and payload size plus both length prefixes.
const MessageLimit = tcp.MaxHeaderSize + tcp.MaxPayloadSize + 8

// Backend is a [stream.Backend] over a WebSocket connection. It is safe for
// concurrent use.
type Backend struct {
	mu   sync.Mutex
	conn *websocket.Conn
	cfg  stream.Config
	buf  []byte
}

// New returns an unconnected backend.
func New() *Backend { return &Backend{} }

// Factory is a [stream.Factory] for this backend.
func Factory() stream.Backend { return New() }

// Initialize performs the WebSocket handshake against cfg.Endpoint,
// replacing any existing connection.
func (b *Backend) Initialize(ctx context.Context, cfg stream.Config) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("websocket: initialize: empty endpoint")
	}

	header := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeoutOrDefault())
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, cfg.Endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(websocket.StatusGoingAway, "reconnecting")
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", cfg.Endpoint, err)
	}
	b.conn = conn
	b.cfg = cfg

	slog.Info("websocket: streaming connection established", "endpoint", cfg.Endpoint)
	return nil
}

// Send writes c as a single binary message. Any write error drops the
// connection.
func (b *Backend) Send(ctx context.Context, c stream.Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return stream.ErrNotConnected
	}

	buf, err := tcp.AppendFrame(b.buf[:0], c)
	if err != nil {
		return err
	}
	b.buf = buf

	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeoutOrDefault())
	defer cancel()
	if err := b.conn.Write(writeCtx, websocket.MessageBinary, buf); err != nil {
		// A failed Write has already closed the underlying connection.
		b.conn = nil
		return fmt.Errorf("websocket: send: %w", err)
	}
	return nil
}

// Shutdown closes the connection with a normal closure status.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(websocket.StatusNormalClosure, "stream stopped")
	return nil
}

// Connected reports whether a connection is held.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Backend) closeLocked(code websocket.StatusCode, reason string) {
	if b.conn == nil {
		return
	}
	if err := b.conn.Close(code, reason); err != nil {
		slog.Debug("websocket: close", "err", err)
	}
	b.conn = nil
}

var _ stream.Backend = (*Backend)(nil)
