// Package mock provides a test double for the stream.Backend interface.
//
// Example:
//
//	b := &mock.Backend{SendErr: errors.New("broken pipe")}
//	q := stream.NewQueue(b, stream.Config{}, stream.WithBackoff(0))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetcap/pkg/stream"
)

// Backend is a mock implementation of stream.Backend.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// InitializeErr, if non-nil, is returned by Initialize and leaves the
	// backend disconnected.
	InitializeErr error

	// SendErr, if non-nil, is returned by Send and marks the backend
	// disconnected until the next successful Initialize.
	SendErr error

	// SendFunc, if non-nil, is consulted before SendErr. A nil return means
	// success.
	SendFunc func(ctx context.Context, c stream.Chunk) error

	// ShutdownErr is returned by Shutdown.
	ShutdownErr error

	// --- Call records ---

	// InitializeCalls records the config of every Initialize call.
	InitializeCalls []stream.Config

	// Sent records every chunk passed to Send that succeeded.
	Sent []stream.Chunk

	// CallCountSend is the number of times Send was called.
	CallCountSend int

	// CallCountShutdown is the number of times Shutdown was called.
	CallCountShutdown int

	connected bool
}

// Initialize records cfg and marks the backend connected unless
// InitializeErr is set.
func (b *Backend) Initialize(_ context.Context, cfg stream.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InitializeCalls = append(b.InitializeCalls, cfg)
	if b.InitializeErr != nil {
		b.connected = false
		return b.InitializeErr
	}
	b.connected = true
	return nil
}

// Send records c unless SendFunc or SendErr reports a failure.
func (b *Backend) Send(ctx context.Context, c stream.Chunk) error {
	b.mu.Lock()
	b.CallCountSend++
	fn, errv := b.SendFunc, b.SendErr
	b.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, c)
	} else {
		err = errv
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.connected = false
		return err
	}
	b.Sent = append(b.Sent, c)
	return nil
}

// Shutdown marks the backend disconnected.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountShutdown++
	b.connected = false
	return b.ShutdownErr
}

// Connected reports the current connection state.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SentChunks returns a copy of the successfully sent chunks.
func (b *Backend) SentChunks() []stream.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]stream.Chunk, len(b.Sent))
	copy(out, b.Sent)
	return out
}

// Counts returns the Initialize, Send and Shutdown call counts.
func (b *Backend) Counts() (initialize, send, shutdown int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.InitializeCalls), b.CallCountSend, b.CallCountShutdown
}

// SetSendErr replaces SendErr under the mock's lock.
func (b *Backend) SetSendErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SendErr = err
}

var _ stream.Backend = (*Backend)(nil)

// InitializeConfigs returns a copy of InitializeCalls.
func (b *Backend) InitializeConfigs() []stream.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]stream.Config(nil), b.InitializeCalls...)
}
