package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default queue parameters.
const (
	DefaultCapacity = 1000
	DefaultBackoff  = 1 * time.Second

	dropLogInterval = 5 * time.Second
)

// Stats is a point-in-time snapshot of a [Queue]'s counters.
type Stats struct {
	Enqueued   uint64
	Sent       uint64
	Dropped    uint64
	Failed     uint64
	Reconnects uint64
	Depth      int
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithCapacity sets the maximum number of buffered chunks. Values below 1
// are ignored.
func WithCapacity(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithBackoff sets the pause between a failed send and the reconnect
// attempt. Values below zero are ignored.
func WithBackoff(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d >= 0 {
			q.backoff = d
		}
	}
}

// Queue is a bounded, drop-oldest buffer drained by one worker goroutine
// into a [Backend].
//
// Enqueue never blocks. When the buffer is full the oldest chunk is
// discarded so the stream stays close to real time. Stop terminates the
// worker deterministically and then shuts the backend down.
//
// All methods are safe for concurrent use.
type Queue struct {
	backend  Backend
	cfg      Config
	capacity int
	backoff  time.Duration

	mu      sync.Mutex
	ring    []Chunk
	head    int
	size    int
	started bool
	stopped bool
	lastLog time.Time

	wake     chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	enqueued   atomic.Uint64
	sent       atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64
}

// NewQueue creates a queue in front of backend. cfg is handed to
// backend.Initialize on every reconnect. The backend is expected to be
// initialised already; the queue does not dial on Start.
func NewQueue(backend Backend, cfg Config, opts ...QueueOption) *Queue {
	q := &Queue{
		backend:  backend,
		cfg:      cfg,
		capacity: DefaultCapacity,
		backoff:  DefaultBackoff,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.ring = make([]Chunk, q.capacity)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Start launches the worker goroutine. Calling Start more than once is a
// no-op; calling it after Stop returns [ErrQueueStopped].
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if q.started {
		return nil
	}
	q.started = true
	q.wg.Add(1)
	go q.run()
	return nil
}

// Enqueue buffers c for delivery. It returns false only when the queue has
// been stopped. On overflow the oldest buffered chunk is dropped.
func (q *Queue) Enqueue(c Chunk) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	var overflow bool
	if q.size == q.capacity {
		q.ring[q.head] = Chunk{}
		q.head = (q.head + 1) % q.capacity
		q.size--
		overflow = true
	}
	q.ring[(q.head+q.size)%q.capacity] = c
	q.size++
	logDrop := overflow && time.Since(q.lastLog) >= dropLogInterval
	if logDrop {
		q.lastLog = time.Now()
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	if overflow {
		n := q.dropped.Add(1)
		if logDrop {
			slog.Warn("stream: queue full, dropping oldest chunk",
				"capacity", q.capacity,
				"dropped_total", n,
			)
		}
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of buffered chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:   q.enqueued.Load(),
		Sent:       q.sent.Load(),
		Dropped:    q.dropped.Load(),
		Failed:     q.failed.Load(),
		Reconnects: q.reconnects.Load(),
		Depth:      q.Len(),
	}
}

// Connected reports whether the underlying backend holds a connection.
func (q *Queue) Connected() bool {
	return q.backend.Connected()
}

// Stop signals the worker, waits for it to exit and shuts the backend down.
// Buffered chunks are discarded. Only the first call does any work.
func (q *Queue) Stop() error {
	var err error
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		discarded := q.size
		q.ring = nil
		q.size = 0
		q.mu.Unlock()

		close(q.done)
		q.cancel()
		q.wg.Wait()

		if discarded > 0 {
			slog.Debug("stream: discarded buffered chunks on stop", "count", discarded)
		}
		err = q.backend.Shutdown()
	})
	return err
}

func (q *Queue) pop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Chunk{}, false
	}
	c := q.ring[q.head]
	q.ring[q.head] = Chunk{}
	q.head = (q.head + 1) % q.capacity
	q.size--
	return c, true
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		default:
		}

		c, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		if err := q.backend.Send(q.ctx, c); err != nil {
			q.failed.Add(1)
			slog.Warn("stream: send failed, dropping chunk",
				"user_id", c.UserID,
				"bytes", len(c.Data),
				"err", err,
			)
			if !q.sleep(q.backoff) {
				return
			}
			q.reconnects.Add(1)
			if err := q.backend.Initialize(q.ctx, q.cfg); err != nil {
				slog.Warn("stream: reconnect failed", "endpoint", q.cfg.Endpoint, "err", err)
			} else {
				slog.Info("stream: reconnected", "endpoint", q.cfg.Endpoint)
			}
			continue
		}
		q.sent.Add(1)
	}
}

// sleep waits for d or until Stop. It reports false when stopped.
func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-q.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.done:
		return false
	}
}
