package stream_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/meetcap/pkg/stream"
	"github.com/MrWong99/meetcap/pkg/stream/mock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chunk(id uint32) stream.Chunk {
	return stream.Chunk{UserID: id, Data: []byte{byte(id), 0}, SampleRate: 48000, Channels: 2}
}

func userIDs(cs []stream.Chunk) []uint32 {
	ids := make([]uint32, len(cs))
	for i, c := range cs {
		ids[i] = c.UserID
	}
	return ids
}

// ─── Backpressure ─────────────────────────────────────────────────────────────

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{}
	q := stream.NewQueue(b, stream.Config{}, stream.WithCapacity(3))
	defer q.Stop()

	for id := uint32(1); id <= 5; id++ {
		if !q.Enqueue(chunk(id)) {
			t.Fatalf("Enqueue(%d) = false", id)
		}
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	st := q.Stats()
	if st.Enqueued != 5 || st.Dropped != 2 || st.Depth != 3 {
		t.Errorf("stats = %+v", st)
	}

	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "three sends", func() bool { return len(b.SentChunks()) == 3 })

	if got, want := userIDs(b.SentChunks()), []uint32{3, 4, 5}; !slices.Equal(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
}

func TestQueue_DropsOldestWhileWorkerIsBlocked(t *testing.T) {
	t.Parallel()

	inFlight := make(chan uint32, 1)
	release := make(chan struct{})
	b := &mock.Backend{SendFunc: func(_ context.Context, c stream.Chunk) error {
		if c.UserID == 1 {
			inFlight <- c.UserID
			<-release
		}
		return nil
	}}
	q := stream.NewQueue(b, stream.Config{}, stream.WithCapacity(3))
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	q.Enqueue(chunk(1))
	select {
	case <-inFlight:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up chunk 1")
	}

	start := time.Now()
	for id := uint32(2); id <= 8; id++ {
		if !q.Enqueue(chunk(id)) {
			t.Fatalf("Enqueue(%d) = false", id)
		}
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("Enqueue blocked for %s behind a stalled Send", d)
	}
	if st := q.Stats(); st.Depth != 3 || st.Dropped != 4 {
		t.Errorf("stats = %+v, want depth 3 and 4 dropped", st)
	}

	unblock()
	waitFor(t, "four sends", func() bool { return len(b.SentChunks()) == 4 })
	if got, want := userIDs(b.SentChunks()), []uint32{1, 6, 7, 8}; !slices.Equal(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
}

func TestQueue_DeliversInOrder(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{}
	q := stream.NewQueue(b, stream.Config{})
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	var want []uint32
	for id := uint32(1); id <= 50; id++ {
		q.Enqueue(chunk(id))
		want = append(want, id)
	}
	waitFor(t, "all sends", func() bool { return len(b.SentChunks()) == 50 })

	if got := userIDs(b.SentChunks()); !slices.Equal(got, want) {
		t.Errorf("sent out of order: %v", got)
	}
	if st := q.Stats(); st.Sent != 50 || st.Dropped != 0 || st.Failed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

// ─── Failure handling ─────────────────────────────────────────────────────────

func TestQueue_ReconnectsOnceAfterFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := &mock.Backend{
		SendFunc: func(context.Context, stream.Chunk) error {
			if calls.Add(1) == 1 {
				return errors.New("broken pipe")
			}
			return nil
		},
	}
	cfg := stream.Config{Endpoint: "example:8888"}
	q := stream.NewQueue(b, cfg, stream.WithBackoff(0))
	q.Enqueue(chunk(1))
	q.Enqueue(chunk(2))
	q.Enqueue(chunk(3))
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	waitFor(t, "two sends", func() bool { return len(b.SentChunks()) == 2 })

	if got := userIDs(b.SentChunks()); !slices.Equal(got, []uint32{2, 3}) {
		t.Errorf("sent = %v, want [2 3] (failed chunk dropped)", got)
	}
	st := q.Stats()
	if st.Failed != 1 || st.Reconnects != 1 {
		t.Errorf("stats = %+v, want 1 failure and 1 reconnect", st)
	}
	if inits, _, _ := b.Counts(); inits != 1 {
		t.Errorf("Initialize called %d times, want 1", inits)
	}
}

func TestQueue_ReconnectUsesQueueConfig(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{SendErr: errors.New("reset")}
	cfg := stream.Config{Endpoint: "example:8888", Headers: map[string]string{"X-Session": "s1"}}
	q := stream.NewQueue(b, cfg, stream.WithBackoff(0))
	q.Enqueue(chunk(1))
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "reconnect", func() bool { inits, _, _ := b.Counts(); return inits == 1 })
	if err := q.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := b.InitializeCalls[0]
	if got.Endpoint != cfg.Endpoint || got.Headers["X-Session"] != "s1" {
		t.Errorf("Initialize config = %+v", got)
	}
	if b.Connected() {
		t.Error("backend still connected after Stop")
	}
}

func TestQueue_StopInterruptsBackoff(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{SendErr: errors.New("unreachable")}
	q := stream.NewQueue(b, stream.Config{}, stream.WithBackoff(time.Hour))
	q.Enqueue(chunk(1))
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first send", func() bool { _, sends, _ := b.Counts(); return sends == 1 })

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the backoff sleep")
	}
	if inits, _, _ := b.Counts(); inits != 0 {
		t.Errorf("Initialize called %d times after Stop, want 0", inits)
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestQueue_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{}
	q := stream.NewQueue(b, stream.Config{})
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	q.Enqueue(chunk(1))

	if err := q.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, _, shutdowns := b.Counts(); shutdowns != 1 {
		t.Errorf("Shutdown called %d times, want 1", shutdowns)
	}
	if q.Enqueue(chunk(2)) {
		t.Error("Enqueue after Stop = true, want false")
	}
	if err := q.Start(); !errors.Is(err, stream.ErrQueueStopped) {
		t.Errorf("Start after Stop = %v, want ErrQueueStopped", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Stop = %d, want 0", q.Len())
	}
}

func TestQueue_StopWithoutStart(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{ShutdownErr: errors.New("close failed")}
	q := stream.NewQueue(b, stream.Config{})
	q.Enqueue(chunk(1))
	if err := q.Stop(); err == nil {
		t.Error("Stop should surface the backend shutdown error")
	}
}
