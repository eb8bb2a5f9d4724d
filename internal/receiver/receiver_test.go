package receiver_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/receiver"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
	"github.com/MrWong99/meetcap/pkg/stream"
	"github.com/MrWong99/meetcap/pkg/stream/tcp"
	wsbackend "github.com/MrWong99/meetcap/pkg/stream/websocket"
)

var runStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newServer(t *testing.T, opts ...receiver.Option) *receiver.Server {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	base := []receiver.Option{
		receiver.WithMetrics(m),
		receiver.WithClock(func() time.Time { return runStart }),
	}
	s, err := receiver.New(t.TempDir(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// serve runs s on a loopback listener and returns its address. The server
// stops when the test ends.
func serve(t *testing.T, s *receiver.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().String()
}

func chunk(id uint32, name string, n int, rate uint32, ch uint16) stream.Chunk {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(id) + byte(i)
	}
	return stream.Chunk{UserID: id, UserName: name, Data: data, SampleRate: rate, Channels: ch, Timestamp: runStart}
}

func send(t *testing.T, conn net.Conn, chunks ...stream.Chunk) {
	t.Helper()
	for _, c := range chunks {
		if err := tcp.WriteFrame(conn, c); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
}

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

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func wavHeader(t *testing.T, path string) wav.Header {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	h, err := wav.ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	return h
}

// ─── File naming ─────────────────────────────────────────────────────────────

func TestFileName(t *testing.T) {
	t.Parallel()

	f48 := wav.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	tests := []struct {
		id   uint32
		name string
		want string
	}{
		{0, "Mixed_Audio", "mixed_audio_48000Hz_2ch.pcm"},
		{0, "", "mixed_audio_48000Hz_2ch.pcm"},
		{0, "Interpreter_fr", "Interpreter_fr_48000Hz_2ch.pcm"},
		{5, "User_5", "user_5_User_5_48000Hz_2ch.pcm"},
		{2, "Share_Alice", "user_2_Share_Alice_48000Hz_2ch.pcm"},
		{3, "../../etc", "user_3_______etc_48000Hz_2ch.pcm"},
		{4, "", "user_4_48000Hz_2ch.pcm"},
	}
	for _, tt := range tests {
		if got := receiver.FileName(tt.id, tt.name, f48); got != tt.want {
			t.Errorf("FileName(%d, %q) = %q, want %q", tt.id, tt.name, got, tt.want)
		}
	}
}

// ─── TCP transport ───────────────────────────────────────────────────────────

func TestServe_WritesAndConvertsOnDisconnect(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	addr := serve(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send(t, conn,
		chunk(0, "Mixed_Audio", 1920, 48000, 2),
		chunk(7, "Alice", 1920, 48000, 2),
		chunk(7, "Alice", 1920, 48000, 2),
		chunk(7, "Share_Alice", 640, 16000, 1),
	)
	conn.Close()

	for _, name := range []string{"mixed_audio_48000Hz_2ch.wav", "user_7_Alice_48000Hz_2ch.wav", "user_7_Share_Alice_16000Hz_1ch.wav"} {
		path := filepath.Join(s.Dir(), name)
		waitFor(t, name, func() bool { return exists(path) })
	}

	h := wavHeader(t, filepath.Join(s.Dir(), "user_7_Alice_48000Hz_2ch.wav"))
	if h.DataSize != 3840 || h.SampleRate != 48000 || h.Channels != 2 {
		t.Errorf("alice header = %+v", h)
	}

	m, err := wav.LoadManifest(s.Dir())
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	kinds := map[string]string{
		"mixed_audio_48000Hz_2ch.pcm":        "mixed",
		"user_7_Alice_48000Hz_2ch.pcm":       "participant",
		"user_7_Share_Alice_16000Hz_1ch.pcm": "share",
	}
	for name, kind := range kinds {
		e, ok := m.Lookup(name)
		if !ok || e.Kind != kind {
			t.Errorf("manifest[%s] = %+v, %v; want kind %q", name, e, ok, kind)
		}
	}
}

func TestServe_Stats(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	addr := serve(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	send(t, conn, chunk(9, "Bob", 1920, 48000, 2), chunk(9, "Bob", 1920, 48000, 2), chunk(1, "Ann", 320, 16000, 1))

	waitFor(t, "three frames", func() bool {
		var n int64
		for _, st := range s.Stats() {
			n += st.Frames
		}
		return n == 3
	})

	stats := s.Stats()
	if len(stats) != 2 || stats[0].UserID != 1 || stats[1].UserID != 9 {
		t.Fatalf("stats = %+v, want users [1 9]", stats)
	}
	bob := stats[1]
	if bob.Frames != 2 || bob.Bytes != 3840 || bob.Duration != 20*time.Millisecond {
		t.Errorf("bob = %+v, want 2 frames, 3840 bytes, 20ms", bob)
	}
	if ann := stats[0]; ann.Duration != 10*time.Millisecond {
		t.Errorf("ann duration = %v, want 10ms", ann.Duration)
	}
}

func TestServe_MissingFormatUsesDefaults(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	addr := serve(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send(t, conn, stream.Chunk{UserID: 3, UserName: "Eve", Data: make([]byte, 640)})
	conn.Close()

	waitFor(t, "default-format wav", func() bool {
		return exists(filepath.Join(s.Dir(), "user_3_Eve_32000Hz_1ch.wav"))
	})
}

func TestServe_FormatChangeRotatesFile(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	addr := serve(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send(t, conn, chunk(4, "Dan", 1920, 48000, 2), chunk(4, "Dan", 640, 16000, 1))
	conn.Close()

	for _, name := range []string{"user_4_Dan_48000Hz_2ch.pcm", "user_4_Dan_16000Hz_1ch.wav"} {
		path := filepath.Join(s.Dir(), name)
		waitFor(t, name, func() bool { return exists(path) })
	}
}

func TestServe_MalformedFrameDropsConnection(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	addr := serve(t, s)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Header length far above the limit.
	if _, err := conn.Write([]byte{0x7f, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read after malformed frame = %v, want EOF", err)
	}
}

// ─── Close ───────────────────────────────────────────────────────────────────

func TestClose_ConvertsOpenStreamsAndRejectsLateFrames(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx := context.Background()

	hdr := tcp.Header{Type: tcp.HeaderType, UserID: 8, UserName: "Fay", SampleRate: 48000, Channels: 2}
	if err := s.Record(ctx, hdr, make([]byte, 1920), receiver.TransportTCP); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rep := s.Close(ctx)
	if rep.ConvertedCount() != 1 || rep.SkippedCount() != 0 {
		t.Fatalf("report = %s, want 1 converted", rep)
	}
	if got := rep.Converted[0].Source; got != wav.SourceManifest {
		t.Errorf("format source = %q, want manifest", got)
	}

	if err := s.Record(ctx, hdr, make([]byte, 1920), receiver.TransportTCP); !errors.Is(err, receiver.ErrClosed) {
		t.Errorf("Record after Close = %v, want ErrClosed", err)
	}
	if again := s.Close(ctx); again.ConvertedCount() != 0 {
		t.Errorf("second Close converted %d files", again.ConvertedCount())
	}
}

func TestClose_UnlabelledRawFileUsesReceiverDefaults(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	// A raw file left behind without manifest entry or format suffix.
	if err := os.WriteFile(filepath.Join(s.Dir(), "orphan.pcm"), make([]byte, 640), 0o644); err != nil {
		t.Fatal(err)
	}

	rep := s.Close(context.Background())
	if rep.ConvertedCount() != 1 {
		t.Fatalf("report = %s, want 1 converted", rep)
	}
	r := rep.Converted[0]
	want := wav.Format{SampleRate: 32000, Channels: 1, BitsPerSample: 16}
	if r.Source != wav.SourceDefault || r.Format != want {
		t.Errorf("result = %+v, want %+v from the default", r, want)
	}
}

func TestRecord_RejectsMisalignedPayload(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	hdr := tcp.Header{Type: tcp.HeaderType, UserID: 1, SampleRate: 48000, Channels: 2}
	if err := s.Record(context.Background(), hdr, make([]byte, 3), receiver.TransportTCP); err == nil {
		t.Fatal("expected error for misaligned payload")
	}
	if len(s.Stats()) != 0 {
		t.Errorf("stats recorded for rejected frame: %+v", s.Stats())
	}
}

// ─── WebSocket transport ─────────────────────────────────────────────────────

func TestHandler_WebSocketStream(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(s.Handler(ctx))
	defer srv.Close()

	b := wsbackend.New()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + receiver.WebSocketPath
	if err := b.Initialize(ctx, stream.Config{Endpoint: url}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for range 3 {
		if err := b.Send(ctx, chunk(6, "Gus", 1920, 48000, 2)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := b.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	out := filepath.Join(s.Dir(), "user_6_Gus_48000Hz_2ch.wav")
	waitFor(t, "websocket wav", func() bool { return exists(out) })
	if h := wavHeader(t, out); h.DataSize != 3*1920 {
		t.Errorf("DataSize = %d, want %d", h.DataSize, 3*1920)
	}
}

func TestClose_WaitsForOpenWebSocketStreams(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	// The handler context stays live: only Close may end the stream.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(s.Handler(ctx))
	defer srv.Close()

	b := wsbackend.New()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + receiver.WebSocketPath
	if err := b.Initialize(ctx, stream.Config{Endpoint: url}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer b.Shutdown()
	for range 2 {
		if err := b.Send(ctx, chunk(8, "Ida", 1920, 48000, 2)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	waitFor(t, "frames recorded", func() bool {
		st := s.Stats()
		return len(st) == 1 && st[0].Frames == 2
	})

	done := make(chan wav.Report, 1)
	go func() { done <- s.Close(context.Background()) }()

	var report wav.Report
	select {
	case report = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a websocket client was idle")
	}

	if report.ConvertedCount() != 1 || report.SkippedCount() != 0 {
		t.Fatalf("report = %d converted, %d skipped, want 1 and 0", report.ConvertedCount(), report.SkippedCount())
	}
	out := filepath.Join(s.Dir(), "user_8_Ida_48000Hz_2ch.wav")
	if h := wavHeader(t, out); h.DataSize != 2*1920 {
		t.Errorf("DataSize = %d, want %d", h.DataSize, 2*1920)
	}

	late := wsbackend.New()
	if err := late.Initialize(ctx, stream.Config{Endpoint: url}); err == nil {
		late.Shutdown()
		t.Error("dial after Close succeeded, want it refused")
	}
}
