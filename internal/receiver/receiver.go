// Package receiver is the consuming side of the streaming protocol. It
// accepts framed audio over TCP or a websocket, files every stream into its
// own raw PCM file and wraps the files into WAV containers when the sending
// connection goes away or the receiver shuts down.
package receiver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/meetcap/internal/capture"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/audio"
	"github.com/MrWong99/meetcap/pkg/audio/sink"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
	"github.com/MrWong99/meetcap/pkg/stream/tcp"
)

// Transport labels used in logs and metrics.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Defaults applied to headers that omit the audio format.
const (
	defaultSampleRate = 32000
	defaultChannels   = 1
	mixedPrefix       = "mixed_audio"
)

// defaultFormat is also the conversion fallback for raw files that have
// neither a manifest entry nor a format suffix.
var defaultFormat = wav.Format{SampleRate: defaultSampleRate, Channels: defaultChannels, BitsPerSample: audio.BitDepth}

// ErrClosed is returned for frames that arrive after [Server.Close].
var ErrClosed = errors.New("receiver: closed")

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSyncWrites fsyncs every frame write.
func WithSyncWrites(enabled bool) Option {
	return func(s *Server) { s.syncWrites = enabled }
}

// WithProgressInterval sets how much received audio of one stream passes
// between progress log lines. Default: 10s. Zero disables progress logs.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Server) { s.progress = d }
}

// streamKey identifies one incoming stream. Mixed and interpreter audio
// share user id 0 and screen shares reuse the participant id, so the label
// is part of the key.
type streamKey struct {
	userID   uint32
	userName string
}

type openFile struct {
	file   *sink.File
	format wav.Format
	owner  uint64 // connection that wrote last
}

// UserStats summarises one received stream.
type UserStats struct {
	UserID   uint32
	UserName string
	Frames   int64
	Bytes    int64

	// Duration is the audio length implied by Bytes and the stream format.
	Duration time.Duration

	FirstSeen time.Time
	LastSeen  time.Time
}

// Server writes received streams into a per-run directory.
// All methods are safe for concurrent use.
type Server struct {
	session string
	dir     string

	metrics    *observe.Metrics
	now        func() time.Time
	syncWrites bool
	progress   time.Duration

	connSeq atomic.Uint64
	conns   sync.WaitGroup // TCP connections, awaited by Serve

	// wsConns tracks websocket handlers, which http.Server.Shutdown does
	// not wait for. Close cancels closing and waits for them.
	wsConns     sync.WaitGroup
	closing     context.Context
	cancelConns context.CancelFunc

	mu       sync.Mutex
	closed   bool
	files    map[streamKey]*openFile
	stats    map[streamKey]*UserStats
	manifest *wav.Manifest
}

// New creates the run directory <root>/<timestamp> and returns a Server
// writing into it.
func New(root string, opts ...Option) (*Server, error) {
	s := &Server{
		now:      time.Now,
		progress: 10 * time.Second,
		files:    make(map[streamKey]*openFile),
		stats:    make(map[streamKey]*UserStats),
	}
	s.closing, s.cancelConns = context.WithCancel(context.Background())
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	start := s.now()
	session, dir, err := capture.NewSessionDir(root, start)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	s.session = session
	s.dir = dir
	s.manifest = wav.NewManifest(session, start)
	slog.Info("receiver: writing streams", "dir", dir)
	return s, nil
}

// Dir returns the run directory.
func (s *Server) Dir() string { return s.dir }

// Session returns the run name.
func (s *Server) Session() string { return s.session }

// ListenAndServe listens on addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln,
// waits for every connection handler and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	slog.Info("receiver: listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.conns.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receiver: accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	slog.Info("receiver: client connected", "remote", remote, "transport", TransportTCP)

	id := s.connSeq.Add(1)
	touched := make(map[streamKey]struct{})
	r := bufio.NewReaderSize(conn, 64<<10)
	for {
		h, data, err := tcp.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				slog.Warn("receiver: dropping connection", "remote", remote, "err", err)
			}
			break
		}
		key, err := s.record(ctx, id, h, data, TransportTCP)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				break
			}
			continue
		}
		touched[key] = struct{}{}
	}

	slog.Info("receiver: client disconnected", "remote", remote)
	s.finish(id, touched)
}

// Record files one decoded frame as if it had arrived on a connection of
// its own. It is the entry point for transports that decode frames
// themselves.
func (s *Server) Record(ctx context.Context, h tcp.Header, data []byte, transport string) error {
	_, err := s.record(ctx, 0, h, data, transport)
	return err
}

func (s *Server) record(ctx context.Context, connID uint64, h tcp.Header, data []byte, transport string) (streamKey, error) {
	if h.SampleRate == 0 {
		h.SampleRate = defaultSampleRate
	}
	if h.Channels == 0 {
		h.Channels = defaultChannels
	}
	key := streamKey{userID: h.UserID, userName: h.UserName}
	if err := (audio.Frame{Data: data, SampleRate: h.SampleRate, Channels: h.Channels}).Validate(); err != nil {
		s.metrics.RecordDrop(ctx, "invalid")
		slog.Debug("receiver: invalid frame", "user_id", h.UserID, "err", err)
		return key, err
	}
	s.metrics.RecordRemoteFrame(ctx, transport)

	f := wav.Format{SampleRate: h.SampleRate, Channels: h.Channels, BitsPerSample: audio.BitDepth}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return key, ErrClosed
	}

	of := s.files[key]
	if of != nil && of.format != f {
		s.closeFileLocked(key, of)
		of = nil
	}
	if of == nil {
		var err error
		if of, err = s.openLocked(key, f); err != nil {
			s.metrics.RecordWriteError(ctx, "remote")
			slog.Error("receiver: open stream file", "user_id", h.UserID, "err", err)
			return key, err
		}
	}
	of.owner = connID

	if err := of.file.Write(data); err != nil {
		s.metrics.RecordWriteError(ctx, "remote")
		slog.Error("receiver: write stream file", "path", of.file.Path(), "err", err)
		return key, err
	}
	s.updateStatsLocked(key, f, len(data))
	return key, nil
}

func (s *Server) openLocked(key streamKey, f wav.Format) (*openFile, error) {
	name := FileName(key.userID, key.userName, f)
	file, err := sink.Open(filepath.Join(s.dir, name), sink.WithSync(s.syncWrites))
	if err != nil {
		return nil, err
	}
	entry := wav.Entry{Kind: kindOf(key), EntityID: key.userID, EntityName: key.userName, Format: f, CreatedAt: s.now()}
	if s.manifest.Add(name, entry) {
		if err := s.manifest.Save(s.dir); err != nil {
			slog.Warn("receiver: save manifest", "err", err)
		}
	}
	of := &openFile{file: file, format: f}
	s.files[key] = of
	slog.Info("receiver: started stream", "user_id", key.userID, "user_name", key.userName, "path", file.Path())
	return of, nil
}

func (s *Server) closeFileLocked(key streamKey, of *openFile) {
	if err := of.file.Close(); err != nil {
		slog.Warn("receiver: close stream file", "path", of.file.Path(), "err", err)
	}
	delete(s.files, key)
}

func (s *Server) updateStatsLocked(key streamKey, f wav.Format, n int) {
	now := s.now()
	st := s.stats[key]
	if st == nil {
		st = &UserStats{UserID: key.userID, UserName: key.userName, FirstSeen: now}
		s.stats[key] = st
	}
	before := st.Duration
	st.Frames++
	st.Bytes += int64(n)
	st.LastSeen = now
	bytesPerSecond := int64(f.SampleRate) * int64(f.Channels) * audio.BytesPerSample
	st.Duration += time.Duration(int64(n) * int64(time.Second) / bytesPerSecond)

	if s.progress > 0 && st.Duration/s.progress > before/s.progress {
		slog.Info("receiver: progress",
			"user_id", key.userID,
			"user_name", key.userName,
			"recorded", st.Duration.Round(100*time.Millisecond).String(),
			"bytes", st.Bytes,
		)
	}
}

// trackWebSocket registers a websocket handler unless the server is
// closed.
func (s *Server) trackWebSocket() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wsConns.Add(1)
	return true
}

// finish closes and converts the files last written by connection id.
func (s *Server) finish(id uint64, touched map[streamKey]struct{}) {
	var done []*openFile
	s.mu.Lock()
	for key := range touched {
		of := s.files[key]
		if of == nil || of.owner != id {
			continue
		}
		s.closeFileLocked(key, of)
		done = append(done, of)
	}
	s.mu.Unlock()

	for _, of := range done {
		raw := of.file.Path()
		if err := wav.Convert(raw, strings.TrimSuffix(raw, capture.RawExt)+".wav", of.format); err != nil {
			slog.Warn("receiver: convert stream", "path", raw, "err", err)
		}
	}
}

// Stats returns a snapshot of every stream seen so far, ordered by user id
// and label.
func (s *Server) Stats() []UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserStats, 0, len(s.stats))
	for _, key := range slices.SortedFunc(maps.Keys(s.stats), compareKeys) {
		out = append(out, *s.stats[key])
	}
	return out
}

func compareKeys(a, b streamKey) int {
	if a.userID != b.userID {
		if a.userID < b.userID {
			return -1
		}
		return 1
	}
	return strings.Compare(a.userName, b.userName)
}

// Close stops accepting frames, ends websocket streams and waits for their
// handlers, closes every file, logs the per-stream statistics and converts
// the whole run directory. TCP connections should be shut down first by
// cancelling the context passed to [Server.Serve].
// Close is idempotent; later calls return an empty report.
func (s *Server) Close(ctx context.Context) wav.Report {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wav.Report{Dir: s.dir}
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelConns()
	s.wsConns.Wait()

	s.mu.Lock()
	for key, of := range s.files {
		s.closeFileLocked(key, of)
	}
	if err := s.manifest.Save(s.dir); err != nil {
		slog.Warn("receiver: save manifest", "err", err)
	}
	s.mu.Unlock()

	for _, st := range s.Stats() {
		slog.Info("receiver: stream summary",
			"user_id", st.UserID,
			"user_name", st.UserName,
			"frames", st.Frames,
			"bytes", st.Bytes,
			"duration", st.Duration.Round(10*time.Millisecond).String(),
		)
	}

	rep := wav.ConvertDir(ctx, s.dir,
		wav.WithDefaultFormat(defaultFormat),
		wav.WithResultHook(func(r wav.Result) {
			slog.Debug("receiver: wav written", "path", r.WAVPath, "bytes", r.Bytes, "format_source", r.Source)
		}),
	)
	s.metrics.RecordConversion(ctx, rep)
	slog.Info("receiver: run converted", "dir", s.dir, "summary", rep.String())
	return rep
}

// kindOf infers the entity kind from the stream labels the capture side
// assigns.
func kindOf(key streamKey) string {
	switch {
	case key.userID != 0 && strings.HasPrefix(key.userName, "Share_"):
		return audio.KindShare.String()
	case key.userID != 0:
		return audio.KindParticipant.String()
	case strings.HasPrefix(key.userName, "Interpreter_"):
		return audio.KindInterpreter.String()
	default:
		return audio.KindMixed.String()
	}
}

// FileName returns the raw file name of a received stream:
// "user_<id>_<name>_<rate>Hz_<ch>ch.pcm" for participants and
// "<label>_<rate>Hz_<ch>ch.pcm" for streams with user id 0.
func FileName(userID uint32, userName string, f wav.Format) string {
	if userID != 0 {
		return capture.ParticipantFileName(userID, userName, f)
	}
	prefix := mixedPrefix
	if userName != "" && userName != capture.MixedStreamName {
		prefix = capture.Sanitize(userName)
	}
	return prefix + "_" + f.Suffix() + capture.RawExt
}
