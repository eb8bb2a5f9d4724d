// Package capture turns raw meeting audio callbacks into durable per-entity
// PCM files and an optional live stream.
//
// A [Coordinator] implements [audio.Handler]. Each frame is appended
// synchronously to the file of its entity (the mixed bus, a participant, a
// participant's screen share or an interpreter language channel) and, when
// streaming is enabled, a copy is handed to a non-blocking [stream.Queue].
// File durability is authoritative; the stream is best-effort.
//
// Files live in a per-session directory named after the session start time:
//
//	recordings/20260301_120000/
//	    manifest.yaml
//	    mixed_48000Hz_2ch.pcm
//	    user_42_Alice_48000Hz_2ch.pcm
//	    share_user_42_48000Hz_2ch.pcm
//	    interpreter_fr_48000Hz_2ch.pcm
//
// [Coordinator.StopAndConvert] closes everything and wraps every raw file
// into a WAV container next to it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/audio"
	"github.com/MrWong99/meetcap/pkg/audio/sink"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
	"github.com/MrWong99/meetcap/pkg/stream"
)

// SessionLayout is the time layout of session directory names.
const SessionLayout = "20060102_150405"

const defaultRecordingsDir = "recordings"

// Drop reasons reported to metrics.
const (
	dropInvalid       = "invalid"
	dropNotSubscribed = "not_subscribed"
	dropAbandoned     = "abandoned"
)

// State is the subscription lifecycle of a [Coordinator].
type State int

const (
	StateIdle State = iota
	StatePermissionRequested
	StateSubscribed
	StateUnsubscribed
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePermissionRequested:
		return "permission_requested"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// entity is the open raw file of one mixed, participant or share source.
type entity struct {
	file   *sink.File
	format wav.Format
	name   string // display name at creation, possibly empty

	// abandoned entities had an IO failure; their frames are dropped.
	abandoned bool
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithRecordingsDir sets the parent of session directories. Default:
// "recordings".
func WithRecordingsDir(dir string) Option {
	return func(c *Coordinator) { c.root = dir }
}

// WithAuthority sets the raw-recording permission authority.
func WithAuthority(a audio.PermissionAuthority) Option {
	return func(c *Coordinator) { c.authority = a }
}

// WithDirectory sets the participant name directory.
func WithDirectory(d audio.Directory) Option {
	return func(c *Coordinator) { c.directory = d }
}

// WithClock overrides time.Now, mainly for deterministic session names.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithBackends sets the registry consulted by EnableStreaming. Default:
// [stream.DefaultRegistry].
func WithBackends(r *stream.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithQueueOptions sets options for every queue created by EnableStreaming.
func WithQueueOptions(opts ...stream.QueueOption) Option {
	return func(c *Coordinator) { c.queueOpts = opts }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSyncWrites fsyncs every frame write.
func WithSyncWrites(enabled bool) Option {
	return func(c *Coordinator) { c.syncWrites = enabled }
}

// WithConvertConcurrency bounds parallel WAV conversions in StopAndConvert.
func WithConvertConcurrency(n int) Option {
	return func(c *Coordinator) { c.convertConcurrency = n }
}

// Coordinator owns the capture session: subscription state, the file of
// every entity, the sidecar manifest and the streaming queue.
//
// Frame callbacks may arrive on any goroutine. All file handles are guarded
// by a single mutex, so writes for one entity are serialised and
// Unsubscribe never races a write. All methods are safe for concurrent use.
type Coordinator struct {
	provider  audio.Provider
	authority audio.PermissionAuthority
	directory audio.Directory
	now       func() time.Time
	registry  *stream.Registry
	queueOpts []stream.QueueOption
	metrics   *observe.Metrics

	root               string
	syncWrites         bool
	convertConcurrency int

	session string
	dir     string

	mu        sync.Mutex
	state     State
	recording bool // raw-recording grant held
	entities  map[Key]*entity
	deadLangs map[string]bool
	manifest  *wav.Manifest
	queue     *stream.Queue
	active    int

	// streamMu serialises EnableStreaming and DisableStreaming, which do
	// network IO outside mu. finished is set by StopAndConvert and Close;
	// streaming cannot be enabled again afterwards.
	streamMu sync.Mutex
	finished bool

	queueReg metric.Registration
}

var _ audio.Handler = (*Coordinator)(nil)

// New creates a coordinator and its session directory. provider may be nil,
// in which case Subscribe always fails. Failing to create the session
// directory is the only error.
func New(provider audio.Provider, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		provider:  provider,
		now:       time.Now,
		root:      defaultRecordingsDir,
		entities:  make(map[Key]*entity),
		deadLangs: make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	if c.registry == nil {
		c.registry = stream.DefaultRegistry()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	start := c.now()
	session, dir, err := NewSessionDir(c.root, start)
	if err != nil {
		return nil, err
	}
	c.session = session
	c.dir = dir
	c.manifest = wav.NewManifest(session, start)

	reg, err := c.metrics.ObserveQueue(c.StreamingStats)
	if err != nil {
		slog.Warn("capture: queue metrics unavailable", "err", err)
	}
	c.queueReg = reg

	slog.Info("capture: session created", "session", session, "dir", dir)
	return c, nil
}

// NewSessionDir creates <root>/<timestamp>, adding a numeric suffix when
// a session with the same second already exists.
func NewSessionDir(root string, start time.Time) (string, string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", "", fmt.Errorf("capture: create recordings dir: %w", err)
	}
	base := start.Format(SessionLayout)
	session := base
	for i := 2; ; i++ {
		dir := filepath.Join(root, session)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return session, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) || i > 100 {
			return "", "", fmt.Errorf("capture: create session dir: %w", err)
		}
		session = base + "_" + strconv.Itoa(i)
	}
}

// Session returns the session name.
func (c *Coordinator) Session() string { return c.session }

// Dir returns the session directory.
func (c *Coordinator) Dir() string { return c.dir }

// State returns the current subscription state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveEntities returns the number of open mixed, participant and share
// files.
func (c *Coordinator) ActiveEntities() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ─── Permission and subscription ─────────────────────────────────────────────

// RequestRecordingPermission asks the authority for raw-recording
// permission. true means the request was sent, not that it was granted.
func (c *Coordinator) RequestRecordingPermission() bool {
	if c.authority == nil {
		slog.Warn("capture: no permission authority configured")
		return false
	}
	if err := c.authority.RequestRecordingPermission(); err != nil {
		slog.Warn("capture: recording permission request failed", "err", err)
		return false
	}
	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StatePermissionRequested
	}
	c.mu.Unlock()
	slog.Info("capture: recording permission requested")
	return true
}

// Subscribe asks the provider to start delivering frames to c. It returns
// false when the provider is missing, lacks permission or is in the wrong
// state; the caller decides whether to retry.
func (c *Coordinator) Subscribe(withInterpreters bool) bool {
	if c.provider == nil {
		slog.Warn("capture: subscribe: no audio provider")
		return false
	}

	c.mu.Lock()
	if c.state == StateSubscribed {
		c.mu.Unlock()
		slog.Debug("capture: already subscribed")
		return true
	}
	prev := c.state
	// Frames may arrive before Subscribe returns.
	c.state = StateSubscribed
	c.mu.Unlock()

	if err := c.provider.Subscribe(c, withInterpreters); err != nil {
		c.mu.Lock()
		if c.state == StateSubscribed {
			c.state = prev
		}
		c.mu.Unlock()

		switch {
		case errors.Is(err, audio.ErrNoPermission):
			slog.Warn("capture: subscribe: no raw data permission", "err", err)
		case errors.Is(err, audio.ErrWrongState):
			slog.Warn("capture: subscribe: provider not ready", "err", err)
		default:
			slog.Warn("capture: subscribe failed", "err", err)
		}
		return false
	}

	slog.Info("capture: subscribed", "with_interpreters", withInterpreters, "dir", c.dir)
	return true
}

// Unsubscribe stops delivery, closes every file and releases a held
// raw-recording grant. It is idempotent.
func (c *Coordinator) Unsubscribe() {
	c.mu.Lock()
	wasSubscribed := c.state == StateSubscribed
	if wasSubscribed {
		c.state = StateUnsubscribed
	}
	c.closeAllLocked()
	c.mu.Unlock()

	if wasSubscribed {
		if err := c.provider.Unsubscribe(); err != nil {
			slog.Warn("capture: provider unsubscribe failed", "err", err)
		}
		slog.Info("capture: unsubscribed", "dir", c.dir)
	}
	c.releaseGrant()
}

// StartRecording asks the authority to start raw recording.
func (c *Coordinator) StartRecording() bool {
	if c.authority == nil {
		slog.Warn("capture: no permission authority configured")
		return false
	}
	if err := c.authority.StartRawRecording(); err != nil {
		slog.Warn("capture: start raw recording failed", "err", err)
		return false
	}
	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()
	slog.Info("capture: raw recording started")
	return true
}

// StopRecording releases the raw-recording grant and converts the session.
// ok reports whether the authority accepted the stop request.
func (c *Coordinator) StopRecording(ctx context.Context) (rep wav.Report, ok bool) {
	ok = c.releaseGrant()
	return c.StopAndConvert(ctx), ok
}

// releaseGrant stops raw recording when a grant is held. It reports false
// only when the authority rejected the stop.
func (c *Coordinator) releaseGrant() bool {
	c.mu.Lock()
	held := c.recording
	c.recording = false
	c.mu.Unlock()
	if !held || c.authority == nil {
		return true
	}
	if err := c.authority.StopRawRecording(); err != nil {
		slog.Warn("capture: stop raw recording failed", "err", err)
		return false
	}
	slog.Info("capture: raw recording stopped")
	return true
}

// closeAllLocked closes every open entity file. c.mu must be held.
func (c *Coordinator) closeAllLocked() {
	for key, e := range c.entities {
		if e.file != nil {
			if err := e.file.Close(); err != nil {
				slog.Warn("capture: close failed", "path", e.file.Path(), "err", err)
			}
			slog.Debug("capture: closed", "path", e.file.Path(), "bytes", e.file.Size())
			c.active--
			c.metrics.ActiveEntities.Add(context.Background(), -1)
		}
		delete(c.entities, key)
	}
	clear(c.deadLangs)
}

// ─── Frame delivery ──────────────────────────────────────────────────────────

// OnMixedFrame implements [audio.Handler].
func (c *Coordinator) OnMixedFrame(f audio.Frame) {
	c.deliver(MixedKey(), f, func(string) target {
		return target{
			file:       MixedFileName(formatOf(f)),
			entry:      wav.Entry{Kind: audio.KindMixed.String()},
			streamName: MixedStreamName,
		}
	})
}

// OnParticipantFrame implements [audio.Handler].
func (c *Coordinator) OnParticipantFrame(f audio.Frame, participantID uint32) {
	c.deliver(ParticipantKey(participantID), f, func(name string) target {
		return target{
			file:       ParticipantFileName(participantID, name, formatOf(f)),
			entry:      wav.Entry{Kind: audio.KindParticipant.String(), EntityID: participantID, EntityName: name},
			streamID:   participantID,
			streamName: ParticipantStreamName(participantID, name),
		}
	})
}

// OnShareFrame implements [audio.Handler].
func (c *Coordinator) OnShareFrame(f audio.Frame, participantID uint32) {
	c.deliver(ShareKey(participantID), f, func(name string) target {
		return target{
			file:       ShareFileName(participantID, formatOf(f)),
			entry:      wav.Entry{Kind: audio.KindShare.String(), EntityID: participantID, EntityName: name},
			streamID:   participantID,
			streamName: ShareStreamName(participantID, name),
		}
	})
}

// OnInterpreterFrame implements [audio.Handler]. Interpreter channels do
// not keep an open handle: every frame opens, appends and closes the file
// of its language.
func (c *Coordinator) OnInterpreterFrame(f audio.Frame, language string) {
	ctx := context.Background()
	kind := audio.KindInterpreter.String()
	if !c.accept(ctx, f, kind) {
		return
	}
	lang := InterpreterLanguage(language)
	format := formatOf(f)
	name := InterpreterFileName(lang, format)
	path := filepath.Join(c.dir, name)

	c.mu.Lock()
	if c.state != StateSubscribed {
		c.mu.Unlock()
		c.metrics.RecordDrop(ctx, dropNotSubscribed)
		return
	}
	if c.deadLangs[lang] {
		c.mu.Unlock()
		c.metrics.RecordDrop(ctx, dropAbandoned)
		return
	}
	if err := sink.Append(path, f.Data, sink.WithSync(c.syncWrites)); err != nil {
		c.deadLangs[lang] = true
		c.mu.Unlock()
		slog.Warn("capture: interpreter write failed, abandoning language", "language", lang, "path", path, "err", err)
		c.metrics.RecordWriteError(ctx, kind)
		return
	}
	c.recordFileLocked(name, wav.Entry{Kind: kind, Language: lang, Format: format})
	c.enqueueLocked(f, 0, InterpreterStreamName(lang))
	c.mu.Unlock()

	c.metrics.RecordFrame(ctx, kind, len(f.Data))
}

// target describes where a new entity's frames go.
type target struct {
	file       string
	entry      wav.Entry
	streamID   uint32
	streamName string
}

// accept validates f, counting and logging rejected frames.
func (c *Coordinator) accept(ctx context.Context, f audio.Frame, kind string) bool {
	if err := f.Validate(); err != nil {
		slog.Debug("capture: dropping invalid frame", "kind", kind, "err", err)
		c.metrics.RecordDrop(ctx, dropInvalid)
		return false
	}
	return true
}

// deliver writes f to the persistent file of key, creating it on first use
// with the target returned by resolve, and enqueues a copy for streaming.
func (c *Coordinator) deliver(key Key, f audio.Frame, resolve func(name string) target) {
	ctx := context.Background()
	kind := key.Kind.String()
	if !c.accept(ctx, f, kind) {
		return
	}
	format := formatOf(f)

	c.mu.Lock()
	if c.state != StateSubscribed {
		c.mu.Unlock()
		c.metrics.RecordDrop(ctx, dropNotSubscribed)
		return
	}

	e := c.entities[key]
	if e != nil && e.abandoned {
		c.mu.Unlock()
		c.metrics.RecordDrop(ctx, dropAbandoned)
		return
	}
	if e != nil && e.format != format {
		// A format change starts a new file; the name carries the format.
		slog.Info("capture: entity format changed, rotating file",
			"kind", kind, "id", key.ID,
			"from", e.format.Suffix(), "to", format.Suffix(),
		)
		c.closeEntityLocked(e)
		e = nil
	}

	var t target
	if e == nil {
		name := c.lookupName(key)
		t = resolve(name)
		path := filepath.Join(c.dir, t.file)
		file, err := sink.Open(path, sink.WithSync(c.syncWrites))
		if err != nil {
			c.entities[key] = &entity{format: format, name: name, abandoned: true}
			c.mu.Unlock()
			slog.Warn("capture: open failed, abandoning entity", "kind", kind, "id", key.ID, "path", path, "err", err)
			c.metrics.RecordWriteError(ctx, kind)
			return
		}
		e = &entity{file: file, format: format, name: name}
		c.entities[key] = e
		c.active++
		c.metrics.ActiveEntities.Add(ctx, 1)
		t.entry.Format = format
		t.entry.CreatedAt = c.now()
		c.recordFileLocked(t.file, t.entry)
		slog.Info("capture: writing entity", "kind", kind, "id", key.ID, "path", path)
	} else {
		t = resolve(e.name)
	}

	if err := e.file.Write(f.Data); err != nil {
		path := e.file.Path()
		c.closeEntityLocked(e)
		e.abandoned = true
		c.mu.Unlock()
		slog.Warn("capture: write failed, abandoning entity", "kind", kind, "id", key.ID, "path", path, "err", err)
		c.metrics.RecordWriteError(ctx, kind)
		return
	}
	c.enqueueLocked(f, t.streamID, t.streamName)
	c.mu.Unlock()

	c.metrics.RecordFrame(ctx, kind, len(f.Data))
}

// closeEntityLocked closes e's file, keeping e in the map. c.mu must be held.
func (c *Coordinator) closeEntityLocked(e *entity) {
	if e.file == nil {
		return
	}
	if err := e.file.Close(); err != nil {
		slog.Warn("capture: close failed", "path", e.file.Path(), "err", err)
	}
	e.file = nil
	c.active--
	c.metrics.ActiveEntities.Add(context.Background(), -1)
}

// lookupName returns the display name for participant and share keys.
func (c *Coordinator) lookupName(key Key) string {
	if c.directory == nil || (key.Kind != audio.KindParticipant && key.Kind != audio.KindShare) {
		return ""
	}
	name, ok := c.directory.ParticipantName(key.ID)
	if !ok {
		return ""
	}
	return name
}

// recordFileLocked adds a raw file to the manifest and persists it when the
// file is new. c.mu must be held.
func (c *Coordinator) recordFileLocked(name string, e wav.Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	if !c.manifest.Add(name, e) {
		return
	}
	if err := c.manifest.Save(c.dir); err != nil {
		slog.Warn("capture: manifest not saved, conversion will fall back to file names", "err", err)
	}
}

// enqueueLocked hands a copy of f to the streaming queue, if any. The queue
// never blocks. c.mu must be held.
func (c *Coordinator) enqueueLocked(f audio.Frame, id uint32, name string) {
	if c.queue == nil {
		return
	}
	c.queue.Enqueue(stream.Chunk{
		UserID:     id,
		UserName:   name,
		Data:       f.Clone().Data,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Timestamp:  c.now(),
	})
}

// ─── Streaming ───────────────────────────────────────────────────────────────

// EnableStreaming creates a backend of backendType, connects it with cfg
// and starts a queue in front of it. It returns false when the type is
// unknown, the backend cannot connect or the session was already stopped
// with StopAndConvert or Close; file capture is unaffected either way.
// Enabling again replaces the running queue.
func (c *Coordinator) EnableStreaming(backendType string, cfg stream.Config) bool {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if c.finished {
		slog.Warn("capture: streaming not enabled, session already finished", "backend", backendType)
		return false
	}

	b, err := c.registry.New(backendType)
	if err != nil {
		slog.Warn("capture: streaming backend unavailable", "backend", backendType, "known", c.registry.Names(), "err", err)
		return false
	}
	if err := b.Initialize(context.Background(), cfg); err != nil {
		slog.Warn("capture: streaming disabled, backend did not connect",
			"backend", backendType, "endpoint", cfg.Endpoint, "err", err)
		return false
	}

	q := stream.NewQueue(b, cfg, c.queueOpts...)
	if err := q.Start(); err != nil {
		_ = b.Shutdown()
		slog.Warn("capture: streaming queue did not start", "err", err)
		return false
	}

	c.mu.Lock()
	old := c.queue
	c.queue = q
	c.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			slog.Warn("capture: previous stream shutdown failed", "err", err)
		}
	}
	slog.Info("capture: streaming enabled", "backend", backendType, "endpoint", cfg.Endpoint)
	return true
}

// DisableStreaming stops the queue and shuts its backend down. It is
// idempotent.
func (c *Coordinator) DisableStreaming() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.mu.Unlock()
	if q == nil {
		return
	}

	st := q.Stats()
	if err := q.Stop(); err != nil {
		slog.Warn("capture: stream shutdown failed", "err", err)
	}
	slog.Info("capture: streaming disabled",
		"sent", st.Sent, "dropped", st.Dropped, "failed", st.Failed, "reconnects", st.Reconnects)
}

// StreamingStats returns the counters of the running queue. ok is false
// when streaming is disabled.
func (c *Coordinator) StreamingStats() (st stream.Stats, ok bool) {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return stream.Stats{}, false
	}
	return q.Stats(), true
}

// StreamingConnected reports whether streaming is enabled and its backend
// holds a connection.
func (c *Coordinator) StreamingConnected() bool {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	return q != nil && q.Connected()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// finish disables streaming for good.
func (c *Coordinator) finish() {
	c.streamMu.Lock()
	c.finished = true
	c.streamMu.Unlock()
	c.DisableStreaming()
}

// StopAndConvert disables streaming, unsubscribes, closes every file and
// converts each raw file of the session into a WAV file. A file that fails
// to convert is reported and never aborts the batch.
func (c *Coordinator) StopAndConvert(ctx context.Context) wav.Report {
	ctx, span := observe.StartSpan(ctx, "capture.stop_and_convert")
	defer span.End()

	c.finish()
	c.Unsubscribe()

	rep := wav.ConvertDir(ctx, c.dir, wav.WithConcurrency(c.convertConcurrency))
	c.metrics.RecordConversion(ctx, rep)
	span.SetAttributes(
		attribute.String("session", c.session),
		attribute.Int("converted", rep.ConvertedCount()),
		attribute.Int("failed", rep.SkippedCount()),
	)

	for _, f := range rep.Failures {
		observe.Logger(ctx).Warn("capture: file not converted", "path", f.RawPath, "err", f.Err)
	}
	observe.Logger(ctx).Info("capture: session converted",
		"dir", c.dir,
		"converted", rep.ConvertedCount(),
		"failed", rep.SkippedCount(),
		"duration", rep.Duration,
	)
	return rep
}

// Close stops streaming and capture without converting, and releases the
// metrics registration.
func (c *Coordinator) Close() error {
	c.finish()
	c.Unsubscribe()
	if c.queueReg != nil {
		return c.queueReg.Unregister()
	}
	return nil
}
