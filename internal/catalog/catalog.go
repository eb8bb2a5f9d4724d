// Package catalog records capture sessions and their converted recordings
// in PostgreSQL.
//
// The catalog is optional: the capture pipeline works from the session
// directory and its manifest alone. When configured, the application
// registers each session at start, stores the conversion report at the end
// and lists past sessions for operators.
package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
)

// Recording statuses stored in the recordings table.
const (
	StatusConverted = "converted"
	StatusFailed    = "failed"
)

// Session is one row of the sessions table.
type Session struct {
	ID              string
	Dir             string
	StartedAt       time.Time
	EndedAt         *time.Time
	Converted       int
	Failed          int
	ArchivedObjects int
}

// Store is a PostgreSQL-backed session catalog. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping checks the database connection. It satisfies health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// BeginSession registers a new session. Registering an existing id again
// updates its directory and start time.
func (s *Store) BeginSession(ctx context.Context, id, dir string, startedAt time.Time) (err error) {
	ctx, span := observe.StartSpan(ctx, "catalog.begin_session")
	defer func() { observe.EndSpan(span, err) }()

	const q = `
		INSERT INTO sessions (id, dir, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		    SET dir = EXCLUDED.dir, started_at = EXCLUDED.started_at`

	if _, err := s.pool.Exec(ctx, q, id, dir, startedAt.UTC()); err != nil {
		return fmt.Errorf("catalog: begin session %q: %w", id, err)
	}
	return nil
}

// RecordReport stores one row per converted or failed file of rep and the
// session totals in a single transaction. m supplies entity metadata and
// may be nil.
func (s *Store) RecordReport(ctx context.Context, id string, rep wav.Report, m *wav.Manifest) (err error) {
	ctx, span := observe.StartSpan(ctx, "catalog.record_report")
	defer func() { observe.EndSpan(span, err) }()

	rows := recordingRows(rep, m)

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO recordings
			    (session_id, file, kind, entity_id, entity_name, language,
			     sample_rate, channels, bytes, wav_file, status, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (session_id, file) DO UPDATE SET
			    kind = EXCLUDED.kind, entity_id = EXCLUDED.entity_id,
			    entity_name = EXCLUDED.entity_name, language = EXCLUDED.language,
			    sample_rate = EXCLUDED.sample_rate, channels = EXCLUDED.channels,
			    bytes = EXCLUDED.bytes, wav_file = EXCLUDED.wav_file,
			    status = EXCLUDED.status, error = EXCLUDED.error,
			    recorded_at = now()`

		b := &pgx.Batch{}
		for _, r := range rows {
			b.Queue(upsert, id, r.File, r.Kind, int64(r.EntityID), r.EntityName, r.Language,
				int32(r.SampleRate), int16(r.Channels), r.Bytes, r.WAVFile, r.Status, r.Error)
		}
		b.Queue(`UPDATE sessions SET converted = $2, failed = $3 WHERE id = $1`,
			id, rep.ConvertedCount(), rep.SkippedCount())

		br := tx.SendBatch(ctx, b)
		for range b.Len() {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return fmt.Errorf("catalog: record report for %q: %w", id, err)
	}
	return nil
}

// EndSession marks a session finished.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, archivedObjects int) (err error) {
	ctx, span := observe.StartSpan(ctx, "catalog.end_session")
	defer func() { observe.EndSpan(span, err) }()

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2, archived_objects = $3 WHERE id = $1`,
		id, endedAt.UTC(), archivedObjects)
	if err != nil {
		return fmt.Errorf("catalog: end session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("catalog: end session %q: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, dir, started_at, ended_at, converted, failed, archived_objects
		FROM   sessions
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var s Session
		err := row.Scan(&s.ID, &s.Dir, &s.StartedAt, &s.EndedAt, &s.Converted, &s.Failed, &s.ArchivedObjects)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// Recording is one row of the recordings table as written by RecordReport.
type Recording struct {
	File       string
	Kind       string
	EntityID   uint32
	EntityName string
	Language   string
	SampleRate uint32
	Channels   uint16
	Bytes      int64
	WAVFile    string
	Status     string
	Error      string
}

// recordingRows flattens a report into table rows, enriching each file with
// its manifest entry.
func recordingRows(rep wav.Report, m *wav.Manifest) []Recording {
	rows := make([]Recording, 0, len(rep.Converted)+len(rep.Failures))
	for _, c := range rep.Converted {
		r := fromManifest(c.RawPath, m)
		r.SampleRate = c.Format.SampleRate
		r.Channels = c.Format.Channels
		r.Bytes = c.Bytes
		r.WAVFile = filepath.Base(c.WAVPath)
		r.Status = StatusConverted
		rows = append(rows, r)
	}
	for _, f := range rep.Failures {
		r := fromManifest(f.RawPath, m)
		r.Status = StatusFailed
		if f.Err != nil {
			r.Error = f.Err.Error()
		}
		rows = append(rows, r)
	}
	return rows
}

func fromManifest(rawPath string, m *wav.Manifest) Recording {
	r := Recording{File: filepath.Base(rawPath)}
	if e, ok := m.Lookup(rawPath); ok {
		r.Kind = e.Kind
		r.EntityID = e.EntityID
		r.EntityName = e.EntityName
		r.Language = e.Language
		r.SampleRate = e.SampleRate
		r.Channels = e.Channels
	}
	return r
}
