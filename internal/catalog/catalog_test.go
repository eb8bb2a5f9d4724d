package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/meetcap/internal/catalog"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if MEETCAP_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEETCAP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEETCAP_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [catalog.Store] on a clean schema.
func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS recordings CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	store, err := catalog.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func testReport(dir string) (wav.Report, *wav.Manifest) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := wav.NewManifest("20260301_120000", created)
	m.Add("user_42_Alice_48000Hz_2ch.pcm", wav.Entry{
		Kind: "participant", EntityID: 42, EntityName: "Alice",
		Format: wav.Format{SampleRate: 48000, Channels: 2}, CreatedAt: created,
	})
	m.Add("interpreter_fr_16000Hz_1ch.pcm", wav.Entry{
		Kind: "interpreter", Language: "fr",
		Format: wav.Format{SampleRate: 16000, Channels: 1}, CreatedAt: created,
	})

	rep := wav.Report{
		Dir: dir,
		Converted: []wav.Result{{
			RawPath: filepath.Join(dir, "user_42_Alice_48000Hz_2ch.pcm"),
			WAVPath: filepath.Join(dir, "user_42_Alice_48000Hz_2ch.wav"),
			Format:  wav.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16},
			Source:  wav.SourceManifest,
			Bytes:   3840,
		}},
		Failures: []wav.Failure{{
			RawPath: filepath.Join(dir, "interpreter_fr_16000Hz_1ch.pcm"),
			Err:     errors.New("wav: empty source"),
		}},
	}
	return rep, m
}

// ─── Row building ────────────────────────────────────────────────────────────

func TestRecordingRows(t *testing.T) {
	t.Parallel()

	rep, m := testReport("/rec/20260301_120000")
	rows := catalog.RecordingRows(rep, m)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	ok := rows[0]
	want := catalog.Recording{
		File: "user_42_Alice_48000Hz_2ch.pcm", Kind: "participant",
		EntityID: 42, EntityName: "Alice", SampleRate: 48000, Channels: 2,
		Bytes: 3840, WAVFile: "user_42_Alice_48000Hz_2ch.wav", Status: catalog.StatusConverted,
	}
	if ok != want {
		t.Errorf("converted row = %+v, want %+v", ok, want)
	}

	failed := rows[1]
	if failed.Status != catalog.StatusFailed || failed.Error != "wav: empty source" {
		t.Errorf("failed row = %+v", failed)
	}
	if failed.Kind != "interpreter" || failed.Language != "fr" || failed.SampleRate != 16000 {
		t.Errorf("failed row lost manifest metadata: %+v", failed)
	}
}

func TestRecordingRows_NilManifest(t *testing.T) {
	t.Parallel()

	rep, _ := testReport("/rec/x")
	rows := catalog.RecordingRows(rep, nil)
	if rows[0].Kind != "" || rows[0].EntityID != 0 {
		t.Errorf("row without manifest = %+v, want empty entity fields", rows[0])
	}
	if rows[0].SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want format from result", rows[0].SampleRate)
	}
}

// ─── Integration ─────────────────────────────────────────────────────────────

func TestStore_SessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.BeginSession(ctx, "20260301_120000", "/rec/20260301_120000", started); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	rep, m := testReport("/rec/20260301_120000")
	if err := store.RecordReport(ctx, "20260301_120000", rep, m); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}
	// Recording the same report twice must not fail on the primary key.
	if err := store.RecordReport(ctx, "20260301_120000", rep, m); err != nil {
		t.Fatalf("RecordReport again: %v", err)
	}

	ended := started.Add(time.Hour)
	if err := store.EndSession(ctx, "20260301_120000", ended, 3); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	sessions, err := store.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.Converted != 1 || s.Failed != 1 || s.ArchivedObjects != 3 {
		t.Errorf("session totals = %+v", s)
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", s.EndedAt, ended)
	}
}

func TestStore_EndUnknownSession(t *testing.T) {
	store := newTestStore(t)
	if err := store.EndSession(context.Background(), "nope", time.Now(), 0); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestStore_ListSessionsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := store.BeginSession(ctx, id, "/rec/"+id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("BeginSession(%s): %v", id, err)
		}
	}

	sessions, err := store.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Errorf("sessions = %+v, want [c b]", sessions)
	}
	if sessions[0].EndedAt != nil {
		t.Errorf("open session has EndedAt %v", sessions[0].EndedAt)
	}
}
