package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT         PRIMARY KEY,
    dir               TEXT         NOT NULL,
    started_at        TIMESTAMPTZ  NOT NULL,
    ended_at          TIMESTAMPTZ,
    converted         INTEGER      NOT NULL DEFAULT 0,
    failed            INTEGER      NOT NULL DEFAULT 0,
    archived_objects  INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at DESC);
`

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    session_id   TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    file         TEXT         NOT NULL,
    kind         TEXT         NOT NULL DEFAULT '',
    entity_id    BIGINT       NOT NULL DEFAULT 0,
    entity_name  TEXT         NOT NULL DEFAULT '',
    language     TEXT         NOT NULL DEFAULT '',
    sample_rate  INTEGER      NOT NULL DEFAULT 0,
    channels     SMALLINT     NOT NULL DEFAULT 0,
    bytes        BIGINT       NOT NULL DEFAULT 0,
    wav_file     TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL,
    error        TEXT         NOT NULL DEFAULT '',
    recorded_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, file)
);

CREATE INDEX IF NOT EXISTS idx_recordings_entity
    ON recordings (kind, entity_id);
`

// Migrate creates the catalog tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlRecordings} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: migrate: %w", err)
		}
	}
	return nil
}
