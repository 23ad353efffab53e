package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               UUID PRIMARY KEY,
	codemod_engine   TEXT NOT NULL,
	codemod_name     TEXT NOT NULL,
	source_hash      CHAR(64) NOT NULL,
	codemod_args     JSONB,
	repo_url         TEXT NOT NULL,
	branch           TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	persistent       BOOLEAN NOT NULL DEFAULT FALSE,
	disable_prettier BOOLEAN NOT NULL DEFAULT FALSE,
	creation_time    TIMESTAMPTZ NOT NULL,
	final_state      TEXT,
	finalized_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS jobs_unfinished_idx
	ON jobs (creation_time)
	WHERE final_state IS NULL;
`

// ApplySchema creates the jobs archive table when it does not exist yet.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
