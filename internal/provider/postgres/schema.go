// Package postgres implements the relational content cache on Postgres.
package postgres

// cacheTable is the table the worker write path and consumer reads target.
const cacheTable = "cache_rows"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS cache_rows (
    identifier            TEXT NOT NULL,
    as_of_date            TEXT NOT NULL,
    status                TEXT NOT NULL,
    content               BYTEA,
    artifact_reference    TEXT,
    artifact_generated_at TIMESTAMPTZ,
    computed_at           TIMESTAMPTZ NOT NULL,
    error_message         TEXT,
    run_id                TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (identifier, as_of_date),
    CONSTRAINT completed_has_content CHECK (status <> 'completed' OR content IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_cache_rows_date_status ON cache_rows (as_of_date, status);
CREATE INDEX IF NOT EXISTS idx_cache_rows_status_computed ON cache_rows (status, computed_at);

ALTER TABLE cache_rows ADD COLUMN IF NOT EXISTS artifact_reference TEXT;
ALTER TABLE cache_rows ADD COLUMN IF NOT EXISTS artifact_generated_at TIMESTAMPTZ;
ALTER TABLE cache_rows ADD COLUMN IF NOT EXISTS error_message TEXT;
ALTER TABLE cache_rows ADD COLUMN IF NOT EXISTS run_id TEXT NOT NULL DEFAULT '';
`

const rowColumns = `identifier, as_of_date, status, content, artifact_reference,
	artifact_generated_at, computed_at, error_message, run_id`
