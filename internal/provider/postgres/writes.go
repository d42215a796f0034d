package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// requireOne fails unless the statement touched exactly one row.
func requireOne(op string, item types.WorkItem, tag pgconn.CommandTag) error {
	if n := tag.RowsAffected(); n != 1 {
		return &provider.RowCountError{Op: op, Key: item.Key(), Want: 1, Got: n}
	}
	return nil
}

// Claim upserts the row to in_progress. A completed row is left untouched so
// consumers keep reading the previous content while it is refreshed.
func (s *Store) Claim(ctx context.Context, item types.WorkItem, runID string, at time.Time) (types.CacheStatus, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO cache_rows (identifier, as_of_date, status, computed_at, run_id)
		VALUES ($1, $2, 'in_progress', $3, $4)
		ON CONFLICT (identifier, as_of_date) DO UPDATE SET
			status        = 'in_progress',
			computed_at   = EXCLUDED.computed_at,
			run_id        = EXCLUDED.run_id,
			error_message = NULL
		WHERE cache_rows.status <> 'completed'
	`, item.Identifier, item.AsOfDate, at, runID)
	if err != nil {
		return "", wrapErr("claim", err)
	}
	if tag.RowsAffected() == 1 {
		return types.CacheInProgress, nil
	}

	var status string
	err = s.db.QueryRow(ctx, `
		SELECT status FROM cache_rows WHERE identifier = $1 AND as_of_date = $2
	`, item.Identifier, item.AsOfDate).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &provider.RowCountError{Op: "claim", Key: item.Key(), Want: 1, Got: 0}
	}
	if err != nil {
		return "", wrapErr("claim", err)
	}
	return types.CacheStatus(status), nil
}

// Complete stores content and marks the row completed.
func (s *Store) Complete(ctx context.Context, item types.WorkItem, content []byte, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE cache_rows SET
			status        = 'completed',
			content       = $3,
			computed_at   = $4,
			error_message = NULL
		WHERE identifier = $1 AND as_of_date = $2
			AND status IN ('in_progress', 'completed')
	`, item.Identifier, item.AsOfDate, content, at)
	if err != nil {
		return wrapErr("complete", err)
	}
	return requireOne("complete", item, tag)
}

// Fail records message on the row. Rows that are not completed become failed;
// a completed row keeps its status and content.
func (s *Store) Fail(ctx context.Context, item types.WorkItem, message string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO cache_rows (identifier, as_of_date, status, computed_at, error_message)
		VALUES ($1, $2, 'failed', $3, $4)
		ON CONFLICT (identifier, as_of_date) DO UPDATE SET
			status = CASE WHEN cache_rows.status = 'completed' THEN 'completed' ELSE 'failed' END,
			computed_at = CASE WHEN cache_rows.status = 'completed' THEN cache_rows.computed_at ELSE EXCLUDED.computed_at END,
			error_message = EXCLUDED.error_message
	`, item.Identifier, item.AsOfDate, at, message)
	if err != nil {
		return wrapErr("fail", err)
	}
	return requireOne("fail", item, tag)
}

// SetArtifact records ref on a completed row. It is a separate statement from
// Complete so that a failure here never touches the row's status.
func (s *Store) SetArtifact(ctx context.Context, item types.WorkItem, ref string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE cache_rows SET
			artifact_reference    = $3,
			artifact_generated_at = $4
		WHERE identifier = $1 AND as_of_date = $2 AND status = 'completed'
	`, item.Identifier, item.AsOfDate, ref, at)
	if err != nil {
		return wrapErr("set artifact", err)
	}
	return requireOne("set artifact", item, tag)
}

// ClearArtifact drops the artifact reference of the row.
func (s *Store) ClearArtifact(ctx context.Context, item types.WorkItem) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE cache_rows SET artifact_reference = NULL, artifact_generated_at = NULL
		WHERE identifier = $1 AND as_of_date = $2
	`, item.Identifier, item.AsOfDate)
	if err != nil {
		return wrapErr("clear artifact", err)
	}
	return requireOne("clear artifact", item, tag)
}
