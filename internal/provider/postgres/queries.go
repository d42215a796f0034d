package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

func scanRow(row pgx.Row) (types.CacheRow, error) {
	var r types.CacheRow
	var status string
	err := row.Scan(&r.Identifier, &r.AsOfDate, &status, &r.Content, &r.ArtifactReference,
		&r.ArtifactGeneratedAt, &r.ComputedAt, &r.ErrorMessage, &r.RunID)
	r.Status = types.CacheStatus(status)
	return r, err
}

// Get returns the row for item, or nil when none exists.
func (s *Store) Get(ctx context.Context, item types.WorkItem) (*types.CacheRow, error) {
	r, err := scanRow(s.db.QueryRow(ctx, `
		SELECT `+rowColumns+` FROM cache_rows
		WHERE identifier = $1 AND as_of_date = $2
	`, item.Identifier, item.AsOfDate))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get", err)
	}
	return &r, nil
}

// Lookup returns the row only when it is completed. Absent, pending,
// in-progress and failed rows are all reported as provider.ErrNotAvailable.
func (s *Store) Lookup(ctx context.Context, item types.WorkItem) (*types.CacheRow, error) {
	r, err := s.Get(ctx, item)
	if err != nil {
		return nil, err
	}
	if r == nil || r.Status != types.CacheCompleted {
		return nil, provider.ErrNotAvailable
	}
	return r, nil
}

// ListByDate returns every row for the as-of date, ordered by identifier.
func (s *Store) ListByDate(ctx context.Context, asOfDate string) ([]types.CacheRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rowColumns+` FROM cache_rows
		WHERE as_of_date = $1
		ORDER BY identifier
	`, asOfDate)
	if err != nil {
		return nil, wrapErr("list by date", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]types.CacheRow, error) {
	defer rows.Close()
	var out []types.CacheRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
