package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

var item = types.WorkItem{Identifier: "AAPL", AsOfDate: "2026-03-02"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewWithDB(mock), mock
}

func TestClaim_NewRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO cache_rows").
		WithArgs("AAPL", "2026-03-02", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	status, err := s.Claim(context.Background(), item, "run-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.CacheInProgress, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_CompletedRowIsRefresh(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO cache_rows").
		WithArgs("AAPL", "2026-03-02", pgxmock.AnyArg(), "run-2").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT status FROM cache_rows").
		WithArgs("AAPL", "2026-03-02").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))

	status, err := s.Claim(context.Background(), item, "run-2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.CacheCompleted, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_VanishedRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO cache_rows").
		WithArgs("AAPL", "2026-03-02", pgxmock.AnyArg(), "run-3").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT status FROM cache_rows").
		WithArgs("AAPL", "2026-03-02").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Claim(context.Background(), item, "run-3", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrNoRowsAffected))
}

func TestComplete_ZeroRowsIsError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE cache_rows SET").
		WithArgs("AAPL", "2026-03-02", []byte("body"), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Complete(context.Background(), item, []byte("body"), time.Now())
	require.Error(t, err)

	var rce *provider.RowCountError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, "complete", rce.Op)
	assert.Equal(t, int64(0), rce.Got)
	assert.ErrorIs(t, err, provider.ErrNoRowsAffected)
}

func TestComplete_OneRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE cache_rows SET").
		WithArgs("AAPL", "2026-03-02", []byte("body"), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Complete(context.Background(), item, []byte("body"), time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RecordsMessage(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO cache_rows").
		WithArgs("AAPL", "2026-03-02", pgxmock.AnyArg(), "generator timeout").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Fail(context.Background(), item, "generator timeout", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetArtifact_UndefinedColumn(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE cache_rows SET").
		WithArgs("AAPL", "2026-03-02", "AAPL/2026-03-02/x.pdf", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{
			Code:       "42703",
			Message:    `column "artifact_reference" of relation "cache_rows" does not exist`,
			ColumnName: "artifact_reference",
		})

	err := s.SetArtifact(context.Background(), item, "AAPL/2026-03-02/x.pdf", time.Now())
	require.Error(t, err)

	var sme *provider.SchemaMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, []string{"artifact_reference"}, sme.Columns)
	assert.ErrorIs(t, err, provider.ErrSchemaMismatch)
}

func TestSetArtifact_RowNotCompleted(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE cache_rows SET").
		WithArgs("AAPL", "2026-03-02", "ref", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetArtifact(context.Background(), item, "ref", time.Now())
	assert.ErrorIs(t, err, provider.ErrNoRowsAffected)
}

func TestCheckSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("cache_rows").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("identifier").AddRow("as_of_date").AddRow("status").AddRow("content").
			AddRow("computed_at").AddRow("error_message").AddRow("run_id"))

	err := s.CheckSchema(context.Background())
	var sme *provider.SchemaMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, []string{"artifact_generated_at", "artifact_reference"}, sme.Columns)
}

func cacheRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"identifier", "as_of_date", "status", "content", "artifact_reference",
		"artifact_generated_at", "computed_at", "error_message", "run_id",
	})
}

func TestLookup(t *testing.T) {
	now := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)

	t.Run("completed", func(t *testing.T) {
		s, mock := newMockStore(t)
		ref := "AAPL/2026-03-02/AAPL_2026-03-02_20260302T220000Z.pdf"
		mock.ExpectQuery("FROM cache_rows").
			WithArgs("AAPL", "2026-03-02").
			WillReturnRows(cacheRows().AddRow("AAPL", "2026-03-02", "completed", []byte("body"),
				&ref, &now, now, (*string)(nil), "run-1"))

		row, err := s.Lookup(context.Background(), item)
		require.NoError(t, err)
		assert.Equal(t, []byte("body"), row.Content)
		require.NotNil(t, row.ArtifactReference)
		assert.Equal(t, ref, *row.ArtifactReference)
	})

	t.Run("in progress", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("FROM cache_rows").
			WithArgs("AAPL", "2026-03-02").
			WillReturnRows(cacheRows().AddRow("AAPL", "2026-03-02", "in_progress", []byte(nil),
				(*string)(nil), (*time.Time)(nil), now, (*string)(nil), "run-1"))

		_, err := s.Lookup(context.Background(), item)
		assert.ErrorIs(t, err, provider.ErrNotAvailable)
	})

	t.Run("absent", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("FROM cache_rows").
			WithArgs("AAPL", "2026-03-02").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.Lookup(context.Background(), item)
		assert.ErrorIs(t, err, provider.ErrNotAvailable)
	})
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cache_rows").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
