// Package provider defines the storage interfaces used by the pipeline.
package provider

import (
	"context"
	"time"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// CacheStore is the relational cache of generated content. Every write that
// is expected to touch a row verifies the affected-row count and returns a
// *RowCountError when it touched none.
type CacheStore interface {
	// Claim moves the row to in_progress, creating it if absent. A completed
	// row is left completed. It returns the row status after the claim.
	Claim(ctx context.Context, item types.WorkItem, runID string, at time.Time) (types.CacheStatus, error)
	// Complete stores content and marks the row completed.
	Complete(ctx context.Context, item types.WorkItem, content []byte, at time.Time) error
	// Fail records message and marks the row failed, unless it is completed,
	// in which case only the message is recorded.
	Fail(ctx context.Context, item types.WorkItem, message string, at time.Time) error
	// SetArtifact records the artifact reference of a completed row.
	SetArtifact(ctx context.Context, item types.WorkItem, ref string, at time.Time) error
	// ClearArtifact drops the artifact reference of a row.
	ClearArtifact(ctx context.Context, item types.WorkItem) error

	// Get returns the row, or nil when it does not exist.
	Get(ctx context.Context, item types.WorkItem) (*types.CacheRow, error)
	// Lookup is the consumer read: it returns ErrNotAvailable unless the
	// row is completed.
	Lookup(ctx context.Context, item types.WorkItem) (*types.CacheRow, error)
	ListByDate(ctx context.Context, asOfDate string) ([]types.CacheRow, error)

	// Columns returns the column names of the cache table as deployed.
	Columns(ctx context.Context) ([]string, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

// ReportStore is the append-only run report ledger.
type ReportStore interface {
	// PutReport writes a report once. A second write for the same run ID
	// returns ErrReportExists.
	PutReport(ctx context.Context, report types.RunReport) error
	GetReport(ctx context.Context, runID string) (*types.RunReport, error)
	// ListReports returns reports for an as-of date, newest first.
	ListReports(ctx context.Context, asOfDate string, limit int) ([]types.RunReport, error)
}

// CheckpointStore persists verifier checkpoints.
type CheckpointStore interface {
	// PutCheckpoint stores cp unless a checkpoint with the same or a newer
	// version exists for its scope; it reports whether cp was stored.
	PutCheckpoint(ctx context.Context, cp types.Checkpoint) (bool, error)
	// GetCheckpoint returns the latest checkpoint for scope, or nil.
	GetCheckpoint(ctx context.Context, scope types.Scope) (*types.Checkpoint, error)
}
