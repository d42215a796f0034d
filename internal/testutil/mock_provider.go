// Package testutil provides shared test utilities for nightrun.
package testutil

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dwsmith1983/nightrun/internal/lifecycle"
	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Compile-time interface satisfaction checks.
var (
	_ provider.CacheStore      = (*MockCacheStore)(nil)
	_ provider.ReportStore     = (*MockReportStore)(nil)
	_ provider.CheckpointStore = (*MockReportStore)(nil)
)

// MockCacheStore is an in-memory CacheStore with the same status semantics
// as the Postgres store.
type MockCacheStore struct {
	mu      sync.Mutex
	rows    map[string]types.CacheRow
	missing map[string]bool

	// PingErr, when set, is returned by Ping.
	PingErr error
	// ClaimErr, when set, is returned by Claim for identifiers it maps.
	ClaimErr map[string]error

	writes atomic.Int64
}

// NewMockCacheStore creates an empty store with the full column set.
func NewMockCacheStore() *MockCacheStore {
	return &MockCacheStore{
		rows:    make(map[string]types.CacheRow),
		missing: make(map[string]bool),
	}
}

// DropColumn simulates a deployed table that lacks col.
func (m *MockCacheStore) DropColumn(col string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[col] = true
}

// Put stores row as is.
func (m *MockCacheStore) Put(row types.CacheRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.Item().Key()] = row
}

// Rows returns every row ordered by key.
func (m *MockCacheStore) Rows() []types.CacheRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.CacheRow, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item().Key() < out[j].Item().Key() })
	return out
}

// Writes returns the number of successful writes.
func (m *MockCacheStore) Writes() int64 { return m.writes.Load() }

func rowCount(op string, item types.WorkItem) error {
	return &provider.RowCountError{Op: op, Key: item.Key(), Want: 1, Got: 0}
}

func (m *MockCacheStore) schemaErr(op, col string) error {
	if m.missing[col] {
		return &provider.SchemaMismatchError{Op: op, Columns: []string{col}}
	}
	return nil
}

func (m *MockCacheStore) Claim(_ context.Context, item types.WorkItem, runID string, at time.Time) (types.CacheStatus, error) {
	if err := m.ClaimErr[item.Identifier]; err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := item.Key()
	row, ok := m.rows[key]
	if ok && row.Status == types.CacheCompleted {
		return types.CacheCompleted, nil
	}
	if !ok {
		row = types.CacheRow{Identifier: item.Identifier, AsOfDate: item.AsOfDate}
	}
	if err := lifecycle.Transition(row.Status, types.CacheInProgress); err != nil {
		return "", err
	}
	row.Status = types.CacheInProgress
	row.ComputedAt = at
	row.RunID = runID
	row.ErrorMessage = nil
	m.rows[key] = row
	m.writes.Add(1)
	return types.CacheInProgress, nil
}

func (m *MockCacheStore) Complete(_ context.Context, item types.WorkItem, content []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[item.Key()]
	if !ok || (row.Status != types.CacheInProgress && row.Status != types.CacheCompleted) {
		return rowCount("complete", item)
	}
	row.Status = types.CacheCompleted
	row.Content = append([]byte(nil), content...)
	row.ComputedAt = at
	row.ErrorMessage = nil
	m.rows[item.Key()] = row
	m.writes.Add(1)
	return nil
}

func (m *MockCacheStore) Fail(_ context.Context, item types.WorkItem, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[item.Key()]
	if !ok {
		row = types.CacheRow{Identifier: item.Identifier, AsOfDate: item.AsOfDate}
	}
	if lifecycle.CanTransition(row.Status, types.CacheFailed) {
		row.Status = types.CacheFailed
		row.ComputedAt = at
	}
	row.ErrorMessage = types.StrPtr(message)
	m.rows[item.Key()] = row
	m.writes.Add(1)
	return nil
}

func (m *MockCacheStore) SetArtifact(_ context.Context, item types.WorkItem, ref string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.schemaErr("set artifact", "artifact_reference"); err != nil {
		return err
	}
	row, ok := m.rows[item.Key()]
	if !ok || row.Status != types.CacheCompleted {
		return rowCount("set artifact", item)
	}
	row.ArtifactReference = types.StrPtr(ref)
	row.ArtifactGeneratedAt = &at
	m.rows[item.Key()] = row
	m.writes.Add(1)
	return nil
}

func (m *MockCacheStore) ClearArtifact(_ context.Context, item types.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.schemaErr("clear artifact", "artifact_reference"); err != nil {
		return err
	}
	row, ok := m.rows[item.Key()]
	if !ok {
		return rowCount("clear artifact", item)
	}
	row.ArtifactReference = nil
	row.ArtifactGeneratedAt = nil
	m.rows[item.Key()] = row
	m.writes.Add(1)
	return nil
}

func (m *MockCacheStore) Get(_ context.Context, item types.WorkItem) (*types.CacheRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[item.Key()]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *MockCacheStore) Lookup(ctx context.Context, item types.WorkItem) (*types.CacheRow, error) {
	row, _ := m.Get(ctx, item)
	if row == nil || row.Status != types.CacheCompleted {
		return nil, provider.ErrNotAvailable
	}
	return row, nil
}

func (m *MockCacheStore) ListByDate(_ context.Context, asOfDate string) ([]types.CacheRow, error) {
	var out []types.CacheRow
	for _, r := range m.Rows() {
		if r.AsOfDate == asOfDate {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockCacheStore) Columns(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cols []string
	for _, c := range types.CacheColumns {
		if !m.missing[c] {
			cols = append(cols, c)
		}
	}
	return cols, nil
}

// Migrate restores every dropped column.
func (m *MockCacheStore) Migrate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing = make(map[string]bool)
	return nil
}

func (m *MockCacheStore) Ping(_ context.Context) error { return m.PingErr }

// MockReportStore is an in-memory ReportStore and CheckpointStore.
type MockReportStore struct {
	mu          sync.Mutex
	reports     map[string]types.RunReport
	checkpoints map[string]types.Checkpoint
}

// NewMockReportStore creates an empty report store.
func NewMockReportStore() *MockReportStore {
	return &MockReportStore{
		reports:     make(map[string]types.RunReport),
		checkpoints: make(map[string]types.Checkpoint),
	}
}

func (m *MockReportStore) PutReport(_ context.Context, report types.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[report.RunID]; ok {
		return provider.ErrReportExists
	}
	m.reports[report.RunID] = report
	return nil
}

func (m *MockReportStore) GetReport(_ context.Context, runID string) (*types.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MockReportStore) ListReports(_ context.Context, asOfDate string, limit int) ([]types.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RunReport
	for _, r := range m.reports {
		if r.AsOfDate == asOfDate {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reports returns every stored report.
func (m *MockReportStore) Reports() []types.RunReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RunReport, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, r)
	}
	return out
}

func (m *MockReportStore) PutCheckpoint(_ context.Context, cp types.Checkpoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cp.Scope.Key()
	if cur, ok := m.checkpoints[key]; ok && cur.Version >= cp.Version {
		return false, nil
	}
	m.checkpoints[key] = cp
	return true, nil
}

func (m *MockReportStore) GetCheckpoint(_ context.Context, scope types.Scope) (*types.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[scope.Key()]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}
