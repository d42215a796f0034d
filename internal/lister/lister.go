// Package lister produces the ordered work items for a run. A lister never
// returns a short list: any doubt about completeness is a ListingError.
package lister

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// ErrListingUnavailable marks a lister that could not enumerate every item.
var ErrListingUnavailable = errors.New("listing unavailable")

// ListingError reports why a listing is unavailable. errors.Is matches both
// ErrListingUnavailable and the underlying cause.
type ListingError struct {
	Source string
	Err    error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("%s listing unavailable: %v", e.Source, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

// Is matches ErrListingUnavailable.
func (e *ListingError) Is(target error) bool { return target == ErrListingUnavailable }

// Lister enumerates the work items of one as-of date.
type Lister interface {
	ListItems(ctx context.Context, asOfDate string) ([]types.WorkItem, error)
}

// Source is the instrument universe a lister reads.
type Source interface {
	Enabled() []types.Instrument
	Complete() error
}

// Static lists every enabled registry instrument, in registry order.
type Static struct {
	src Source
}

var _ Lister = (*Static)(nil)

// NewStatic creates a lister over src.
func NewStatic(src Source) *Static { return &Static{src: src} }

func (s *Static) ListItems(_ context.Context, asOfDate string) ([]types.WorkItem, error) {
	if err := types.ValidateDate(asOfDate); err != nil {
		return nil, err
	}
	if err := s.src.Complete(); err != nil {
		return nil, &ListingError{Source: "registry", Err: err}
	}
	enabled := s.src.Enabled()
	items := make([]types.WorkItem, 0, len(enabled))
	for _, inst := range enabled {
		items = append(items, types.WorkItem{Identifier: inst.Identifier, AsOfDate: asOfDate})
	}
	return items, nil
}

// Pending lists the registry items whose cache row for the date is not
// completed: missing, pending, failed, or in_progress past the staleness
// threshold. Fresh in_progress rows belong to a live worker and are skipped.
type Pending struct {
	static     *Static
	cache      provider.CacheStore
	staleAfter time.Duration
	now        func() time.Time
}

var _ Lister = (*Pending)(nil)

// NewPending creates a cache-aware lister.
func NewPending(src Source, cache provider.CacheStore, staleAfter time.Duration) *Pending {
	return &Pending{static: NewStatic(src), cache: cache, staleAfter: staleAfter, now: time.Now}
}

func (p *Pending) ListItems(ctx context.Context, asOfDate string) ([]types.WorkItem, error) {
	all, err := p.static.ListItems(ctx, asOfDate)
	if err != nil {
		return nil, err
	}
	rows, err := p.cache.ListByDate(ctx, asOfDate)
	if err != nil {
		return nil, &ListingError{Source: "cache", Err: err}
	}

	cutoff := p.now().Add(-p.staleAfter)
	skip := make(map[string]bool, len(rows))
	for _, r := range rows {
		switch r.Status {
		case types.CacheCompleted:
			skip[r.Identifier] = true
		case types.CacheInProgress:
			if p.staleAfter <= 0 || !r.ComputedAt.Before(cutoff) {
				skip[r.Identifier] = true
			}
		}
	}

	items := make([]types.WorkItem, 0, len(all))
	for _, it := range all {
		if !skip[it.Identifier] {
			items = append(items, it)
		}
	}
	return items, nil
}
