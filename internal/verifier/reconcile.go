package verifier

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/nightrun/internal/dispatch"
	"github.com/dwsmith1983/nightrun/internal/metrics"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Fix is one reconcile action.
type Fix struct {
	Level  types.Level `json:"level"`
	Kind   Kind        `json:"kind"`
	Target string      `json:"target"`
	Action string      `json:"action"`
	Err    string      `json:"error,omitempty"`
}

// Applied reports whether the action succeeded.
func (f Fix) Applied() bool { return f.Err == "" }

// Reconcile pre-scans every level, then fixes violations from level 4 down
// to level 0. Violations without an automatic fix are returned as fixes
// with Action "none" so the caller sees everything the scan found.
//
// Items are re-dispatched at most once per reconcile, after every other
// fix has run.
func (v *Verifier) Reconcile(ctx context.Context, scope types.Scope) ([]Fix, error) {
	scan, err := v.scan(ctx, scope, types.AllLevels, nil)
	if err != nil {
		return nil, err
	}
	log := v.logger.With("scope", scope.Key())
	log.Info("reconcile pre-scan", "delta", scan.Delta)

	ordered := append([]Violation(nil), scan.Violations...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Level > ordered[j].Level })

	var (
		fixes      []Fix
		migrated   bool
		redispatch = make(map[string]types.WorkItem)
	)
	queue := func(item types.WorkItem) { redispatch[item.Identifier] = item }

	for _, vi := range ordered {
		fix := Fix{Level: vi.Level, Kind: vi.Kind, Target: target(vi)}
		switch vi.Kind {
		case KindSchema:
			if migrated {
				continue
			}
			migrated = true
			fix.Target = "cache schema"
			fix.Action = "migrate"
			if err := v.cache.Migrate(ctx); err != nil {
				fix.Err = err.Error()
			}
		case KindStale:
			fix.Action = "mark failed"
			msg := fmt.Sprintf("marked failed by reconcile: %s", vi.Detail)
			if err := v.cache.Fail(ctx, *vi.Item, msg, v.now()); err != nil {
				fix.Err = err.Error()
			}
			queue(*vi.Item)
		case KindDanglingArtifact:
			fix.Action = "clear artifact reference"
			if err := v.cache.ClearArtifact(ctx, *vi.Item); err != nil {
				fix.Err = err.Error()
			}
			queue(*vi.Item)
		case KindMissingRow, KindNotCompleted, KindNoContent, KindNotAvailable, KindArtifactMissing:
			queue(*vi.Item)
			continue
		default:
			fix.Action = "none"
			fix.Err = vi.Detail
		}
		fixes = append(fixes, fix)
	}

	fixes = append(fixes, v.redispatch(ctx, redispatch)...)

	applied := 0
	for _, f := range fixes {
		if f.Applied() {
			applied++
		}
	}
	metrics.ReconcileFixes.Add(int64(applied))
	log.Info("reconcile finished", "fixes", len(fixes), "applied", applied)
	return fixes, nil
}

func (v *Verifier) redispatch(ctx context.Context, items map[string]types.WorkItem) []Fix {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if v.invoker == nil {
		fixes := make([]Fix, 0, len(ids))
		for _, id := range ids {
			fixes = append(fixes, Fix{Level: types.LevelData, Kind: KindNotCompleted, Target: items[id].Key(),
				Action: "none", Err: "no worker invoker configured"})
		}
		return fixes
	}

	runID := "reconcile-" + v.now().UTC().Format("20060102T150405Z")
	fixes := make([]Fix, len(ids))
	var g errgroup.Group
	g.SetLimit(v.parallelism)
	for i, id := range ids {
		item := items[id]
		g.Go(func() error {
			req := types.WorkerRequest{Identifier: item.Identifier, AsOfDate: item.AsOfDate, RunID: runID}
			fix := Fix{Level: types.LevelData, Kind: KindNotCompleted, Target: item.Key(), Action: "redispatch"}
			res, err := v.invoker.Invoke(ctx, dispatch.NewInvocation(v.mode, req))
			switch {
			case err != nil:
				fix.Err = err.Error()
			case res.Status == types.ResultFailed:
				fix.Err = deref(res.Error)
			}
			fixes[i] = fix
			return nil
		})
	}
	_ = g.Wait()
	return fixes
}

func target(vi Violation) string {
	if vi.Item != nil {
		return vi.Item.Key()
	}
	return string(vi.Kind)
}
