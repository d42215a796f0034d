package verifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/nightrun/internal/dispatch"
	"github.com/dwsmith1983/nightrun/internal/lifecycle"
	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Kind classifies a violation and selects its fix.
type Kind string

const (
	KindProbe            Kind = "probe"
	KindSchema           Kind = "schema"
	KindListing          Kind = "listing"
	KindCacheRead        Kind = "cache_read"
	KindMissingRow       Kind = "missing_row"
	KindNotCompleted     Kind = "not_completed"
	KindStale            Kind = "stale_in_progress"
	KindInFlight         Kind = "in_flight"
	KindNoContent        Kind = "no_content"
	KindDanglingArtifact Kind = "dangling_artifact"
	KindWorker           Kind = "worker"
	KindNotAvailable     Kind = "not_available"
	KindArtifactMissing  Kind = "artifact_missing"
)

// Violation is one unsatisfied condition.
type Violation struct {
	Level  types.Level     `json:"level"`
	Kind   Kind            `json:"kind"`
	Item   *types.WorkItem `json:"item,omitempty"`
	Ref    string          `json:"ref,omitempty"`
	Detail string          `json:"detail"`
}

func (v Violation) String() string {
	if v.Item != nil {
		return fmt.Sprintf("%s %s: %s", v.Kind, v.Item.Key(), v.Detail)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// Scan is the outcome of checking a scope. Delta is the number of
// violations across every level checked.
type Scan struct {
	Scope      types.Scope                  `json:"scope"`
	Levels     []types.InvariantCheckResult `json:"levels"`
	Violations []Violation                  `json:"violations"`
	Delta      int                          `json:"delta"`
	At         time.Time                    `json:"at"`
	// Version is the checkpoint version this scan was seeded from or
	// recorded as.
	Version int64 `json:"version,omitempty"`
}

// Converged reports whether the scan found nothing to fix.
func (s Scan) Converged() bool { return s.Delta == 0 }

// Level returns the result for l. An unchecked level is reported as not
// passed with no violations.
func (s Scan) Level(l types.Level) types.InvariantCheckResult {
	for _, r := range s.Levels {
		if r.Level == l {
			return r
		}
	}
	return types.InvariantCheckResult{Level: l, Violations: []string{}}
}

// Result folds the scan into one InvariantCheckResult: the highest failing
// level, or a passing level-0 result when every level held.
func (s Scan) Result() types.InvariantCheckResult {
	for _, r := range s.Levels {
		if !r.Passed {
			return r
		}
	}
	return types.InvariantCheckResult{Level: types.LevelUserVisible, Passed: true, Violations: []string{}}
}

// Proven lists the levels that passed.
func (s Scan) Proven() []types.Level {
	var out []types.Level
	for _, r := range s.Levels {
		if r.Passed {
			out = append(out, r.Level)
		}
	}
	return out
}

// Checkpoint returns the scan as a checkpoint record.
func (s Scan) Checkpoint() types.Checkpoint {
	return types.Checkpoint{
		Scope:        s.Scope,
		Version:      s.At.UnixNano(),
		ProvenLevels: s.Proven(),
		Delta:        s.Delta,
		Timestamp:    s.At,
	}
}

// state is what a scan reads once and every level evaluates.
type state struct {
	items      []types.WorkItem
	listErr    error
	rows       map[string]types.CacheRow
	rowsErr    error
	exists     map[string]bool
	existsErrs map[string]error
}

func (v *Verifier) scan(ctx context.Context, scope types.Scope, levels []types.Level, cheap map[types.Level]bool) (Scan, error) {
	if err := types.ValidateDate(scope.AsOfDate); err != nil {
		return Scan{}, err
	}
	want := make(map[types.Level]bool, len(levels))
	for _, l := range levels {
		want[l] = true
	}

	var st *state
	if want[types.LevelData] || want[types.LevelService] || want[types.LevelUserVisible] {
		deep := v.artifacts != nil &&
			((want[types.LevelData] && !cheap[types.LevelData]) || (want[types.LevelUserVisible] && !cheap[types.LevelUserVisible]))
		st = v.gather(ctx, scope, deep)
	}

	scan := Scan{Scope: scope, At: v.now()}
	for _, l := range types.AllLevels {
		if !want[l] {
			continue
		}
		var found []Violation
		switch l {
		case types.LevelConfiguration:
			found = v.checkProbes(ctx, l, v.configProbes)
		case types.LevelInfrastructure:
			found = v.checkInfra(ctx)
		case types.LevelData:
			found = v.checkData(ctx, st, cheap[l])
		case types.LevelService:
			found = v.checkService(ctx, st)
		case types.LevelUserVisible:
			found = v.checkUserVisible(st, cheap[l])
		}
		res := types.InvariantCheckResult{Level: l, Passed: len(found) == 0, Violations: make([]string, 0, len(found))}
		for _, f := range found {
			res.Violations = append(res.Violations, f.String())
		}
		scan.Levels = append(scan.Levels, res)
		scan.Violations = append(scan.Violations, found...)
	}
	scan.Delta = len(scan.Violations)
	return scan, nil
}

// gather lists the scoped items, adds every completed row the lister did not
// return, reads their rows, and when deep is set checks every referenced
// artifact exists.
func (v *Verifier) gather(ctx context.Context, scope types.Scope, deep bool) *state {
	st := &state{rows: make(map[string]types.CacheRow)}

	items, err := v.lister.ListItems(ctx, scope.AsOfDate)
	if err != nil {
		st.listErr = err
	}
	for _, it := range items {
		if scope.Includes(it.Identifier) {
			st.items = append(st.items, it)
		}
	}

	rows, err := v.cache.ListByDate(ctx, scope.AsOfDate)
	if err != nil {
		st.rowsErr = err
		return st
	}
	listed := make(map[string]bool, len(st.items))
	for _, it := range st.items {
		listed[it.Identifier] = true
	}
	for _, r := range rows {
		if !scope.Includes(r.Identifier) {
			continue
		}
		st.rows[r.Identifier] = r
		// Completed rows are served to consumers whether or not the lister
		// still returns them, so their references are always checked.
		if r.Status == types.CacheCompleted && !listed[r.Identifier] {
			st.items = append(st.items, r.Item())
		}
	}

	if deep {
		st.exists, st.existsErrs = v.checkExists(ctx, st.rows)
	}
	return st
}

func (v *Verifier) checkExists(ctx context.Context, rows map[string]types.CacheRow) (map[string]bool, map[string]error) {
	var (
		mu     sync.Mutex
		exists = make(map[string]bool)
		errs   = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallelism)
	for _, r := range rows {
		if r.Status != types.CacheCompleted || r.ArtifactReference == nil {
			continue
		}
		ref := *r.ArtifactReference
		g.Go(func() error {
			ok, err := v.artifacts.Exists(gctx, ref)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[ref] = err
			} else {
				exists[ref] = ok
			}
			return nil
		})
	}
	_ = g.Wait()
	return exists, errs
}

func (v *Verifier) checkProbes(ctx context.Context, level types.Level, probes []Probe) []Violation {
	var out []Violation
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, v.probeTimeout)
		err := p.Check(pctx)
		cancel()
		if err != nil {
			out = append(out, Violation{Level: level, Kind: KindProbe, Detail: fmt.Sprintf("%s: %v", p.Name, err)})
		}
	}
	return out
}

func (v *Verifier) checkInfra(ctx context.Context) []Violation {
	probes := []Probe{{Name: "cache store reachable", Check: v.cache.Ping}}
	if v.artifacts != nil {
		probes = append(probes, Probe{Name: "artifact store reachable", Check: v.artifacts.Reachable})
	}
	probes = append(probes, v.infraProbes...)
	return v.checkProbes(ctx, types.LevelInfrastructure, probes)
}

func (v *Verifier) checkData(ctx context.Context, st *state, cheap bool) []Violation {
	var out []Violation
	add := func(kind Kind, item *types.WorkItem, ref, detail string) {
		out = append(out, Violation{Level: types.LevelData, Kind: kind, Item: item, Ref: ref, Detail: detail})
	}

	cols, err := v.cache.Columns(ctx)
	if err != nil {
		add(KindSchema, nil, "", fmt.Sprintf("reading columns: %v", err))
	} else {
		for _, c := range provider.MissingColumns(types.CacheColumns, cols) {
			add(KindSchema, nil, "", fmt.Sprintf("column %s missing", c))
		}
	}

	if st.listErr != nil {
		add(KindListing, nil, "", st.listErr.Error())
	}
	if st.rowsErr != nil {
		add(KindCacheRead, nil, "", st.rowsErr.Error())
		return out
	}

	cutoff := v.now().Add(-v.staleAfter)
	for i := range st.items {
		item := st.items[i]
		r, ok := st.rows[item.Identifier]
		switch {
		case !ok:
			add(KindMissingRow, &item, "", "no cache row")
		case !lifecycle.IsTerminal(r.Status) && r.ComputedAt.Before(cutoff):
			add(KindStale, &item, "", fmt.Sprintf("%s since %s", r.Status, r.ComputedAt.UTC().Format(time.RFC3339)))
		case !lifecycle.IsTerminal(r.Status):
			add(KindInFlight, &item, "", string(r.Status))
		case r.Status != types.CacheCompleted:
			add(KindNotCompleted, &item, "", fmt.Sprintf("status %s: %s", r.Status, deref(r.ErrorMessage)))
		case len(r.Content) == 0:
			add(KindNoContent, &item, "", "completed without content")
		case r.ArtifactReference != nil && !cheap && st.exists != nil:
			ref := *r.ArtifactReference
			if err, failed := st.existsErrs[ref]; failed {
				add(KindDanglingArtifact, &item, ref, fmt.Sprintf("cannot check %s: %v", ref, err))
			} else if !st.exists[ref] {
				add(KindDanglingArtifact, &item, ref, fmt.Sprintf("artifact %s does not exist", ref))
			}
		}
	}
	return out
}

// checkService invokes the worker for the first scoped item and requires a
// well-formed result.
func (v *Verifier) checkService(ctx context.Context, st *state) []Violation {
	if v.invoker == nil {
		return []Violation{{Level: types.LevelService, Kind: KindWorker, Detail: "no worker invoker configured"}}
	}
	if len(st.items) == 0 {
		return nil
	}
	probe := firstItem(st.items)
	req := types.WorkerRequest{Identifier: probe.Identifier, AsOfDate: probe.AsOfDate, RunID: "verify-" + v.now().UTC().Format("20060102T150405Z")}
	res, err := v.invoker.Invoke(ctx, dispatch.NewInvocation(v.mode, req))
	if err != nil {
		return []Violation{{Level: types.LevelService, Kind: KindWorker, Item: &probe, Detail: fmt.Sprintf("invoking worker: %v", err)}}
	}
	if err := res.Validate(req); err != nil {
		return []Violation{{Level: types.LevelService, Kind: KindWorker, Item: &probe, Detail: err.Error()}}
	}
	return nil
}

func (v *Verifier) checkUserVisible(st *state, cheap bool) []Violation {
	var out []Violation
	if st.rowsErr != nil {
		return []Violation{{Level: types.LevelUserVisible, Kind: KindCacheRead, Detail: st.rowsErr.Error()}}
	}
	for i := range st.items {
		item := st.items[i]
		r, ok := st.rows[item.Identifier]
		if !ok || r.Status != types.CacheCompleted {
			out = append(out, Violation{Level: types.LevelUserVisible, Kind: KindNotAvailable, Item: &item, Detail: "consumer lookup returns not available"})
			continue
		}
		if v.artifacts == nil {
			continue
		}
		if r.ArtifactReference == nil {
			out = append(out, Violation{Level: types.LevelUserVisible, Kind: KindArtifactMissing, Item: &item, Detail: "no artifact reference"})
			continue
		}
		ref := *r.ArtifactReference
		if !cheap && st.exists != nil && !st.exists[ref] {
			out = append(out, Violation{Level: types.LevelUserVisible, Kind: KindArtifactMissing, Item: &item, Ref: ref, Detail: fmt.Sprintf("artifact %s not retrievable", ref)})
		}
	}
	return out
}

func firstItem(items []types.WorkItem) types.WorkItem {
	sorted := append([]types.WorkItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identifier < sorted[j].Identifier })
	return sorted[0]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
