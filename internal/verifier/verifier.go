// Package verifier checks the five invariant levels for a scope, computes
// the convergence delta, and reconciles violations from level 4 down.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/nightrun/internal/dispatch"
	"github.com/dwsmith1983/nightrun/internal/lister"
	"github.com/dwsmith1983/nightrun/internal/metrics"
	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// ErrCheckpointStale is returned when a checkpoint cannot seed a resume.
var ErrCheckpointStale = errors.New("checkpoint stale")

// ArtifactChecker is the artifact store surface the verifier reads.
type ArtifactChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
	Reachable(ctx context.Context) error
}

// Probe checks one external prerequisite. A non-nil error is a violation.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Verifier runs invariant scans. It holds no convergence state between
// calls: checkpoints are passed in and returned by value.
type Verifier struct {
	cache     provider.CacheStore
	lister    lister.Lister
	artifacts ArtifactChecker
	invoker   dispatch.Invoker
	mode      types.DispatchMode
	store     provider.CheckpointStore

	configProbes []Probe
	infraProbes  []Probe

	staleAfter   time.Duration
	maxAge       time.Duration
	parallelism  int
	probeTimeout time.Duration
	logger       *slog.Logger
	instruments  *metrics.Instruments
	now          func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithArtifacts enables artifact reachability and existence checks.
func WithArtifacts(a ArtifactChecker) Option { return func(v *Verifier) { v.artifacts = a } }

// WithInvoker sets the worker invoker used for the service probe and for
// re-dispatch during reconcile.
func WithInvoker(inv dispatch.Invoker, mode types.DispatchMode) Option {
	return func(v *Verifier) { v.invoker, v.mode = inv, mode }
}

// WithCheckpoints persists a checkpoint after every scan.
func WithCheckpoints(s provider.CheckpointStore) Option { return func(v *Verifier) { v.store = s } }

// WithConfigProbes adds level-4 probes.
func WithConfigProbes(p ...Probe) Option {
	return func(v *Verifier) { v.configProbes = append(v.configProbes, p...) }
}

// WithInfraProbes adds level-3 probes beyond the cache and artifact stores.
func WithInfraProbes(p ...Probe) Option {
	return func(v *Verifier) { v.infraProbes = append(v.infraProbes, p...) }
}

// WithStaleAfter sets the age past which an in_progress row is stale.
func WithStaleAfter(d time.Duration) Option { return func(v *Verifier) { v.staleAfter = d } }

// WithCheckpointMaxAge sets how old a checkpoint may be and still seed a resume.
func WithCheckpointMaxAge(d time.Duration) Option { return func(v *Verifier) { v.maxAge = d } }

// WithParallelism bounds concurrent artifact checks and re-dispatches.
func WithParallelism(n int) Option { return func(v *Verifier) { v.parallelism = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(v *Verifier) { v.logger = l } }

// WithInstruments sets the metric instruments.
func WithInstruments(in *metrics.Instruments) Option { return func(v *Verifier) { v.instruments = in } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

// New creates a verifier over the cache and the item lister.
func New(cache provider.CacheStore, l lister.Lister, opts ...Option) *Verifier {
	v := &Verifier{
		cache:        cache,
		lister:       l,
		mode:         types.DispatchLocal,
		staleAfter:   30 * time.Minute,
		maxAge:       24 * time.Hour,
		parallelism:  8,
		probeTimeout: 15 * time.Second,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.parallelism < 1 {
		v.parallelism = 1
	}
	if v.instruments == nil {
		v.instruments = metrics.Default()
	}
	return v
}

// Verify runs a full scan of every level. When a checkpoint store is
// configured the scan is recorded as a checkpoint.
func (v *Verifier) Verify(ctx context.Context, scope types.Scope) (Scan, error) {
	scan, err := v.scan(ctx, scope, types.AllLevels, nil)
	if err != nil {
		return Scan{}, err
	}
	v.finish(ctx, &scan)
	return scan, nil
}

// Resume scans scope seeded by cp. Levels cp claims proven are re-checked
// with their cheap checks only; the rest get the full scan. cp is never
// trusted on its own.
func (v *Verifier) Resume(ctx context.Context, scope types.Scope, cp types.Checkpoint) (Scan, error) {
	if cp.Scope.Key() != scope.Key() {
		return Scan{}, fmt.Errorf("%w: checkpoint scope %q, want %q", ErrCheckpointStale, cp.Scope.Key(), scope.Key())
	}
	if age := v.now().Sub(cp.Timestamp); v.maxAge > 0 && age > v.maxAge {
		return Scan{}, fmt.Errorf("%w: checkpoint is %s old", ErrCheckpointStale, age.Truncate(time.Second))
	}
	cheap := make(map[types.Level]bool, len(cp.ProvenLevels))
	for _, l := range cp.ProvenLevels {
		cheap[l] = true
	}
	scan, err := v.scan(ctx, scope, types.AllLevels, cheap)
	if err != nil {
		return Scan{}, err
	}
	scan.Version = cp.Version
	v.finish(ctx, &scan)
	return scan, nil
}

// ResumeLatest resumes from the stored checkpoint for scope, falling back
// to a full Verify when there is none or it is stale.
func (v *Verifier) ResumeLatest(ctx context.Context, scope types.Scope) (Scan, error) {
	if v.store == nil {
		return v.Verify(ctx, scope)
	}
	cp, err := v.store.GetCheckpoint(ctx, scope)
	if err != nil {
		v.logger.Warn("reading checkpoint", "scope", scope.Key(), "error", err)
		return v.Verify(ctx, scope)
	}
	if cp == nil {
		return v.Verify(ctx, scope)
	}
	scan, err := v.Resume(ctx, scope, *cp)
	if errors.Is(err, ErrCheckpointStale) {
		v.logger.Info("discarding checkpoint", "scope", scope.Key(), "error", err)
		return v.Verify(ctx, scope)
	}
	return scan, err
}

// Check runs a single level with its full checks.
func (v *Verifier) Check(ctx context.Context, level types.Level, scope types.Scope) (types.InvariantCheckResult, error) {
	scan, err := v.scan(ctx, scope, []types.Level{level}, nil)
	if err != nil {
		return types.InvariantCheckResult{}, err
	}
	return scan.Level(level), nil
}

func (v *Verifier) finish(ctx context.Context, scan *Scan) {
	v.instruments.VerifyDelta.Record(ctx, int64(scan.Delta))
	v.logger.Info("verification scan",
		"scope", scan.Scope.Key(),
		"delta", scan.Delta,
		"proven", scan.Proven(),
	)
	if v.store == nil {
		return
	}
	cp := scan.Checkpoint()
	if cp.Version <= scan.Version {
		cp.Version = scan.Version + 1
	}
	stored, err := v.store.PutCheckpoint(ctx, cp)
	switch {
	case err != nil:
		v.logger.Error("writing checkpoint", "scope", scan.Scope.Key(), "error", err)
	case !stored:
		v.logger.Info("newer checkpoint exists", "scope", scan.Scope.Key())
	default:
		scan.Version = cp.Version
	}
}
