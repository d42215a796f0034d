package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/nightrun/internal/artifact"
	"github.com/dwsmith1983/nightrun/internal/dispatch"
	"github.com/dwsmith1983/nightrun/internal/lister"
	"github.com/dwsmith1983/nightrun/internal/metrics"
	"github.com/dwsmith1983/nightrun/internal/schedule"
	"github.com/dwsmith1983/nightrun/internal/testutil"
	"github.com/dwsmith1983/nightrun/internal/worker"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const date = "2026-03-02"

type listFunc func(ctx context.Context, asOfDate string) ([]types.WorkItem, error)

func (f listFunc) ListItems(ctx context.Context, asOfDate string) ([]types.WorkItem, error) {
	return f(ctx, asOfDate)
}

func fixedList(n int) lister.Lister {
	return listFunc(func(_ context.Context, d string) ([]types.WorkItem, error) {
		return testutil.Items(d, n), nil
	})
}

type invokeFunc func(ctx context.Context, inv types.Invocation) (types.WorkerResult, error)

func (f invokeFunc) Invoke(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
	return f(ctx, inv)
}

func succeed(_ context.Context, inv types.Invocation) (types.WorkerResult, error) {
	return types.WorkerResult{Identifier: inv.Request().Identifier, Status: types.ResultSuccess}, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	reports []types.RunReport
}

func (n *recordingNotifier) RunCompleted(_ context.Context, r types.RunReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, r)
	return nil
}

type stubInfra struct {
	calls atomic.Int32
	res   types.InvariantCheckResult
}

func (s *stubInfra) Check(_ context.Context, level types.Level, _ types.Scope) (types.InvariantCheckResult, error) {
	s.calls.Add(1)
	s.res.Level = level
	return s.res, nil
}

func testConfig(c int) Config {
	return Config{Concurrency: c, Mode: types.DispatchLocal, ItemTimeout: 5 * time.Second}
}

func newOrch(t *testing.T, l lister.Lister, inv dispatch.Invoker, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithInstruments(metrics.Noop())}, opts...)
	o, err := New(l, inv, cfg, opts...)
	require.NoError(t, err)
	return o
}

func TestRun_PartialFailureIsIsolated(t *testing.T) {
	cache := testutil.NewMockCacheStore()
	gen := &testutil.FakeGenerator{Fn: func(_ context.Context, item types.WorkItem) ([]byte, error) {
		var i int
		_, _ = fmt.Sscanf(item.Identifier, "ITEM%03d", &i)
		if i >= 21 {
			return nil, errors.New("model overloaded")
		}
		return []byte("report:" + item.Identifier), nil
	}}
	w := worker.New(cache, gen)
	reports := testutil.NewMockReportStore()
	notifier := &recordingNotifier{}

	o := newOrch(t, fixedList(46), dispatch.NewLocal(w), testConfig(8),
		WithReports(reports), WithNotifier(notifier))

	report, err := o.Run(context.Background(), types.TriggerRequest{AsOfDate: date, RunSource: types.SourceScheduled})
	require.NoError(t, err)

	assert.Equal(t, types.Aggregate{Succeeded: 21, Failed: 25, Total: 46}, report.Aggregate)
	assert.Equal(t, types.ExitItemsFailed, report.ExitCode())
	assert.Len(t, report.Results, 46)
	assert.Equal(t, types.FailureContentGeneration, report.Results[testutil.ItemID(30)].Category)
	assert.Contains(t, report.Results[testutil.ItemID(30)].Error, "model overloaded")
	assert.Len(t, testutil.CompletedKeys(cache), 21)

	require.Len(t, reports.Reports(), 1)
	assert.Equal(t, report.RunID, reports.Reports()[0].RunID)
	require.Len(t, notifier.reports, 1)
	assert.False(t, report.CompletedAt.Before(report.StartedAt))
}

func TestRun_ArtifactTimeoutsKeepContentSuccess(t *testing.T) {
	cache := testutil.NewMockCacheStore()
	s3 := testutil.NewFakeS3("docs")
	store, err := artifact.New("docs", artifact.WithS3Client(s3))
	require.NoError(t, err)

	renderer := &testutil.FakeRenderer{Fn: func(ctx context.Context, item types.WorkItem, content []byte) ([]byte, error) {
		var i int
		_, _ = fmt.Sscanf(item.Identifier, "ITEM%03d", &i)
		if i >= 21 {
			return nil, testutil.BlockUntilDone(ctx)
		}
		return append([]byte("%PDF-"), content...), nil
	}}
	cfg := worker.DefaultConfig()
	cfg.ArtifactTimeout = 50 * time.Millisecond
	cfg.BreakerFailThreshold = 0
	w := worker.New(cache, &testutil.FakeGenerator{}, worker.WithArtifacts(renderer, store), worker.WithConfig(cfg))
	infra := &stubInfra{res: types.InvariantCheckResult{Passed: true, Violations: []string{}}}

	report, err := newOrch(t, fixedList(46), dispatch.NewLocal(w), testConfig(46), WithInfraCheck(infra)).
		Run(context.Background(), types.TriggerRequest{AsOfDate: date, RunSource: types.SourceScheduled})
	require.NoError(t, err)

	assert.Equal(t, types.Aggregate{Succeeded: 46, Total: 46}, report.Aggregate)
	assert.Equal(t, types.ExitAllSucceeded, report.ExitCode())
	assert.Equal(t, 25, report.ArtifactsMissing())
	assert.Len(t, testutil.CompletedKeys(cache), 46)
	assert.Equal(t, int32(1), infra.calls.Load(), "artifact timeouts read as saturation")

	var withRef, withoutRef int
	for _, r := range cache.Rows() {
		assert.Equal(t, types.CacheCompleted, r.Status)
		assert.NotEmpty(t, r.Content)
		if r.ArtifactReference == nil {
			withoutRef++
			continue
		}
		withRef++
		ok, err := store.Exists(context.Background(), *r.ArtifactReference)
		require.NoError(t, err)
		assert.True(t, ok, "%s references a missing object", r.Identifier)
	}
	assert.Equal(t, 21, withRef)
	assert.Equal(t, 25, withoutRef)
	assert.Equal(t, types.FailureResourceSaturation, report.Results[testutil.ItemID(30)].Category)
}

func TestRun_ConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	inv := invokeFunc(func(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return succeed(ctx, inv)
	})

	report, err := newOrch(t, fixedList(25), inv, testConfig(3)).Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Equal(t, 25, report.Aggregate.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestRun_NoWork(t *testing.T) {
	var calls atomic.Int32
	inv := invokeFunc(func(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
		calls.Add(1)
		return succeed(ctx, inv)
	})
	report, err := newOrch(t, fixedList(0), inv, testConfig(4)).Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)

	assert.True(t, report.NoWork)
	assert.Equal(t, 0, report.Aggregate.Total)
	assert.Equal(t, types.ExitAllSucceeded, report.ExitCode())
	assert.Zero(t, calls.Load())
}

func TestRun_ListingUnavailableIsFatal(t *testing.T) {
	l := listFunc(func(context.Context, string) ([]types.WorkItem, error) {
		return nil, &lister.ListingError{Source: "registry", Err: errors.New("partial registry")}
	})
	reports := testutil.NewMockReportStore()
	report, err := newOrch(t, l, invokeFunc(succeed), testConfig(4), WithReports(reports)).
		Run(context.Background(), types.TriggerRequest{AsOfDate: date})

	require.Error(t, err)
	assert.ErrorIs(t, err, lister.ErrListingUnavailable)
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, 0, report.Aggregate.Total)
	assert.False(t, report.NoWork)
	assert.Equal(t, types.ExitOrchestration, report.ExitCode())
	require.Len(t, reports.Reports(), 1, "fatal runs are still recorded")
}

func TestRun_CancelledBeforeDispatchIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newOrch(t, fixedList(5), invokeFunc(succeed), testConfig(2)).Run(ctx, types.TriggerRequest{AsOfDate: date})
	assert.ErrorIs(t, err, ErrDispatchUnavailable)
	assert.Equal(t, 0, report.Aggregate.Total)
	assert.Equal(t, types.ExitOrchestration, report.ExitCode())
}

func TestRun_CancelMidRunMarksRemainder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	var started atomic.Int32
	inv := invokeFunc(func(c context.Context, inv types.Invocation) (types.WorkerResult, error) {
		if started.Add(1) == 2 {
			cancel()
		}
		<-release
		return succeed(c, inv)
	})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	report, err := newOrch(t, fixedList(10), inv, testConfig(2)).Run(ctx, types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Aggregate.Total)
	assert.Equal(t, 2, report.Aggregate.Succeeded)
	assert.Equal(t, 8, report.Aggregate.Failed)
	assert.Equal(t, types.FailureDispatch, report.Results[testutil.ItemID(9)].Category)
}

func TestRun_InvokerErrorsBecomeItemFailures(t *testing.T) {
	inv := invokeFunc(func(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
		if inv.Request().Identifier == testutil.ItemID(1) {
			return types.WorkerResult{}, errors.New("throttled")
		}
		if inv.Request().Identifier == testutil.ItemID(2) {
			panic("boom")
		}
		if inv.Request().Identifier == testutil.ItemID(3) {
			return types.WorkerResult{Identifier: "someone-else", Status: types.ResultSuccess}, nil
		}
		return succeed(ctx, inv)
	})

	report, err := newOrch(t, fixedList(5), inv, testConfig(5)).Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Equal(t, types.Aggregate{Succeeded: 2, Failed: 3, Total: 5}, report.Aggregate)
	assert.Equal(t, types.FailureDispatch, report.Results[testutil.ItemID(1)].Category)
	assert.Equal(t, types.FailureInternal, report.Results[testutil.ItemID(2)].Category)
	assert.Equal(t, types.FailureInternal, report.Results[testutil.ItemID(3)].Category)
}

func TestRun_SaturationRunsInfraCheck(t *testing.T) {
	inv := invokeFunc(func(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
		if inv.Request().Identifier == testutil.ItemID(0) {
			msg := "deadline exceeded"
			return types.WorkerResult{Identifier: testutil.ItemID(0), Status: types.ResultFailed, Error: &msg,
				Category: types.FailureResourceSaturation}, nil
		}
		return succeed(ctx, inv)
	})
	infra := &stubInfra{res: types.InvariantCheckResult{Passed: false, Violations: []string{"cache store unreachable"}}}

	report, err := newOrch(t, fixedList(3), inv, testConfig(3), WithInfraCheck(infra)).
		Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Equal(t, int32(1), infra.calls.Load())
	require.NotNil(t, report.InfraCheck)
	assert.Equal(t, types.LevelInfrastructure, report.InfraCheck.Level)
	assert.False(t, report.InfraCheck.Passed)
}

func TestRun_NoSaturationSkipsInfraCheck(t *testing.T) {
	infra := &stubInfra{}
	report, err := newOrch(t, fixedList(3), invokeFunc(succeed), testConfig(3), WithInfraCheck(infra)).
		Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Zero(t, infra.calls.Load())
	assert.Nil(t, report.InfraCheck)
}

func TestRun_RerunNeverRevertsCompleted(t *testing.T) {
	cache := testutil.NewMockCacheStore()
	var fail atomic.Bool
	gen := &testutil.FakeGenerator{Fn: func(_ context.Context, item types.WorkItem) ([]byte, error) {
		if fail.Load() || strings.HasSuffix(item.Identifier, "3") {
			return nil, errors.New("upstream down")
		}
		return []byte("report:" + item.Identifier), nil
	}}
	o := newOrch(t, fixedList(6), dispatch.NewLocal(worker.New(cache, gen)), testConfig(3))

	first, err := o.Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Equal(t, 5, first.Aggregate.Succeeded)
	before := testutil.CompletedKeys(cache)

	fail.Store(true)
	second, err := o.Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Equal(t, 6, second.Aggregate.Failed)
	testutil.AssertSuperset(t, before, testutil.CompletedKeys(cache))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_QueueModeCountsAccepted(t *testing.T) {
	inv := invokeFunc(func(_ context.Context, inv types.Invocation) (types.WorkerResult, error) {
		q, ok := inv.(types.Queued)
		if !ok {
			return types.WorkerResult{}, dispatch.ErrWrongVariant
		}
		return types.WorkerResult{Identifier: q.Body.Identifier, Status: types.ResultAccepted}, nil
	})
	cfg := testConfig(4)
	cfg.Mode = types.DispatchQueue

	report, err := newOrch(t, fixedList(4), inv, cfg).Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	assert.Equal(t, types.Aggregate{Accepted: 4, Total: 4}, report.Aggregate)
	assert.Equal(t, types.ExitAllSucceeded, report.ExitCode())
}

func TestRun_DerivesMissingDate(t *testing.T) {
	clock, err := schedule.NewClock("UTC")
	require.NoError(t, err)
	clock = clock.WithNow(func() time.Time { return time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC) })

	report, err := newOrch(t, fixedList(1), invokeFunc(succeed), testConfig(1), WithToday(clock)).
		Run(context.Background(), types.TriggerRequest{})
	require.NoError(t, err)
	assert.Equal(t, date, report.AsOfDate)
	assert.Equal(t, types.SourceManual, report.RunSource)
}

func TestRun_MissingDateWithoutClock(t *testing.T) {
	_, err := newOrch(t, fixedList(1), invokeFunc(succeed), testConfig(1)).Run(context.Background(), types.TriggerRequest{})
	assert.Error(t, err)
}

func TestRun_StaggerSpacesDispatch(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	inv := invokeFunc(func(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return succeed(ctx, inv)
	})
	cfg := testConfig(10)
	cfg.Stagger = 20 * time.Millisecond

	_, err := newOrch(t, fixedList(3), inv, cfg).Run(context.Background(), types.TriggerRequest{AsOfDate: date})
	require.NoError(t, err)
	require.Len(t, starts, 3)
	first, last := starts[0], starts[0]
	for _, s := range starts {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 30*time.Millisecond)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(fixedList(1), invokeFunc(succeed), Config{Concurrency: 0})
	assert.Error(t, err)
	_, err = New(nil, invokeFunc(succeed), testConfig(1))
	assert.Error(t, err)
}
