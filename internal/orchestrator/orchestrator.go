// Package orchestrator runs one batch: list the items for a date, fan them
// out to workers under a concurrency ceiling, and fold every outcome into a
// RunReport as it arrives.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dwsmith1983/nightrun/internal/dispatch"
	"github.com/dwsmith1983/nightrun/internal/lister"
	"github.com/dwsmith1983/nightrun/internal/metrics"
	"github.com/dwsmith1983/nightrun/internal/notify"
	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/internal/schedule"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

var (
	// ErrDispatchUnavailable means no item could be dispatched at all.
	ErrDispatchUnavailable = errors.New("dispatch unavailable")
	// ErrResultCountMismatch means the outcomes collected do not cover the
	// listed items one to one.
	ErrResultCountMismatch = errors.New("result count does not match listed items")
)

// finalizeTimeout bounds report persistence and notification, which run
// even when the caller's context is already done.
const finalizeTimeout = 30 * time.Second

// InfraChecker runs one invariant level. The verifier satisfies it.
type InfraChecker interface {
	Check(ctx context.Context, level types.Level, scope types.Scope) (types.InvariantCheckResult, error)
}

// Config bounds a run.
type Config struct {
	// Concurrency is the ceiling on in-flight worker invocations.
	Concurrency int
	// Stagger is the minimum gap between dispatch starts. Zero disables it.
	Stagger time.Duration
	// ItemTimeout bounds each invocation. Zero means no bound beyond the
	// invoker's own.
	ItemTimeout time.Duration
	Mode        types.DispatchMode
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 30,
		Stagger:     100 * time.Millisecond,
		ItemTimeout: 10 * time.Minute,
		Mode:        types.DispatchLocal,
	}
}

// Orchestrator runs batches.
type Orchestrator struct {
	lister   lister.Lister
	invoker  dispatch.Invoker
	cfg      Config
	reports  provider.ReportStore
	notifier notify.Notifier
	infra    InfraChecker
	today    *schedule.Clock

	logger      *slog.Logger
	instruments *metrics.Instruments
	tracer      trace.Tracer
	now         func() time.Time
	newRunID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReports persists each report to store.
func WithReports(store provider.ReportStore) Option {
	return func(o *Orchestrator) { o.reports = store }
}

// WithNotifier announces each finished run.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithInfraCheck runs the infrastructure level when items saturate.
func WithInfraCheck(c InfraChecker) Option {
	return func(o *Orchestrator) { o.infra = c }
}

// WithToday derives a missing as-of date from clock.
func WithToday(clock *schedule.Clock) Option {
	return func(o *Orchestrator) { o.today = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithInstruments sets the metric instruments.
func WithInstruments(in *metrics.Instruments) Option {
	return func(o *Orchestrator) { o.instruments = in }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newRunID = fn }
}

// New creates an orchestrator.
func New(l lister.Lister, inv dispatch.Invoker, cfg Config, opts ...Option) (*Orchestrator, error) {
	if l == nil || inv == nil {
		return nil, fmt.Errorf("lister and invoker are required")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.Mode == "" {
		cfg.Mode = types.DispatchLocal
	}
	o := &Orchestrator{
		lister:   l,
		invoker:  inv,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/dwsmith1983/nightrun/internal/orchestrator"),
		now:      time.Now,
		newRunID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.instruments == nil {
		o.instruments = metrics.Default()
	}
	return o, nil
}

// outcome is one item's entry on the completion channel.
type outcome struct {
	item     types.WorkItem
	result   types.WorkerResult
	duration time.Duration
}

// Run executes one batch. The returned report is always populated; the
// error is non-nil exactly when the run failed at orchestration level, in
// which case report.Error carries the same message.
func (o *Orchestrator) Run(ctx context.Context, req types.TriggerRequest) (types.RunReport, error) {
	if req.AsOfDate == "" && o.today != nil {
		var err error
		if req, err = o.today.Normalize(req); err != nil {
			return types.RunReport{}, err
		}
	}
	if err := types.ValidateDate(req.AsOfDate); err != nil {
		return types.RunReport{}, err
	}
	if req.RunSource == "" {
		req.RunSource = types.SourceManual
	}

	report := types.RunReport{
		RunID:     o.newRunID(),
		AsOfDate:  req.AsOfDate,
		RunSource: req.RunSource,
		StartedAt: o.now(),
		Results:   make(map[string]types.ItemResult),
	}
	log := o.logger.With("run_id", report.RunID, "as_of_date", report.AsOfDate)
	metrics.RunsStarted.Add(1)

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("as_of_date", report.AsOfDate),
	))
	defer span.End()

	log.Info("run started", "run_source", report.RunSource)

	err := o.execute(ctx, &report, log)
	if err != nil {
		report.Error = err.Error()
		metrics.RunsFatal.Add(1)
		span.SetStatus(codes.Error, report.Error)
		log.Error("run failed", "error", err)
	}

	o.followUp(ctx, &report, log)
	report.CompletedAt = o.now()
	o.instruments.RunDuration.Record(ctx, report.CompletedAt.Sub(report.StartedAt).Seconds())
	span.SetAttributes(
		attribute.Int("succeeded", report.Aggregate.Succeeded),
		attribute.Int("failed", report.Aggregate.Failed),
		attribute.Int("total", report.Aggregate.Total),
	)
	o.finalize(ctx, report, log)
	return report, err
}

func (o *Orchestrator) execute(ctx context.Context, report *types.RunReport, log *slog.Logger) error {
	items, err := o.lister.ListItems(ctx, report.AsOfDate)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		report.NoWork = true
		log.Warn("no work items listed")
		return nil
	}
	log.Info("items listed", "count", len(items))

	dispatched, err := o.fanOut(ctx, report, items, log)
	if err != nil {
		return err
	}
	if dispatched == 0 {
		return fmt.Errorf("no item dispatched: %w", ErrDispatchUnavailable)
	}

	report.Aggregate = aggregate(report.Results)
	if report.Aggregate.Total != len(items) {
		return fmt.Errorf("%w: %d listed, %d results", ErrResultCountMismatch, len(items), report.Aggregate.Total)
	}
	return nil
}

// fanOut keeps at most Concurrency invocations in flight, refilling a slot
// as each outcome arrives. Outcomes are folded into the report in arrival
// order. Once ctx ends no further items start; those already started run
// to completion under their own timeout and are still collected.
func (o *Orchestrator) fanOut(ctx context.Context, report *types.RunReport, items []types.WorkItem, log *slog.Logger) (int, error) {
	var limiter *rate.Limiter
	if o.cfg.Stagger > 0 {
		limiter = rate.NewLimiter(rate.Every(o.cfg.Stagger), 1)
	}

	done := make(chan outcome, len(items))
	next, inFlight, dispatched := 0, 0, 0
	for next < len(items) || inFlight > 0 {
		if next < len(items) && inFlight < o.cfg.Concurrency {
			if err := waitTurn(ctx, limiter); err != nil {
				if dispatched == 0 {
					return 0, fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
				}
				log.Warn("dispatch stopped", "remaining", len(items)-next, "error", err)
				for _, it := range items[next:] {
					o.record(report, outcome{item: it, result: notDispatched(it, err)}, log)
				}
				next = len(items)
				continue
			}
			go o.invoke(ctx, report.RunID, items[next], done)
			metrics.ItemsDispatched.Add(1)
			next++
			inFlight++
			dispatched++
			continue
		}
		out := <-done
		inFlight--
		o.record(report, out, log)
	}
	return dispatched, nil
}

func waitTurn(ctx context.Context, limiter *rate.Limiter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// invoke runs one item and always sends exactly one outcome.
func (o *Orchestrator) invoke(ctx context.Context, runID string, item types.WorkItem, done chan<- outcome) {
	start := o.now()
	req := types.WorkerRequest{Identifier: item.Identifier, AsOfDate: item.AsOfDate, RunID: runID}
	out := outcome{item: item}
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("invoker panic: %v", r)
			out.result = types.WorkerResult{Identifier: item.Identifier, Status: types.ResultFailed, Error: &msg, Category: types.FailureInternal}
		}
		out.duration = o.now().Sub(start)
		done <- out
	}()

	wctx := context.WithoutCancel(ctx)
	if o.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, o.cfg.ItemTimeout)
		defer cancel()
	}

	res, err := o.invoker.Invoke(wctx, dispatch.NewInvocation(o.cfg.Mode, req))
	switch {
	case err != nil:
		out.result = dispatchFailure(item, err)
	default:
		if verr := res.Validate(req); verr != nil {
			msg := fmt.Sprintf("malformed worker result: %v", verr)
			res = types.WorkerResult{Identifier: item.Identifier, Status: types.ResultFailed, Error: &msg, Category: types.FailureInternal}
		}
		out.result = res
	}
}

func dispatchFailure(item types.WorkItem, err error) types.WorkerResult {
	msg := fmt.Sprintf("dispatch failed: %v", err)
	category := types.FailureDispatch
	if errors.Is(err, context.DeadlineExceeded) {
		category = types.FailureResourceSaturation
	}
	return types.WorkerResult{Identifier: item.Identifier, Status: types.ResultFailed, Error: &msg, Category: category}
}

// notDispatched is the result of an item the run stopped before starting.
func notDispatched(item types.WorkItem, err error) types.WorkerResult {
	msg := fmt.Sprintf("not dispatched: %v", err)
	return types.WorkerResult{Identifier: item.Identifier, Status: types.ResultFailed, Error: &msg, Category: types.FailureDispatch}
}

func (o *Orchestrator) record(report *types.RunReport, out outcome, log *slog.Logger) {
	res := out.result
	entry := types.ItemResult{
		Status:            res.Status,
		Duration:          out.duration,
		Category:          res.Category,
		ArtifactReference: res.ArtifactReference,
		ArtifactError:     res.ArtifactError,
	}
	if res.Error != nil {
		entry.Error = *res.Error
	}
	report.Results[out.item.Identifier] = entry

	attrs := []any{"identifier", out.item.Identifier, "status", res.Status, "duration", out.duration}
	switch res.Status {
	case types.ResultFailed:
		metrics.ItemsFailed.Add(1)
		log.Warn("item failed", append(attrs, "category", res.Category, "error", entry.Error)...)
	default:
		if res.ArtifactError != "" {
			attrs = append(attrs, "artifact_error", res.ArtifactError)
		}
		log.Info("item finished", attrs...)
	}
}

func aggregate(results map[string]types.ItemResult) types.Aggregate {
	var agg types.Aggregate
	for _, r := range results {
		switch r.Status {
		case types.ResultSuccess:
			agg.Succeeded++
		case types.ResultFailed:
			agg.Failed++
		case types.ResultAccepted:
			agg.Accepted++
		}
	}
	agg.Total = len(results)
	return agg
}

// followUp runs the infrastructure level once when any item saturated its
// budget, so the report says whether the shared pool was the cause.
func (o *Orchestrator) followUp(ctx context.Context, report *types.RunReport, log *slog.Logger) {
	if o.infra == nil || !saturated(report.Results) {
		return
	}
	metrics.SaturationChecks.Add(1)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	res, err := o.infra.Check(ctx, types.LevelInfrastructure, types.Scope{AsOfDate: report.AsOfDate})
	if err != nil {
		log.Error("infrastructure check failed to run", "error", err)
		return
	}
	report.InfraCheck = &res
	if !res.Passed {
		log.Warn("infrastructure check found violations", "violations", res.Violations)
	}
}

func saturated(results map[string]types.ItemResult) bool {
	for _, r := range results {
		if r.Category == types.FailureResourceSaturation {
			return true
		}
	}
	return false
}

func (o *Orchestrator) finalize(ctx context.Context, report types.RunReport, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if o.reports != nil {
		if err := o.reports.PutReport(ctx, report); err != nil {
			log.Error("persisting run report", "error", err)
		}
	}
	if o.notifier != nil {
		if err := o.notifier.RunCompleted(ctx, report); err != nil {
			log.Error("publishing run completion", "error", err)
		} else {
			metrics.EventsPublished.Add(1)
		}
	}
	log.Info("run finished",
		"succeeded", report.Aggregate.Succeeded,
		"failed", report.Aggregate.Failed,
		"accepted", report.Aggregate.Accepted,
		"total", report.Aggregate.Total,
		"no_work", report.NoWork,
		"exit_code", report.ExitCode(),
	)
}
