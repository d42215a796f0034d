// Package worker processes one work item: claim the cache row, generate
// content, complete the row, then attempt the artifact as a separate step.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dwsmith1983/nightrun/internal/collab"
	"github.com/dwsmith1983/nightrun/internal/metrics"
	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// ErrEmptyContent is returned when the generator succeeds with no content.
var ErrEmptyContent = errors.New("content generator returned empty content")

// Stage markers wrapped around collaborator and store errors so Classify
// can tell them apart.
var (
	errContent    = errors.New("content generation")
	errCacheWrite = errors.New("cache write")
	errArtifact   = errors.New("artifact")
)

// finalizeTimeout bounds the failure write issued after the item's own
// deadline has passed.
const finalizeTimeout = 10 * time.Second

// ArtifactSink stores rendered documents.
type ArtifactSink interface {
	Put(ctx context.Context, item types.WorkItem, body []byte, contentType string) (string, error)
}

// Config holds the worker's timing policy.
type Config struct {
	// ItemTimeout is the deadline the caller gives each item. Failures that
	// take at least SaturationFraction of it are classified as saturation.
	ItemTimeout        time.Duration
	SaturationFraction float64
	ArtifactTimeout    time.Duration
	// BreakerFailThreshold opens the artifact breaker after that many
	// consecutive artifact failures. Zero disables the breaker.
	BreakerFailThreshold uint32
	BreakerCooldown      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ItemTimeout:          10 * time.Minute,
		SaturationFraction:   0.9,
		ArtifactTimeout:      2 * time.Minute,
		BreakerFailThreshold: 5,
		BreakerCooldown:      time.Minute,
	}
}

// SaturationAfter is the elapsed time at which a failure reads as resource
// saturation rather than a collaborator error.
func (c Config) SaturationAfter() time.Duration {
	if c.ItemTimeout <= 0 || c.SaturationFraction <= 0 {
		return 0
	}
	return time.Duration(float64(c.ItemTimeout) * c.SaturationFraction)
}

// Worker processes work items. It is safe for concurrent use; all per-item
// state lives on the stack of Process.
type Worker struct {
	cache     provider.CacheStore
	content   collab.ContentGenerator
	renderer  collab.Renderer
	artifacts ArtifactSink
	breaker   *gobreaker.CircuitBreaker
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	inst      *metrics.Instruments
	now       func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithArtifacts enables artifact generation with renderer and sink.
func WithArtifacts(r collab.Renderer, sink ArtifactSink) Option {
	return func(w *Worker) {
		w.renderer = r
		w.artifacts = sink
	}
}

// WithConfig sets the timing policy.
func WithConfig(cfg Config) Option {
	return func(w *Worker) { w.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithInstruments sets the metric instruments.
func WithInstruments(in *metrics.Instruments) Option {
	return func(w *Worker) { w.inst = in }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a Worker writing to cache and generating with content.
func New(cache provider.CacheStore, content collab.ContentGenerator, opts ...Option) *Worker {
	w := &Worker{
		cache:   cache,
		content: content,
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/dwsmith1983/nightrun/internal/worker"),
		inst:    metrics.Noop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	if w.cfg.BreakerFailThreshold > 0 {
		threshold := w.cfg.BreakerFailThreshold
		w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "artifact",
			Timeout: w.cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				w.logger.Warn("artifact breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return w
}

// Process runs one item to a terminal state. It never panics and never
// returns an error: every failure is captured in the result and, where the
// store is reachable, in the row's error_message.
func (w *Worker) Process(ctx context.Context, req types.WorkerRequest) (res types.WorkerResult) {
	start := w.now()
	item := req.Item()
	log := w.logger.With("run_id", req.RunID, "identifier", req.Identifier, "as_of_date", req.AsOfDate)

	ctx, span := w.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("identifier", req.Identifier),
		attribute.String("as_of_date", req.AsOfDate),
		attribute.String("run_id", req.RunID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			log.Error("worker panicked", "error", err, "stack", string(debug.Stack()))
			res = w.fail(ctx, item, err, start, log)
		}
		if res.Status == types.ResultFailed {
			span.SetStatus(codes.Error, deref(res.Error))
		}
	}()

	if req.Identifier == "" {
		return failed(req.Identifier, "missing identifier", types.FailureInternal)
	}
	if err := types.ValidateDate(req.AsOfDate); err != nil {
		return failed(req.Identifier, err.Error(), types.FailureInternal)
	}

	status, err := w.cache.Claim(ctx, item, req.RunID, start)
	if err != nil {
		return w.fail(ctx, item, fmt.Errorf("%w: claim: %w", errCacheWrite, err), start, log)
	}
	refresh := status == types.CacheCompleted
	if refresh {
		log.Info("refreshing completed row")
	}

	content, err := w.content.Generate(ctx, item)
	if err != nil {
		return w.fail(ctx, item, fmt.Errorf("%w: %w", errContent, err), start, log)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return w.fail(ctx, item, ErrEmptyContent, start, log)
	}

	if err := w.cache.Complete(ctx, item, content, w.now()); err != nil {
		return w.fail(ctx, item, fmt.Errorf("%w: complete: %w", errCacheWrite, err), start, log)
	}
	res = types.WorkerResult{Identifier: req.Identifier, Status: types.ResultSuccess}

	ref, err := w.produceArtifact(ctx, item, content)
	switch {
	case err != nil:
		res.ArtifactError = err.Error()
		res.Category = Classify(err, 0, 0)
		w.inst.ArtifactsFailed.Add(ctx, 1, metric.WithAttributes(metrics.Category(string(res.Category))))
		metrics.ArtifactsFailed.Add(1)
		log.Warn("artifact failed, content kept", "error", err, "category", res.Category)
		if refresh {
			w.dropStaleArtifact(ctx, item, log)
		}
	case ref != "":
		res.ArtifactReference = &ref
	}

	elapsed := w.now().Sub(start)
	w.inst.ItemsCompleted.Add(ctx, 1)
	w.inst.ItemDuration.Record(ctx, elapsed.Seconds())
	log.Info("item completed", "duration", elapsed, "artifact", ref)
	return res
}

// produceArtifact renders and uploads the document, then records its key in
// a write separate from Complete. It returns "" with a nil error when
// artifacts are disabled.
func (w *Worker) produceArtifact(ctx context.Context, item types.WorkItem, content []byte) (string, error) {
	if w.renderer == nil || w.artifacts == nil {
		return "", nil
	}

	actx := ctx
	if w.cfg.ArtifactTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, w.cfg.ArtifactTimeout)
		defer cancel()
	}

	// A panic here happens after Complete, so it must surface as an artifact
	// error rather than reach the item-level recover.
	upload := func() (out interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("artifact stage panicked", "identifier", item.Identifier, "stack", string(debug.Stack()))
				out, err = nil, fmt.Errorf("panic: %v", r)
			}
		}()
		doc, err := w.renderer.Render(actx, item, content)
		if err != nil {
			return nil, fmt.Errorf("render: %w", err)
		}
		return w.artifacts.Put(actx, item, doc, "application/pdf")
	}

	var (
		out interface{}
		err error
	)
	if w.breaker != nil {
		out, err = w.breaker.Execute(upload)
	} else {
		out, err = upload()
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", errArtifact, err)
	}
	key := out.(string)

	if err := w.cache.SetArtifact(ctx, item, key, w.now()); err != nil {
		return "", fmt.Errorf("%w: record reference %s: %w", errArtifact, key, err)
	}
	return key, nil
}

// dropStaleArtifact clears the reference left by a previous run once a
// refresh has replaced the content but not the document.
func (w *Worker) dropStaleArtifact(ctx context.Context, item types.WorkItem, log *slog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := w.cache.ClearArtifact(wctx, item); err != nil {
		log.Error("clearing stale artifact reference", "error", err)
	}
}

// fail records err on the row and builds the failed result. The write uses a
// context detached from the item deadline so a timed-out item still reaches
// a terminal row state.
func (w *Worker) fail(ctx context.Context, item types.WorkItem, err error, start time.Time, log *slog.Logger) types.WorkerResult {
	elapsed := w.now().Sub(start)
	category := Classify(err, elapsed, w.cfg.SaturationAfter())
	msg := err.Error()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if ferr := w.cache.Fail(wctx, item, msg, w.now()); ferr != nil {
		log.Error("recording item failure", "error", ferr)
	}

	w.inst.ItemsFailed.Add(ctx, 1, metric.WithAttributes(metrics.Category(string(category))))
	w.inst.ItemDuration.Record(ctx, elapsed.Seconds())
	log.Error("item failed", "error", err, "category", category, "duration", elapsed)
	return failed(item.Identifier, msg, category)
}

func failed(identifier, msg string, category types.FailureCategory) types.WorkerResult {
	return types.WorkerResult{
		Identifier: identifier,
		Status:     types.ResultFailed,
		Error:      &msg,
		Category:   category,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
