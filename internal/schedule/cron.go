package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// RunFunc starts one run.
type RunFunc func(ctx context.Context, req types.TriggerRequest) (types.RunReport, error)

// Trigger fires RunFunc on a cron schedule in the clock's zone. Ticks that
// arrive while a run is still going are skipped rather than queued.
type Trigger struct {
	cron   *cron.Cron
	clock  *Clock
	run    RunFunc
	logger *slog.Logger
}

// NewTrigger registers spec (standard five-field cron) against run.
func NewTrigger(ctx context.Context, spec string, clock *Clock, run RunFunc, logger *slog.Logger) (*Trigger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{
		clock:  clock,
		run:    run,
		logger: logger.With("component", "schedule"),
	}
	t.cron = cron.New(
		cron.WithLocation(clock.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := t.cron.AddFunc(spec, func() { t.fire(ctx) }); err != nil {
		return nil, fmt.Errorf("parsing cron %q: %w", spec, err)
	}
	t.logger.Info("schedule registered", "cron", spec, "timezone", clock.Location().String())
	return t, nil
}

func (t *Trigger) fire(ctx context.Context) {
	req, err := t.clock.Normalize(types.TriggerRequest{RunSource: types.SourceScheduled})
	if err != nil {
		t.logger.Error("normalizing trigger", "error", err)
		return
	}
	report, err := t.run(ctx, req)
	if err != nil {
		t.logger.Error("scheduled run failed", "as_of_date", req.AsOfDate, "error", err)
		return
	}
	t.logger.Info("scheduled run finished",
		"run_id", report.RunID,
		"as_of_date", report.AsOfDate,
		"succeeded", report.Aggregate.Succeeded,
		"failed", report.Aggregate.Failed,
		"exit_code", report.ExitCode(),
	)
}

// Start begins firing in the background.
func (t *Trigger) Start() { t.cron.Start() }

// Stop stops the schedule and waits for a running job to finish.
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
}

// RunNow fires once outside the schedule.
func (t *Trigger) RunNow(ctx context.Context) { t.fire(ctx) }
