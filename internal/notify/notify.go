// Package notify publishes run completion events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

const (
	// Source is the EventBridge source of every event.
	Source = "nightrun.orchestrator"
	// DetailTypeRunCompleted is the detail type of a run summary.
	DetailTypeRunCompleted = "RunCompleted"

	publishTimeout = 10 * time.Second
)

// Notifier is told about every finished run.
type Notifier interface {
	RunCompleted(ctx context.Context, report types.RunReport) error
}

// RunSummary is the event detail. Per-item results stay in the ledger.
type RunSummary struct {
	RunID            string          `json:"run_id"`
	AsOfDate         string          `json:"as_of_date"`
	RunSource        types.RunSource `json:"run_source"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at"`
	Aggregate        types.Aggregate `json:"aggregate"`
	ExitCode         int             `json:"exit_code"`
	NoWork           bool            `json:"no_work,omitempty"`
	Error            string          `json:"error,omitempty"`
	ArtifactsMissing int             `json:"artifacts_missing"`
	InfraCheckFailed bool            `json:"infra_check_failed,omitempty"`
}

// Summarize builds the event detail for report.
func Summarize(report types.RunReport) RunSummary {
	return RunSummary{
		RunID:            report.RunID,
		AsOfDate:         report.AsOfDate,
		RunSource:        report.RunSource,
		StartedAt:        report.StartedAt,
		CompletedAt:      report.CompletedAt,
		Aggregate:        report.Aggregate,
		ExitCode:         report.ExitCode(),
		NoWork:           report.NoWork,
		Error:            report.Error,
		ArtifactsMissing: report.ArtifactsMissing(),
		InfraCheckFailed: report.InfraCheck != nil && !report.InfraCheck.Passed,
	}
}

// EventBridgeAPI is the subset of the EventBridge client used here.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, opts ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridge publishes RunCompleted events to a bus.
type EventBridge struct {
	client EventBridgeAPI
	bus    string
}

var _ Notifier = (*EventBridge)(nil)

// Option configures an EventBridge notifier.
type Option func(*EventBridge)

// WithEventBridgeClient sets a custom client (useful for testing).
func WithEventBridgeClient(c EventBridgeAPI) Option {
	return func(e *EventBridge) { e.client = c }
}

// NewEventBridge creates a notifier for the named bus.
func NewEventBridge(ctx context.Context, bus string, opts ...Option) (*EventBridge, error) {
	if bus == "" {
		return nil, fmt.Errorf("event bus name required")
	}
	e := &EventBridge{bus: bus}
	for _, o := range opts {
		o(e)
	}
	if e.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		e.client = eventbridge.NewFromConfig(cfg)
	}
	return e, nil
}

// RunCompleted publishes the run summary.
func (e *EventBridge) RunCompleted(ctx context.Context, report types.RunReport) error {
	detail, err := json.Marshal(Summarize(report))
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	out, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(e.bus),
			Source:       aws.String(Source),
			DetailType:   aws.String(DetailTypeRunCompleted),
			Detail:       aws.String(string(detail)),
			Resources:    []string{report.RunID},
		}},
	})
	if err != nil {
		return fmt.Errorf("publishing %s for run %s: %w", DetailTypeRunCompleted, report.RunID, err)
	}
	if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
		entry := out.Entries[0]
		return fmt.Errorf("publishing %s for run %s: %s: %s", DetailTypeRunCompleted, report.RunID,
			aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
	}
	return nil
}

// Log writes the run summary to a logger. It is the fallback when no bus
// is configured.
type Log struct {
	Logger *slog.Logger
}

var _ Notifier = Log{}

func (l Log) RunCompleted(_ context.Context, report types.RunReport) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := Summarize(report)
	logger.Info("run completed",
		"run_id", s.RunID,
		"as_of_date", s.AsOfDate,
		"succeeded", s.Aggregate.Succeeded,
		"failed", s.Aggregate.Failed,
		"accepted", s.Aggregate.Accepted,
		"total", s.Aggregate.Total,
		"exit_code", s.ExitCode,
		"no_work", s.NoWork,
		"artifacts_missing", s.ArtifactsMissing,
	)
	return nil
}
