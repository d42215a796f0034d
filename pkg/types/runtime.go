package types

import (
	"fmt"
	"time"
)

// TriggerRequest is the payload a scheduler (or operator) sends to start a run.
type TriggerRequest struct {
	AsOfDate  string    `json:"as_of_date,omitempty"`
	RunSource RunSource `json:"run_source,omitempty"`
}

// WorkerRequest is the orchestrator -> worker invocation payload.
type WorkerRequest struct {
	Identifier string `json:"identifier"`
	AsOfDate   string `json:"as_of_date"`
	RunID      string `json:"run_id"`
}

// Item returns the work item addressed by the request.
func (r WorkerRequest) Item() WorkItem {
	return WorkItem{Identifier: r.Identifier, AsOfDate: r.AsOfDate}
}

// WorkerResult is the worker -> orchestrator result. ArtifactError and
// Category are diagnostic extensions; an artifact failure never changes Status.
type WorkerResult struct {
	Identifier        string          `json:"identifier"`
	Status            ResultStatus    `json:"status"`
	ArtifactReference *string         `json:"artifact_reference"`
	Error             *string         `json:"error"`
	Category          FailureCategory `json:"category,omitempty"`
	ArtifactError     string          `json:"artifact_error,omitempty"`
}

// Validate reports whether the result is well formed for the given request.
func (r WorkerResult) Validate(req WorkerRequest) error {
	if r.Identifier != req.Identifier {
		return fmt.Errorf("result identifier %q does not match request %q", r.Identifier, req.Identifier)
	}
	switch r.Status {
	case ResultSuccess:
		if r.Error != nil {
			return fmt.Errorf("success result for %s carries error %q", r.Identifier, *r.Error)
		}
	case ResultFailed:
		if r.Error == nil || *r.Error == "" {
			return fmt.Errorf("failed result for %s has no error", r.Identifier)
		}
		if r.ArtifactReference != nil {
			return fmt.Errorf("failed result for %s carries an artifact reference", r.Identifier)
		}
	case ResultAccepted:
	default:
		return fmt.Errorf("result for %s has unknown status %q", r.Identifier, r.Status)
	}
	return nil
}

// ItemResult is the per-item entry of a run report.
type ItemResult struct {
	Status            ResultStatus    `json:"status"`
	Duration          time.Duration   `json:"duration"`
	Error             string          `json:"error,omitempty"`
	Category          FailureCategory `json:"category,omitempty"`
	ArtifactReference *string         `json:"artifact_reference,omitempty"`
	ArtifactError     string          `json:"artifact_error,omitempty"`
}

// Aggregate holds run-level counts.
type Aggregate struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Accepted  int `json:"accepted,omitempty"`
	Total     int `json:"total"`
}

// RunReport summarizes one orchestrator run. It is written once at run
// completion and never mutated after.
type RunReport struct {
	RunID       string                `json:"run_id"`
	AsOfDate    string                `json:"as_of_date"`
	RunSource   RunSource             `json:"run_source"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
	Results     map[string]ItemResult `json:"per_item_results"`
	Aggregate   Aggregate             `json:"aggregate"`
	NoWork      bool                  `json:"no_work,omitempty"`
	Error       string                `json:"error,omitempty"`
	InfraCheck  *InvariantCheckResult `json:"infra_check,omitempty"`
}

// ExitCode maps the report onto the batch tooling exit code.
func (r RunReport) ExitCode() int {
	switch {
	case r.Error != "":
		return ExitOrchestration
	case r.Aggregate.Failed > 0:
		return ExitItemsFailed
	default:
		return ExitAllSucceeded
	}
}

// ArtifactsMissing counts successful items that have no artifact reference.
func (r RunReport) ArtifactsMissing() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == ResultSuccess && res.ArtifactReference == nil {
			n++
		}
	}
	return n
}
