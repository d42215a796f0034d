package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/dwsmith1983/nightrun/internal/dispatch"
	"github.com/dwsmith1983/nightrun/internal/verifier"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Runner executes one run.
type Runner interface {
	Run(ctx context.Context, req types.TriggerRequest) (types.RunReport, error)
}

// HandleOrchestrator runs once for the trigger. The report is returned even
// when the run fails at the orchestration level; the error is returned as
// well so the invocation is marked failed.
func HandleOrchestrator(ctx context.Context, r Runner, req types.TriggerRequest) (OrchestratorResponse, error) {
	report, err := r.Run(ctx, req)
	resp := OrchestratorResponse{
		RunID:     report.RunID,
		AsOfDate:  report.AsOfDate,
		ExitCode:  report.ExitCode(),
		Aggregate: report.Aggregate,
		NoWork:    report.NoWork,
		Error:     report.Error,
	}
	return resp, err
}

// HandleWorker processes a worker event. A direct invocation returns its
// WorkerResult. An SQS batch returns a partial batch response naming the
// records that failed on saturation, which are worth redelivering; other
// failures are final and already recorded on the cache row.
func HandleWorker(ctx context.Context, p dispatch.Processor, raw json.RawMessage, logger *slog.Logger) (any, error) {
	invs, err := dispatch.DecodeEvent(raw)
	if err != nil {
		return nil, err
	}
	if len(invs) == 1 {
		if d, ok := invs[0].(types.Direct); ok {
			return p.Process(ctx, d.Payload), nil
		}
	}

	var resp events.SQSEventResponse
	for _, inv := range invs {
		q, ok := inv.(types.Queued)
		if !ok {
			return nil, fmt.Errorf("mixed invocation kinds in one event: %w", dispatch.ErrWrongVariant)
		}
		res := p.Process(ctx, q.Body)
		if res.Status == types.ResultFailed && res.Category == types.FailureResourceSaturation {
			logger.Warn("requeueing saturated item", "identifier", res.Identifier, "messageId", q.MessageID)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: q.MessageID})
		}
	}
	return resp, nil
}

// Verifier is the subset of *verifier.Verifier the handler drives.
type Verifier interface {
	Verify(ctx context.Context, scope types.Scope) (verifier.Scan, error)
	ResumeLatest(ctx context.Context, scope types.Scope) (verifier.Scan, error)
	Reconcile(ctx context.Context, scope types.Scope) ([]verifier.Fix, error)
	Check(ctx context.Context, level types.Level, scope types.Scope) (types.InvariantCheckResult, error)
}

var _ Verifier = (*verifier.Verifier)(nil)

// HandleVerifier runs a verification action. Reconcile is followed by a
// verify so the response reports whether the fixes converged.
func HandleVerifier(ctx context.Context, v Verifier, req VerifierRequest) (VerifierResponse, error) {
	switch req.Action {
	case ActionVerify, "":
		scan, err := v.Verify(ctx, req.Scope)
		return scanResponse(scan), err
	case ActionResume:
		scan, err := v.ResumeLatest(ctx, req.Scope)
		return scanResponse(scan), err
	case ActionReconcile:
		fixes, err := v.Reconcile(ctx, req.Scope)
		if err != nil {
			return VerifierResponse{Fixes: fixes}, err
		}
		scan, err := v.Verify(ctx, req.Scope)
		resp := scanResponse(scan)
		resp.Fixes = fixes
		return resp, err
	case ActionCheck:
		if req.Level == nil {
			return VerifierResponse{}, errors.New("check requires a level")
		}
		res, err := v.Check(ctx, *req.Level, req.Scope)
		if err != nil {
			return VerifierResponse{}, err
		}
		delta := len(res.Violations)
		return VerifierResponse{Converged: res.Passed, Delta: delta, Violations: res.Violations, Check: &res}, nil
	default:
		return VerifierResponse{}, fmt.Errorf("unknown verifier action %q", req.Action)
	}
}

func scanResponse(s verifier.Scan) VerifierResponse {
	resp := VerifierResponse{
		Converged: s.Converged(),
		Delta:     s.Delta,
		Proven:    s.Proven(),
	}
	for _, v := range s.Violations {
		resp.Violations = append(resp.Violations, v.String())
	}
	return resp
}
