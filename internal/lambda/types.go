// Package lambda provides shared types, initialization and handlers for the
// nightrun Lambda functions.
package lambda

import (
	"github.com/dwsmith1983/nightrun/internal/verifier"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// OrchestratorResponse is the output of the orchestrator Lambda.
type OrchestratorResponse struct {
	RunID     string          `json:"runId"`
	AsOfDate  string          `json:"asOfDate"`
	ExitCode  int             `json:"exitCode"`
	Aggregate types.Aggregate `json:"aggregate"`
	NoWork    bool            `json:"noWork,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// VerifierAction selects what the verifier Lambda does.
type VerifierAction string

// VerifierAction values.
const (
	ActionVerify    VerifierAction = "verify"
	ActionResume    VerifierAction = "resume"
	ActionReconcile VerifierAction = "reconcile"
	ActionCheck     VerifierAction = "check"
)

// VerifierRequest is the input to the verifier Lambda. Level is only read
// by ActionCheck.
type VerifierRequest struct {
	Action VerifierAction `json:"action"`
	Scope  types.Scope    `json:"scope"`
	Level  *types.Level   `json:"level,omitempty"`
}

// VerifierResponse is the output of the verifier Lambda.
type VerifierResponse struct {
	Converged  bool                        `json:"converged"`
	Delta      int                         `json:"delta"`
	Proven     []types.Level               `json:"provenLevels,omitempty"`
	Violations []string                    `json:"violations,omitempty"`
	Fixes      []verifier.Fix              `json:"fixes,omitempty"`
	Check      *types.InvariantCheckResult `json:"check,omitempty"`
}
