package worker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/dwsmith1983/nightrun/internal/collab"
	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Classify maps an item error to its failure category. A timeout, or any
// failure that took at least saturationAfter, is resource saturation: the
// bimodal signature of connection-establishment starvation. A zero
// saturationAfter disables the duration rule.
func Classify(err error, elapsed, saturationAfter time.Duration) types.FailureCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyContent):
		return types.FailureEmptyContent
	case errors.Is(err, provider.ErrSchemaMismatch):
		return types.FailureSchemaMismatch
	case isTimeout(err):
		return types.FailureResourceSaturation
	case saturationAfter > 0 && elapsed >= saturationAfter:
		return types.FailureResourceSaturation
	case errors.Is(err, errArtifact):
		return types.FailureArtifact
	case errors.Is(err, errCacheWrite), errors.Is(err, provider.ErrNoRowsAffected):
		return types.FailureCacheWrite
	case errors.Is(err, errContent):
		return types.FailureContentGeneration
	default:
		return types.FailureInternal
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, collab.ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
