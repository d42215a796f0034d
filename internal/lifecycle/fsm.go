// Package lifecycle implements the cache row state machine.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// absent is the pseudo-status of a row that does not exist yet.
const absent types.CacheStatus = ""

// Transition table: from -> allowed tos. A completed row only ever moves to
// completed again (a refresh), which keeps the completed key set monotonic.
var validTransitions = map[types.CacheStatus][]types.CacheStatus{
	absent:                {types.CachePending, types.CacheInProgress, types.CacheFailed},
	types.CachePending:    {types.CacheInProgress, types.CacheFailed},
	types.CacheInProgress: {types.CacheCompleted, types.CacheFailed, types.CacheInProgress},
	types.CacheFailed:     {types.CacheInProgress},
	types.CacheCompleted:  {types.CacheCompleted},
}

// CanTransition checks if moving a row from one status to another is valid.
func CanTransition(from, to types.CacheStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates the move, returning an error if it is invalid.
func Transition(from, to types.CacheStatus) error {
	if !CanTransition(from, to) {
		if from == absent {
			from = "absent"
		}
		return fmt.Errorf("invalid cache transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the status is a terminal state for a run.
func IsTerminal(status types.CacheStatus) bool {
	return status == types.CacheCompleted || status == types.CacheFailed
}
