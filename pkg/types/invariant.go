package types

import (
	"sort"
	"strings"
	"time"
)

// InvariantCheckResult is the outcome of checking one invariant level.
type InvariantCheckResult struct {
	Level      Level    `json:"level"`
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations"`
}

// Scope bounds a verification: one as-of date, optionally narrowed to
// specific identifiers (empty means every listed item).
type Scope struct {
	AsOfDate    string   `json:"as_of_date"`
	Identifiers []string `json:"identifiers,omitempty"`
}

// Key returns a stable string form of the scope.
func (s Scope) Key() string {
	if len(s.Identifiers) == 0 {
		return s.AsOfDate
	}
	ids := append([]string(nil), s.Identifiers...)
	sort.Strings(ids)
	return s.AsOfDate + "|" + strings.Join(ids, ",")
}

// Includes reports whether identifier falls inside the scope.
func (s Scope) Includes(identifier string) bool {
	if len(s.Identifiers) == 0 {
		return true
	}
	for _, id := range s.Identifiers {
		if id == identifier {
			return true
		}
	}
	return false
}

// Checkpoint records a verified state. It is advisory: a resume always
// re-validates the levels it claims, it never skips them.
type Checkpoint struct {
	Scope        Scope     `json:"scope"`
	Version      int64     `json:"version"`
	ProvenLevels []Level   `json:"proven_levels"`
	Delta        int       `json:"delta"`
	Timestamp    time.Time `json:"timestamp"`
}

// Proves reports whether the checkpoint claims level l held.
func (c Checkpoint) Proves(l Level) bool {
	for _, p := range c.ProvenLevels {
		if p == l {
			return true
		}
	}
	return false
}
