package provider

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoRowsAffected marks a write that was expected to touch a row but did not.
	ErrNoRowsAffected = errors.New("no rows affected")
	// ErrSchemaMismatch marks a write against a store lacking a column or table.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrNotAvailable is returned to consumers for rows that are absent or not completed.
	ErrNotAvailable = errors.New("not available")
	// ErrReportExists is returned when a run report is written twice.
	ErrReportExists = errors.New("run report already exists")
)

// RowCountError reports a write whose affected-row count was not what the
// caller required.
type RowCountError struct {
	Op   string
	Key  string
	Want int64
	Got  int64
}

func (e *RowCountError) Error() string {
	return fmt.Sprintf("%s %s: expected %d row(s) affected, got %d", e.Op, e.Key, e.Want, e.Got)
}

// Unwrap lets errors.Is match ErrNoRowsAffected when nothing was touched.
func (e *RowCountError) Unwrap() error {
	if e.Got == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// SchemaMismatchError reports a column the code writes but the store lacks.
type SchemaMismatchError struct {
	Op      string
	Columns []string
	Cause   error
}

func (e *SchemaMismatchError) Error() string {
	msg := fmt.Sprintf("schema mismatch during %s", e.Op)
	if len(e.Columns) > 0 {
		msg += fmt.Sprintf(": missing column(s) %v", e.Columns)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// MissingColumns returns the entries of want absent from have, sorted.
func MissingColumns(want, have []string) []string {
	present := make(map[string]bool, len(have))
	for _, c := range have {
		present[c] = true
	}
	var missing []string
	for _, c := range want {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	sort.Strings(missing)
	return missing
}
