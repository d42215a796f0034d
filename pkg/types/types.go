package types

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage format of an as-of date.
const DateLayout = "2006-01-02"

// ValidateDate reports whether s is a well-formed as-of date.
func ValidateDate(s string) error {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return fmt.Errorf("invalid as_of_date %q: want YYYY-MM-DD", s)
	}
	return nil
}

// WorkItem is one unit of batch work. It is a parameter, not a stored entity.
type WorkItem struct {
	Identifier string `json:"identifier"`
	AsOfDate   string `json:"as_of_date"`
}

// Key returns the cache key of the item.
func (w WorkItem) Key() string { return w.Identifier + "#" + w.AsOfDate }

// CacheRow is the cached result for one (identifier, as_of_date) pair.
// Once Status is completed, Content is non-nil.
type CacheRow struct {
	Identifier          string      `json:"identifier"`
	AsOfDate            string      `json:"as_of_date"`
	Status              CacheStatus `json:"status"`
	Content             []byte      `json:"content,omitempty"`
	ArtifactReference   *string     `json:"artifact_reference"`
	ArtifactGeneratedAt *time.Time  `json:"artifact_generated_at"`
	ComputedAt          time.Time   `json:"computed_at"`
	ErrorMessage        *string     `json:"error_message"`
	RunID               string      `json:"run_id,omitempty"`
}

// Item returns the work item the row belongs to.
func (r CacheRow) Item() WorkItem {
	return WorkItem{Identifier: r.Identifier, AsOfDate: r.AsOfDate}
}

// CacheColumns is the exact column set the worker write path assumes
// exists. A store missing any of these is a schema-contract violation.
var CacheColumns = []string{
	"identifier",
	"as_of_date",
	"status",
	"content",
	"artifact_reference",
	"artifact_generated_at",
	"computed_at",
	"error_message",
	"run_id",
}

// Instrument is one entry of the tracked instrument universe.
type Instrument struct {
	Identifier string `yaml:"identifier" json:"identifier"`
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled    *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the instrument participates in runs. Entries
// without an explicit flag are enabled.
func (i Instrument) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// Universe is the registry file format.
type Universe struct {
	Expected    int          `yaml:"expected" json:"expected"`
	Instruments []Instrument `yaml:"instruments" json:"instruments"`
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }
