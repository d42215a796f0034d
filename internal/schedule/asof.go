// Package schedule derives the as-of date of a run and drives the local
// cron trigger.
package schedule

import (
	"fmt"
	"time"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Clock derives "today" from one explicitly configured zone. The system
// zone is never consulted.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock returns a clock for the named IANA zone. An empty name is an
// error: the zone must be configured.
func NewClock(timezone string) (*Clock, error) {
	if timezone == "" {
		return nil, fmt.Errorf("timezone is required")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

// WithNow returns a copy of c reading time from now.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	cp := *c
	cp.now = now
	return &cp
}

// Location returns the configured zone.
func (c *Clock) Location() *time.Location { return c.loc }

// Today returns the current date in the configured zone.
func (c *Clock) Today() string {
	return c.now().In(c.loc).Format(types.DateLayout)
}

// Normalize fills in a missing as-of date and run source and validates
// the result.
func (c *Clock) Normalize(req types.TriggerRequest) (types.TriggerRequest, error) {
	if req.AsOfDate == "" {
		req.AsOfDate = c.Today()
	}
	if err := types.ValidateDate(req.AsOfDate); err != nil {
		return req, err
	}
	switch req.RunSource {
	case "":
		req.RunSource = types.SourceManual
	case types.SourceScheduled, types.SourceManual:
	default:
		return req, fmt.Errorf("unknown run_source %q", req.RunSource)
	}
	return req, nil
}
