// Package metrics exposes process counters via expvar and the pipeline's
// OpenTelemetry instruments.
package metrics

import "expvar"

var (
	RunsStarted       = expvar.NewInt("runs_started")
	RunsFatal         = expvar.NewInt("runs_fatal")
	ItemsDispatched   = expvar.NewInt("items_dispatched")
	ItemsFailed       = expvar.NewInt("items_failed")
	ArtifactsFailed   = expvar.NewInt("artifacts_failed")
	ReconcileFixes    = expvar.NewInt("reconcile_fixes")
	EventsPublished   = expvar.NewInt("events_published")
	SaturationChecks  = expvar.NewInt("saturation_checks")
	ConsumerNotServed = expvar.NewInt("consumer_not_available")
)
