// Package types defines the public domain types for the nightrun batch pipeline.
package types

// CacheStatus is the lifecycle state of a cache row.
type CacheStatus string

// CacheStatus values enumerate the cache row lifecycle.
const (
	CachePending    CacheStatus = "pending"
	CacheInProgress CacheStatus = "in_progress"
	CacheCompleted  CacheStatus = "completed"
	CacheFailed     CacheStatus = "failed"
)

// ResultStatus is the terminal status a worker reports to its caller.
type ResultStatus string

// ResultStatus values. Accepted is only produced by queued dispatch, which
// acknowledges delivery rather than completion.
const (
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
	ResultAccepted ResultStatus = "accepted"
)

// RunSource records what started a run.
type RunSource string

const (
	SourceScheduled RunSource = "scheduled"
	SourceManual    RunSource = "manual"
)

// FailureCategory classifies why an item (or its artifact) failed.
type FailureCategory string

const (
	FailureContentGeneration  FailureCategory = "CONTENT_GENERATION"
	FailureEmptyContent       FailureCategory = "EMPTY_CONTENT"
	FailureCacheWrite         FailureCategory = "CACHE_WRITE"
	FailureSchemaMismatch     FailureCategory = "SCHEMA_MISMATCH"
	FailureResourceSaturation FailureCategory = "RESOURCE_SATURATION"
	FailureArtifact           FailureCategory = "ARTIFACT"
	FailureDispatch           FailureCategory = "DISPATCH"
	FailureInternal           FailureCategory = "INTERNAL"
)

// Exit codes for batch tooling querying a run report.
const (
	ExitAllSucceeded  = 0
	ExitItemsFailed   = 1
	ExitOrchestration = 2
)

// Level is an invariant hierarchy level. Higher levels are prerequisites
// of lower ones: configuration (4) must hold before infrastructure (3) is
// meaningful to check, and so on down to the user-visible outcome (0).
type Level int

const (
	LevelUserVisible    Level = 0
	LevelService        Level = 1
	LevelData           Level = 2
	LevelInfrastructure Level = 3
	LevelConfiguration  Level = 4
)

// AllLevels lists levels in dependency order (checked and reconciled first to last).
var AllLevels = []Level{LevelConfiguration, LevelInfrastructure, LevelData, LevelService, LevelUserVisible}

func (l Level) String() string {
	switch l {
	case LevelConfiguration:
		return "configuration"
	case LevelInfrastructure:
		return "infrastructure"
	case LevelData:
		return "data"
	case LevelService:
		return "service"
	case LevelUserVisible:
		return "user-visible"
	default:
		return "unknown"
	}
}

// DispatchMode selects how the orchestrator reaches a worker.
type DispatchMode string

const (
	DispatchLocal  DispatchMode = "local"
	DispatchLambda DispatchMode = "lambda"
	DispatchQueue  DispatchMode = "queue"
)

// ListerKind selects the work item source.
type ListerKind string

const (
	ListerStatic  ListerKind = "static"
	ListerPending ListerKind = "pending"
)
