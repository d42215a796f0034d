package dynamodb

import "time"

const (
	prefixRun   = "RUN#"
	prefixDate  = "DATE#"
	prefixScope = "SCOPE#"

	skReport     = "REPORT"
	skCheckpoint = "CHECKPOINT"

	gsi1 = "GSI1"
)

func runPK(runID string) string   { return prefixRun + runID }
func datePK(date string) string   { return prefixDate + date }
func scopePK(scope string) string { return prefixScope + scope }
func reportSK() string            { return skReport }
func checkpointSK() string        { return skCheckpoint }

// reportListSK sorts reports for a date by start time.
func reportListSK(startedAt time.Time, runID string) string {
	return prefixRun + startedAt.UTC().Format(time.RFC3339Nano) + "#" + runID
}

func ttlEpoch(now time.Time, d time.Duration) int64 {
	return now.Add(d).Unix()
}
