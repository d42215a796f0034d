package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/nightrun/internal/verifier"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

func init() { color.NoColor = true }

func TestScopeFromFlags(t *testing.T) {
	scope, err := scopeFromFlags("", " AAPL, ,MSFT ", "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", scope.AsOfDate)
	assert.Equal(t, []string{"AAPL", "MSFT"}, scope.Identifiers)

	scope, err = scopeFromFlags("2026-03-13", "", "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-13", scope.AsOfDate)
	assert.Empty(t, scope.Identifiers)

	_, err = scopeFromFlags("13/03/2026", "", "2026-03-14")
	assert.Error(t, err)
}

func TestExitFor(t *testing.T) {
	assert.NoError(t, exitFor(0))
	err := exitFor(types.ExitItemsFailed)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.Code)
}

func TestPrintReport(t *testing.T) {
	ref := "AAPL/2026-03-14/a.pdf"
	report := types.RunReport{
		RunID:     "01J",
		AsOfDate:  "2026-03-14",
		RunSource: types.SourceManual,
		Results: map[string]types.ItemResult{
			"AAPL": {Status: types.ResultSuccess, ArtifactReference: &ref},
			"MSFT": {Status: types.ResultSuccess},
			"TSLA": {Status: types.ResultFailed, Category: types.FailureContentGeneration, Error: "generator returned 500"},
		},
		Aggregate: types.Aggregate{Succeeded: 2, Failed: 1, Total: 3},
		InfraCheck: &types.InvariantCheckResult{
			Level:      types.LevelInfrastructure,
			Violations: []string{"cache ping failed"},
		},
	}
	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "succeeded 2  failed 1")
	assert.Contains(t, out, "artifacts missing: 1")
	assert.Contains(t, out, "infrastructure check passed=false")
	assert.Contains(t, out, "cache ping failed")
	assert.Contains(t, out, "TSLA")
	assert.Contains(t, out, "CONTENT_GENERATION")
	assert.NotContains(t, out, "AAPL ")
}

func TestPrintReport_OrchestrationError(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, types.RunReport{RunID: "01J", Error: "listing unavailable"})
	assert.Contains(t, buf.String(), "orchestration failed: listing unavailable")
}

func TestPrintScan(t *testing.T) {
	scan := verifier.Scan{
		Levels: []types.InvariantCheckResult{
			{Level: types.LevelConfiguration, Passed: true},
			{Level: types.LevelData, Passed: false, Violations: []string{"MSFT#2026-03-14 missing row"}},
		},
		Delta: 1,
	}
	var buf bytes.Buffer
	printScan(&buf, scan)
	out := buf.String()
	assert.Contains(t, out, "L4 configuration")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "MSFT#2026-03-14 missing row")
	assert.Contains(t, out, "delta 1")
}

func testCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	AddConfigFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_FileAndDotenv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nightrun.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("timezone: America/New_York\nconcurrency: 10\n"), 0o644))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CONCURRENCY=12\n"), 0o644))

	// godotenv does not override variables that are already set.
	t.Setenv("CONCURRENCY", "")
	require.NoError(t, os.Unsetenv("CONCURRENCY"))

	cfg, err := loadConfig(testCmd(t, "--config", cfgPath, "--env-file", envPath))
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, 12, cfg.Concurrency)
}

func TestLoadConfig_MissingFilesAreFine(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(testCmd(t,
		"--config", filepath.Join(dir, "absent.yaml"),
		"--env-file", filepath.Join(dir, "absent.env"),
	))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Concurrency)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nightrun.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("timezone: Nowhere/Land\n"), 0o644))
	_, err := loadConfig(testCmd(t, "--config", cfgPath, "--env-file", ""))
	assert.Error(t, err)
}
