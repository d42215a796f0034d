// Package commands implements the CLI subcommands for the nightrun binary.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"text/tabwriter"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/nightrun/internal/config"
	intlambda "github.com/dwsmith1983/nightrun/internal/lambda"
	"github.com/dwsmith1983/nightrun/internal/provider/postgres"
	"github.com/dwsmith1983/nightrun/internal/verifier"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// AddConfigFlags registers the flags every subcommand reads.
func AddConfigFlags(root *cobra.Command) {
	root.PersistentFlags().String("config", config.DefaultFile, "path to the config file")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
}

// loadConfig loads the dotenv file, if any, and then the config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// buildDeps loads config and wires every component.
func buildDeps(ctx context.Context, cmd *cobra.Command) (*intlambda.Deps, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	level, _ := cmd.Flags().GetString("log-level")
	return intlambda.Build(ctx, cfg, intlambda.NewLogger(level))
}

// openCache connects to the cache store only. The secrets client is created
// only when the DSN has to come from Secrets Manager.
func openCache(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	var client config.SecretsAPI
	if cfg.Cache.DSN == "" && cfg.Cache.SecretARN != "" {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(awsCfg)
	}
	dsn, err := cfg.ResolveDSN(ctx, client)
	if err != nil {
		return nil, err
	}
	return postgres.New(ctx, dsn, postgres.WithMaxConns(int32(cfg.Cache.MaxConns)))
}

// scopeFromFlags builds a verification scope. An empty date falls back to
// today in the configured zone.
func scopeFromFlags(date, ids, today string) (types.Scope, error) {
	if date == "" {
		date = today
	}
	scope := types.Scope{AsOfDate: date}
	for _, id := range strings.Split(ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			scope.Identifiers = append(scope.Identifiers, id)
		}
	}
	return scope, types.ValidateDate(scope.AsOfDate)
}

func statusColor(ok bool) *color.Color {
	if ok {
		return color.New(color.FgGreen)
	}
	return color.New(color.FgRed)
}

// printReport writes a run report as a summary line and a table of
// failed items.
func printReport(w io.Writer, r types.RunReport) {
	fmt.Fprintf(w, "Run %s  as-of %s  source %s\n", r.RunID, r.AsOfDate, r.RunSource)
	switch {
	case r.Error != "":
		statusColor(false).Fprintf(w, "  orchestration failed: %s\n", r.Error)
	case r.NoWork:
		color.New(color.FgYellow).Fprintln(w, "  no work items")
	}
	a := r.Aggregate
	statusColor(a.Failed == 0).Fprintf(w, "  succeeded %d  failed %d  accepted %d  total %d\n",
		a.Succeeded, a.Failed, a.Accepted, a.Total)
	if r.ArtifactsMissing() > 0 {
		color.New(color.FgYellow).Fprintf(w, "  artifacts missing: %d\n", r.ArtifactsMissing())
	}
	if r.InfraCheck != nil {
		statusColor(r.InfraCheck.Passed).Fprintf(w, "  infrastructure check passed=%t\n", r.InfraCheck.Passed)
		for _, v := range r.InfraCheck.Violations {
			fmt.Fprintf(w, "    - %s\n", v)
		}
	}

	var failed []string
	for id, res := range r.Results {
		if res.Status == types.ResultFailed {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return
	}
	sort.Strings(failed)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  IDENTIFIER\tCATEGORY\tERROR")
	for _, id := range failed {
		res := r.Results[id]
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", id, res.Category, res.Error)
	}
	_ = tw.Flush()
}

// printScan writes the per-level outcome of a verification scan.
func printScan(w io.Writer, s verifier.Scan) {
	for _, res := range s.Levels {
		statusColor(res.Passed).Fprintf(w, "L%d %-15s %s\n", int(res.Level), res.Level, passFail(res.Passed))
		for _, v := range res.Violations {
			fmt.Fprintf(w, "    - %s\n", v)
		}
	}
	statusColor(s.Converged()).Fprintf(w, "delta %d\n", s.Delta)
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func exitFor(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}
