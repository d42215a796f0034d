package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one generation pass for an as-of date",
		Long: `Run lists the work items for the as-of date, fans them out to workers and
prints the run report. The exit code is 0 when every item succeeded, 1 when
some items failed and 2 when the run itself could not proceed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, date)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "as-of date (YYYY-MM-DD); defaults to today in the configured zone")
	return cmd
}

func runOnce(cmd *cobra.Command, date string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.Background()) }()

	report, err := d.Orchestrator.Run(ctx, types.TriggerRequest{AsOfDate: date, RunSource: types.SourceManual})
	printReport(cmd.OutOrStdout(), report)
	if err != nil {
		d.Logger.Error("run failed", "run_id", report.RunID, "error", err)
	}
	return exitFor(report.ExitCode())
}
