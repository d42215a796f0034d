package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	ddbprov "github.com/dwsmith1983/nightrun/internal/provider/dynamodb"
)

// NewReportCmd creates the report command.
func NewReportCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Show a stored run report",
		Long:  "Report prints a run report from the ledger and exits with the run's exit code.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showReport(cmd, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw report")
	return cmd
}

func showReport(cmd *cobra.Command, runID string, asJSON bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Ledger.TableName == "" {
		return fmt.Errorf("no run ledger configured (ledger.tableName)")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	ledger, err := ddbprov.New(ctx, &cfg.Ledger)
	if err != nil {
		return err
	}
	report, err := ledger.GetReport(ctx, runID)
	if err != nil {
		return err
	}
	if report == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), *report)
	}
	return exitFor(report.ExitCode())
}
