package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/nightrun/internal/commands"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "nightrun",
		Short: "Nightly fan-out content generation with a provable cache",
		Long: `nightrun generates per-instrument content every night: it lists the work
items for an as-of date, dispatches each one to an isolated worker under a
concurrency ceiling, caches the results without ever reverting completed
rows, and can prove afterwards that every item reached a terminal state.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	commands.AddConfigFlags(root)

	root.AddCommand(
		commands.NewRunCmd(),
		commands.NewReportCmd(),
		commands.NewVerifyCmd(),
		commands.NewReconcileCmd(),
		commands.NewSchemaCheckCmd(),
		commands.NewMigrateCmd(),
		commands.NewServeCmd(),
		commands.NewScheduleCmd(),
	)

	if err := root.Execute(); err != nil {
		var exit *commands.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(types.ExitOrchestration)
	}
}
