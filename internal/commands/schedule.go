package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/nightrun/internal/schedule"
)

// NewScheduleCmd creates the schedule command.
func NewScheduleCmd() *cobra.Command {
	var spec string
	var now bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the nightly pass on a cron schedule in the configured zone",
		Long: `Schedule keeps the process alive and starts a run on every tick of the cron
expression, evaluated in the configured timezone. A tick that arrives while
the previous run is still going is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchedule(cmd, spec, now)
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron expression; overrides schedule.cron")
	cmd.Flags().BoolVar(&now, "now", false, "also run once at startup")
	return cmd
}

func runSchedule(cmd *cobra.Command, spec string, now bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.Background()) }()

	if spec == "" {
		spec = d.Config.Schedule.Cron
	}
	if spec == "" {
		spec = "0 2 * * *"
	}
	trig, err := schedule.NewTrigger(ctx, spec, d.Clock, d.Orchestrator.Run, d.Logger)
	if err != nil {
		return err
	}
	if now {
		trig.RunNow(ctx)
	}
	trig.Start()
	color.Cyan("Scheduled %q in %s; Ctrl-C to stop", spec, d.Clock.Location())

	<-ctx.Done()
	color.Yellow("\nStopping schedule, waiting for a running pass...")
	trig.Stop()
	return nil
}
