package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewVerifyCmd creates the verify command.
func NewVerifyCmd() *cobra.Command {
	var date, ids string
	var resume bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every invariant level for a scope",
		Long: `Verify scans levels 4 (configuration) down to 0 (user-visible) for the
as-of date, optionally narrowed to a comma-separated list of identifiers.
With --resume the latest stored checkpoint is used to cheapen levels it
proved. Exits 1 when any violation is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, date, ids, resume)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "as-of date (YYYY-MM-DD); defaults to today")
	cmd.Flags().StringVar(&ids, "ids", "", "comma-separated identifiers to scope to")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the latest checkpoint")
	return cmd
}

func runVerify(cmd *cobra.Command, date, ids string, resume bool) error {
	ctx := cmd.Context()
	d, err := buildDeps(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.Background()) }()

	scope, err := scopeFromFlags(date, ids, d.Clock.Today())
	if err != nil {
		return err
	}
	verify := d.Verifier.Verify
	if resume {
		verify = d.Verifier.ResumeLatest
	}
	scan, err := verify(ctx, scope)
	if err != nil {
		return err
	}
	printScan(cmd.OutOrStdout(), scan)
	if !scan.Converged() {
		return exitFor(1)
	}
	return nil
}

// NewReconcileCmd creates the reconcile command.
func NewReconcileCmd() *cobra.Command {
	var date, ids string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair invariant violations for a scope, then verify",
		Long: `Reconcile scans every level, applies fixes from level 4 down to 0 and
re-dispatches the items whose content or artifact is missing. A final
verification reports whether the scope converged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, date, ids)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "as-of date (YYYY-MM-DD); defaults to today")
	cmd.Flags().StringVar(&ids, "ids", "", "comma-separated identifiers to scope to")
	return cmd
}

func runReconcile(cmd *cobra.Command, date, ids string) error {
	ctx := cmd.Context()
	d, err := buildDeps(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.Background()) }()

	scope, err := scopeFromFlags(date, ids, d.Clock.Today())
	if err != nil {
		return err
	}
	fixes, err := d.Verifier.Reconcile(ctx, scope)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, f := range fixes {
		if f.Applied() {
			color.New(color.FgGreen).Fprintf(out, "L%d %-18s %-10s %s\n", int(f.Level), f.Kind, f.Action, f.Target)
			continue
		}
		color.New(color.FgRed).Fprintf(out, "L%d %-18s %-10s %s: %s\n", int(f.Level), f.Kind, f.Action, f.Target, f.Err)
	}

	scan, err := d.Verifier.Verify(ctx, scope)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printScan(out, scan)
	if !scan.Converged() {
		return exitFor(1)
	}
	return nil
}
