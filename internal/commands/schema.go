package commands

import (
	"context"
	"errors"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/nightrun/internal/provider"
)

// NewSchemaCheckCmd creates the schema-check command.
func NewSchemaCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema-check",
		Short: "Compare the deployed cache table with the columns the write path needs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchemaCheck(cmd)
		},
	}
}

func runSchemaCheck(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.CheckSchema(ctx)
	var mismatch *provider.SchemaMismatchError
	if errors.As(err, &mismatch) {
		color.New(color.FgRed).Fprintf(cmd.OutOrStdout(), "schema mismatch, missing columns: %v\n", mismatch.Columns)
		color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), "run `nightrun migrate` to add them")
		return exitFor(1)
	}
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "schema ok")
	return nil
}

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the cache table and add missing columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			store, err := openCache(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "cache schema migrated")
			return nil
		},
	}
}
