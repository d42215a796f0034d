package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/nightrun/internal/artifact"
	intlambda "github.com/dwsmith1983/nightrun/internal/lambda"
	ddbprov "github.com/dwsmith1983/nightrun/internal/provider/dynamodb"
	"github.com/dwsmith1983/nightrun/internal/server"
	"github.com/dwsmith1983/nightrun/internal/server/handlers"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the consumer read API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; overrides server.addr")
	return cmd
}

func runServe(cmd *cobra.Command, addr string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level, _ := cmd.Flags().GetString("log-level")
	logger := intlambda.NewLogger(level)
	if addr == "" {
		addr = cfg.Server.Addr
	}

	ctx := cmd.Context()
	cache, err := openCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer cache.Close()

	var locator handlers.ArtifactLocator
	if cfg.Artifacts.Bucket != "" {
		opts := []artifact.Option{artifact.WithPrefix(cfg.Artifacts.Prefix)}
		if cfg.Artifacts.Endpoint != "" {
			opts = append(opts, artifact.WithEndpoint(cfg.Artifacts.Endpoint))
		}
		store, err := artifact.New(cfg.Artifacts.Bucket, opts...)
		if err != nil {
			return err
		}
		locator = store
	}

	opts := []server.Option{server.WithAPIKey(cfg.Server.APIKey), server.WithLogger(logger)}
	if cfg.Ledger.TableName != "" {
		ledger, err := ddbprov.New(ctx, &cfg.Ledger)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithReports(ledger))
	}
	srv := server.New(addr, cache, locator, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		color.Yellow("\nReceived %s, shutting down...", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		color.Green("Server stopped gracefully")
		return nil
	}
}
