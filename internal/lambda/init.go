package lambda

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dwsmith1983/nightrun/internal/artifact"
	"github.com/dwsmith1983/nightrun/internal/collab"
	"github.com/dwsmith1983/nightrun/internal/config"
	"github.com/dwsmith1983/nightrun/internal/dispatch"
	"github.com/dwsmith1983/nightrun/internal/lister"
	"github.com/dwsmith1983/nightrun/internal/metrics"
	"github.com/dwsmith1983/nightrun/internal/notify"
	"github.com/dwsmith1983/nightrun/internal/orchestrator"
	"github.com/dwsmith1983/nightrun/internal/provider"
	ddbprov "github.com/dwsmith1983/nightrun/internal/provider/dynamodb"
	"github.com/dwsmith1983/nightrun/internal/provider/postgres"
	"github.com/dwsmith1983/nightrun/internal/registry"
	"github.com/dwsmith1983/nightrun/internal/schedule"
	"github.com/dwsmith1983/nightrun/internal/verifier"
	"github.com/dwsmith1983/nightrun/internal/worker"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Deps holds shared dependencies for Lambda handlers and the CLI.
type Deps struct {
	Config       *config.Config
	Logger       *slog.Logger
	Instruments  *metrics.Instruments
	Clock        *schedule.Clock
	Cache        *postgres.Store
	Ledger       *ddbprov.Ledger
	Artifacts    *artifact.Store
	Registry     *registry.Registry
	Worker       *worker.Worker
	Invoker      dispatch.Invoker
	Lister       lister.Lister
	Notifier     notify.Notifier
	Verifier     *verifier.Verifier
	Orchestrator *orchestrator.Orchestrator

	shutdown []func(context.Context) error
}

// Init creates shared dependencies from environment variables.
func Init(ctx context.Context) (*Deps, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, NewLogger(envOrDefault("LOG_LEVEL", "info")))
}

// NewLogger returns the JSON logger every entry point uses.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Build wires every component from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Logger: logger}

	shutdown, err := metrics.Setup(ctx, "nightrun")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	d.shutdown = append(d.shutdown, shutdown)
	d.Instruments = metrics.Default()

	if d.Clock, err = schedule.NewClock(cfg.Timezone); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	secrets := secretsmanager.NewFromConfig(awsCfg)

	dsn, err := cfg.ResolveDSN(ctx, secrets)
	if err != nil {
		return nil, err
	}
	if d.Cache, err = postgres.New(ctx, dsn, postgres.WithMaxConns(int32(cfg.Cache.MaxConns))); err != nil {
		return nil, fmt.Errorf("creating cache store: %w", err)
	}
	d.shutdown = append(d.shutdown, func(context.Context) error { d.Cache.Close(); return nil })

	var reports provider.ReportStore
	if cfg.Ledger.TableName != "" {
		if d.Ledger, err = ddbprov.New(ctx, &cfg.Ledger); err != nil {
			return nil, fmt.Errorf("creating run ledger: %w", err)
		}
		if cfg.Ledger.CreateTable {
			if err := d.Ledger.Start(ctx); err != nil {
				return nil, fmt.Errorf("starting run ledger: %w", err)
			}
		}
		reports = d.Ledger
	}

	if cfg.Artifacts.Bucket != "" {
		opts := []artifact.Option{artifact.WithPrefix(cfg.Artifacts.Prefix)}
		if cfg.Artifacts.Endpoint != "" {
			opts = append(opts, artifact.WithEndpoint(cfg.Artifacts.Endpoint))
		}
		if d.Artifacts, err = artifact.New(cfg.Artifacts.Bucket, opts...); err != nil {
			return nil, fmt.Errorf("creating artifact store: %w", err)
		}
	}

	if d.Worker, err = buildWorker(cfg, d.Cache, d.Artifacts, logger, d.Instruments); err != nil {
		return nil, err
	}

	d.Invoker, err = buildInvoker(cfg, awsCfg, d.Worker)
	if err != nil {
		return nil, err
	}

	if d.Registry, err = registry.LoadFile(cfg.RegistryPath); err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	switch cfg.Lister {
	case types.ListerPending:
		d.Lister = lister.NewPending(d.Registry, d.Cache, cfg.StaleAfter)
	default:
		d.Lister = lister.NewStatic(d.Registry)
	}

	if cfg.Notify.EventBus != "" {
		if d.Notifier, err = notify.NewEventBridge(ctx, cfg.Notify.EventBus); err != nil {
			return nil, fmt.Errorf("creating notifier: %w", err)
		}
	} else {
		d.Notifier = notify.Log{Logger: logger}
	}

	// The verifier always scopes to the full universe; a pending lister
	// would hide completed rows from the artifact checks.
	d.Verifier = verifier.New(d.Cache, lister.NewStatic(d.Registry), verifierOptions(cfg, awsCfg, secrets, d)...)

	var orchOpts []orchestrator.Option
	if reports != nil {
		orchOpts = append(orchOpts, orchestrator.WithReports(reports))
	}
	d.Orchestrator, err = orchestrator.New(d.Lister, d.Invoker, orchestrator.Config{
		Concurrency: cfg.Concurrency,
		Stagger:     cfg.DispatchStagger,
		ItemTimeout: cfg.ItemTimeout,
		Mode:        cfg.Dispatch.Mode,
	}, append(orchOpts,
		orchestrator.WithNotifier(d.Notifier),
		orchestrator.WithInfraCheck(d.Verifier),
		orchestrator.WithToday(d.Clock),
		orchestrator.WithLogger(logger),
		orchestrator.WithInstruments(d.Instruments),
	)...)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	return d, nil
}

// Reports returns the run ledger, or nil when none is configured.
func (d *Deps) Reports() provider.ReportStore {
	if d.Ledger == nil {
		return nil
	}
	return d.Ledger
}

// Close releases pools and flushes telemetry.
func (d *Deps) Close(ctx context.Context) error {
	var first error
	for i := len(d.shutdown) - 1; i >= 0; i-- {
		if err := d.shutdown[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func buildWorker(cfg *config.Config, cache provider.CacheStore, store *artifact.Store, logger *slog.Logger, in *metrics.Instruments) (*worker.Worker, error) {
	gen, err := collab.NewHTTPGenerator(cfg.Collab.ContentURL, cfg.Collab.Timeout)
	if err != nil {
		return nil, err
	}
	opts := []worker.Option{
		worker.WithConfig(worker.Config{
			ItemTimeout:          cfg.ItemTimeout,
			SaturationFraction:   cfg.SaturationFraction,
			ArtifactTimeout:      cfg.ArtifactTimeout,
			BreakerFailThreshold: cfg.Breaker.FailThreshold,
			BreakerCooldown:      cfg.Breaker.Cooldown,
		}),
		worker.WithLogger(logger),
		worker.WithInstruments(in),
	}
	if cfg.Collab.RenderURL != "" && store != nil {
		r, err := collab.NewHTTPRenderer(cfg.Collab.RenderURL, cfg.ArtifactTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, worker.WithArtifacts(r, store))
	}
	return worker.New(cache, gen, opts...), nil
}

func buildInvoker(cfg *config.Config, awsCfg aws.Config, w *worker.Worker) (dispatch.Invoker, error) {
	switch cfg.Dispatch.Mode {
	case types.DispatchLocal:
		return dispatch.NewLocal(w), nil
	case types.DispatchLambda:
		return dispatch.NewLambda(awslambda.NewFromConfig(awsCfg), cfg.Dispatch.WorkerFunction), nil
	case types.DispatchQueue:
		return dispatch.NewQueue(sqs.NewFromConfig(awsCfg), cfg.Dispatch.QueueURL), nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Dispatch.Mode)
	}
}

func verifierOptions(cfg *config.Config, awsCfg aws.Config, secrets *secretsmanager.Client, d *Deps) []verifier.Option {
	settings := []verifier.Probe{
		verifier.SettingProbe("timezone", cfg.Timezone),
		verifier.SettingProbe("content generator URL", cfg.Collab.ContentURL),
	}
	if cfg.Cache.SecretARN != "" {
		settings = append(settings, verifier.SecretProbe(secrets, cfg.Cache.SecretARN))
	}
	if cfg.Schedule.Name != "" {
		settings = append(settings, verifier.ScheduleProbe(scheduler.NewFromConfig(awsCfg), cfg.Schedule.Name, cfg.Schedule.Group))
	}

	var infra []verifier.Probe
	if q, ok := d.Invoker.(*dispatch.Queue); ok {
		infra = append(infra, verifier.Probe{Name: "work queue", Check: q.Reachable})
	}
	if d.Ledger != nil {
		infra = append(infra, verifier.Probe{Name: "run ledger", Check: d.Ledger.Ping})
	}

	opts := []verifier.Option{
		verifier.WithInvoker(d.Invoker, cfg.Dispatch.Mode),
		verifier.WithConfigProbes(settings...),
		verifier.WithInfraProbes(infra...),
		verifier.WithStaleAfter(cfg.StaleAfter),
		verifier.WithCheckpointMaxAge(cfg.CheckpointMaxAge),
		verifier.WithLogger(d.Logger),
		verifier.WithInstruments(d.Instruments),
	}
	if d.Artifacts != nil {
		opts = append(opts, verifier.WithArtifacts(d.Artifacts))
	}
	if d.Ledger != nil {
		opts = append(opts, verifier.WithCheckpoints(d.Ledger))
	}
	return opts
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
