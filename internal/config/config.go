// Package config loads nightrun.yaml, applies environment overrides, and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	ddbprov "github.com/dwsmith1983/nightrun/internal/provider/dynamodb"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// DefaultFile is the config file the CLI looks for.
const DefaultFile = "nightrun.yaml"

// CacheConfig configures the Postgres cache store.
type CacheConfig struct {
	DSN           string `yaml:"dsn,omitempty"`
	SecretARN     string `yaml:"secretArn,omitempty"`
	MaxConns      int    `yaml:"maxConns"`
	ReservedConns int    `yaml:"reservedConns"`
}

// ArtifactConfig configures the S3 artifact store.
type ArtifactConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// DispatchConfig selects how workers are reached.
type DispatchConfig struct {
	Mode           types.DispatchMode `yaml:"mode"`
	WorkerFunction string             `yaml:"workerFunction,omitempty"`
	QueueURL       string             `yaml:"queueUrl,omitempty"`
}

// CollabConfig points at the external collaborators.
type CollabConfig struct {
	ContentURL string        `yaml:"contentUrl"`
	RenderURL  string        `yaml:"renderUrl,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// NotifyConfig configures run completion events.
type NotifyConfig struct {
	EventBus string `yaml:"eventBus,omitempty"`
}

// ScheduleConfig describes the nightly trigger.
type ScheduleConfig struct {
	Name  string `yaml:"name,omitempty"`
	Group string `yaml:"group,omitempty"`
	Cron  string `yaml:"cron,omitempty"`
}

// BreakerConfig configures the artifact circuit breaker.
type BreakerConfig struct {
	FailThreshold uint32        `yaml:"failThreshold"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// ServerConfig configures the consumer read API.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"apiKey,omitempty"`
}

// Config is the full nightrun configuration.
type Config struct {
	Timezone           string           `yaml:"timezone"`
	RegistryPath       string           `yaml:"registryPath"`
	Lister             types.ListerKind `yaml:"lister"`
	Concurrency        int              `yaml:"concurrency"`
	DispatchStagger    time.Duration    `yaml:"dispatchStagger"`
	ItemTimeout        time.Duration    `yaml:"itemTimeout"`
	ArtifactTimeout    time.Duration    `yaml:"artifactTimeout"`
	StaleAfter         time.Duration    `yaml:"staleAfter"`
	SaturationFraction float64          `yaml:"saturationFraction"`
	CheckpointMaxAge   time.Duration    `yaml:"checkpointMaxAge"`
	Region             string           `yaml:"region,omitempty"`

	Cache     CacheConfig    `yaml:"cache"`
	Artifacts ArtifactConfig `yaml:"artifacts"`
	Ledger    ddbprov.Config `yaml:"ledger"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Collab    CollabConfig   `yaml:"collab"`
	Notify    NotifyConfig   `yaml:"notify"`
	Schedule  ScheduleConfig `yaml:"schedule"`
	Breaker   BreakerConfig  `yaml:"breaker"`
	Server    ServerConfig   `yaml:"server"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Timezone:           "UTC",
		RegistryPath:       "instruments.yaml",
		Lister:             types.ListerStatic,
		Concurrency:        30,
		DispatchStagger:    100 * time.Millisecond,
		ItemTimeout:        10 * time.Minute,
		ArtifactTimeout:    2 * time.Minute,
		StaleAfter:         30 * time.Minute,
		SaturationFraction: 0.9,
		CheckpointMaxAge:   24 * time.Hour,
		Cache:              CacheConfig{MaxConns: 40, ReservedConns: 5},
		Ledger:             ddbprov.Config{RetentionTTL: "2160h"},
		Dispatch:           DispatchConfig{Mode: types.DispatchLocal},
		Collab:             CollabConfig{Timeout: 5 * time.Minute},
		Breaker:            BreakerConfig{FailThreshold: 5, Cooldown: time.Minute},
		Server:             ServerConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file is not an error: environment-only deployments
// are valid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from the defaults and the environment
// only. Lambda handlers use it.
func FromEnv() (*Config, error) { return Load("") }

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("TIMEZONE", &c.Timezone)
	str("REGISTRY_PATH", &c.RegistryPath)
	if v := os.Getenv("LISTER"); v != "" {
		c.Lister = types.ListerKind(v)
	}
	num("CONCURRENCY", &c.Concurrency)
	dur("DISPATCH_STAGGER", &c.DispatchStagger)
	dur("ITEM_TIMEOUT", &c.ItemTimeout)
	dur("ARTIFACT_TIMEOUT", &c.ArtifactTimeout)
	dur("STALE_AFTER", &c.StaleAfter)
	dur("CHECKPOINT_MAX_AGE", &c.CheckpointMaxAge)
	if v := os.Getenv("SATURATION_FRACTION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SATURATION_FRACTION: %w", err))
		} else {
			c.SaturationFraction = f
		}
	}
	str("AWS_REGION", &c.Region)

	str("CACHE_DSN", &c.Cache.DSN)
	str("CACHE_SECRET_ARN", &c.Cache.SecretARN)
	num("CACHE_MAX_CONNS", &c.Cache.MaxConns)
	num("CACHE_RESERVED_CONNS", &c.Cache.ReservedConns)

	str("ARTIFACT_BUCKET", &c.Artifacts.Bucket)
	str("ARTIFACT_PREFIX", &c.Artifacts.Prefix)
	str("ARTIFACT_ENDPOINT", &c.Artifacts.Endpoint)

	str("TABLE_NAME", &c.Ledger.TableName)
	str("LEDGER_ENDPOINT", &c.Ledger.Endpoint)
	str("RETENTION_TTL", &c.Ledger.RetentionTTL)

	if v := os.Getenv("DISPATCH_MODE"); v != "" {
		c.Dispatch.Mode = types.DispatchMode(v)
	}
	str("WORKER_FUNCTION", &c.Dispatch.WorkerFunction)
	str("QUEUE_URL", &c.Dispatch.QueueURL)

	str("CONTENT_URL", &c.Collab.ContentURL)
	str("RENDER_URL", &c.Collab.RenderURL)
	dur("COLLAB_TIMEOUT", &c.Collab.Timeout)

	str("EVENT_BUS", &c.Notify.EventBus)
	str("SCHEDULE_NAME", &c.Schedule.Name)
	str("SCHEDULE_GROUP", &c.Schedule.Group)
	str("SCHEDULE_CRON", &c.Schedule.Cron)

	if v := os.Getenv("BREAKER_FAIL_THRESHOLD"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("BREAKER_FAIL_THRESHOLD: %w", err))
		} else {
			c.Breaker.FailThreshold = uint32(n)
		}
	}
	dur("BREAKER_COOLDOWN", &c.Breaker.Cooldown)

	str("SERVER_ADDR", &c.Server.Addr)
	str("API_KEY", &c.Server.APIKey)

	if c.Ledger.Region == "" {
		c.Ledger.Region = c.Region
	}
	return errors.Join(errs...)
}

// ConcurrencyBudget is the largest concurrency the cache pool can carry.
func (c *Config) ConcurrencyBudget() int {
	return c.Cache.MaxConns - c.Cache.ReservedConns
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Timezone == "" {
		return fmt.Errorf("timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	switch c.Lister {
	case types.ListerStatic, types.ListerPending:
	default:
		return fmt.Errorf("unknown lister %q", c.Lister)
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("registryPath is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.Cache.MaxConns < 1 || c.Cache.ReservedConns < 0 {
		return fmt.Errorf("cache.maxConns must be positive and cache.reservedConns non-negative")
	}
	if budget := c.ConcurrencyBudget(); c.Concurrency > budget {
		return fmt.Errorf("concurrency %d exceeds cache pool budget %d (maxConns %d - reservedConns %d)",
			c.Concurrency, budget, c.Cache.MaxConns, c.Cache.ReservedConns)
	}
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("itemTimeout must be positive")
	}
	if c.ArtifactTimeout < 0 || c.DispatchStagger < 0 || c.StaleAfter < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.SaturationFraction <= 0 || c.SaturationFraction > 1 {
		return fmt.Errorf("saturationFraction must be in (0, 1], got %g", c.SaturationFraction)
	}
	switch c.Dispatch.Mode {
	case types.DispatchLocal:
	case types.DispatchLambda:
		if c.Dispatch.WorkerFunction == "" {
			return fmt.Errorf("dispatch.workerFunction is required when dispatch.mode is lambda")
		}
	case types.DispatchQueue:
		if c.Dispatch.QueueURL == "" {
			return fmt.Errorf("dispatch.queueUrl is required when dispatch.mode is queue")
		}
	default:
		return fmt.Errorf("unknown dispatch mode %q", c.Dispatch.Mode)
	}
	if c.Collab.RenderURL != "" && c.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts.bucket is required when collab.renderUrl is set")
	}
	return nil
}
