package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	coreprovider "github.com/artpar/fleetrunner/internal/core/provider"
	"github.com/artpar/fleetrunner/internal/shell/events"
	"github.com/artpar/fleetrunner/internal/shell/store"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Runner     RunnerConfig     `mapstructure:"runner"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Store      StoreConfig      `mapstructure:"store"`
	Compute    ComputeConfig    `mapstructure:"compute"`
	Credential CredentialConfig `mapstructure:"credential"`
	Events     EventsConfig     `mapstructure:"events"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`

	// SecretGenerated is set when no credential secret was configured and a
	// random one was generated for this process.
	SecretGenerated bool `mapstructure:"-"`
}

// RunnerConfig holds poller and instance configuration.
type RunnerConfig struct {
	InstanceID      string        `mapstructure:"instance_id"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxInFlight     int           `mapstructure:"max_in_flight"`
	StoreBackoffMax time.Duration `mapstructure:"store_backoff_max"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PipelineConfig holds the per-target pipeline configuration.
type PipelineConfig struct {
	TargetTimeout      time.Duration       `mapstructure:"target_timeout"`
	MaxParallelTargets int                 `mapstructure:"max_parallel_targets"`
	MaxRetriesPerStage int                 `mapstructure:"max_retries_per_stage"`
	RetryBaseDelay     time.Duration       `mapstructure:"retry_base_delay"`
	RetryMultiplier    float64             `mapstructure:"retry_multiplier"`
	RetryMaxDelay      time.Duration       `mapstructure:"retry_max_delay"`
	SettleDelay        time.Duration       `mapstructure:"settle_delay"`
	StageTimeouts      StageTimeoutsConfig `mapstructure:"stage_timeouts"`
	Verify             VerifyConfig        `mapstructure:"verify"`
}

// StageTimeoutsConfig holds the deadline of each stage.
type StageTimeoutsConfig struct {
	Provision      time.Duration `mapstructure:"provision"`
	Clone          time.Duration `mapstructure:"clone"`
	Install        time.Duration `mapstructure:"install"`
	Build          time.Duration `mapstructure:"build"`
	Start          time.Duration `mapstructure:"start"`
	MintCredential time.Duration `mapstructure:"mint_credential"`
	Verify         time.Duration `mapstructure:"verify"`
}

// VerifyConfig holds the reachability probe configuration.
type VerifyConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds request/result store configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ComputeConfig holds sandbox backend configuration.
type ComputeConfig struct {
	Backend            string  `mapstructure:"backend"`
	Image              string  `mapstructure:"image"`
	MemoryMB           int     `mapstructure:"memory_mb"`
	CPUs               float64 `mapstructure:"cpus"`
	DockerHost         string  `mapstructure:"docker_host"`
	PublicHost         string  `mapstructure:"public_host"`
	Region             string  `mapstructure:"region"`
	Size               string  `mapstructure:"size"`
	SSHUser            string  `mapstructure:"ssh_user"`
	APIToken           string  `mapstructure:"api_token"`
	AWSAccessKeyID     string  `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string  `mapstructure:"aws_secret_access_key"`
}

// CredentialConfig holds preview credential configuration.
type CredentialConfig struct {
	Secret     string        `mapstructure:"secret"`
	TTL        time.Duration `mapstructure:"ttl"`
	QueryParam string        `mapstructure:"query_param"`
}

// EventsConfig holds event sink configuration.
type EventsConfig struct {
	Sink     string        `mapstructure:"sink"`
	URL      string        `mapstructure:"url"`
	Exchange string        `mapstructure:"exchange"`
	Stream   string        `mapstructure:"stream"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ComputeBackendDocker selects local Docker sandboxes.
const ComputeBackendDocker = "docker"

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment, then validates it.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("runner.instance_id", "")
	v.SetDefault("runner.poll_interval", "2s")
	v.SetDefault("runner.lease_duration", "30m")
	v.SetDefault("runner.batch_size", 10)
	v.SetDefault("runner.max_in_flight", 4)
	v.SetDefault("runner.store_backoff_max", "30s")
	v.SetDefault("runner.shutdown_timeout", "30s")

	v.SetDefault("pipeline.target_timeout", "15m")
	v.SetDefault("pipeline.max_parallel_targets", 0) // 0 runs every target at once
	v.SetDefault("pipeline.max_retries_per_stage", 3)
	v.SetDefault("pipeline.retry_base_delay", "2s")
	v.SetDefault("pipeline.retry_multiplier", 2.0)
	v.SetDefault("pipeline.retry_max_delay", "30s")
	v.SetDefault("pipeline.settle_delay", "10s")
	v.SetDefault("pipeline.stage_timeouts.provision", "10m")
	v.SetDefault("pipeline.stage_timeouts.clone", "2m")
	v.SetDefault("pipeline.stage_timeouts.install", "5m")
	v.SetDefault("pipeline.stage_timeouts.build", "5m")
	v.SetDefault("pipeline.stage_timeouts.start", "1m")
	v.SetDefault("pipeline.stage_timeouts.mint_credential", "30s")
	v.SetDefault("pipeline.stage_timeouts.verify", "2m")
	v.SetDefault("pipeline.verify.attempts", 5)
	v.SetDefault("pipeline.verify.interval", "2s")
	v.SetDefault("pipeline.verify.timeout", "10s")

	v.SetDefault("store.driver", store.DriverSQLite)
	v.SetDefault("store.dsn", "./data/fleetrunner.db")

	v.SetDefault("compute.backend", ComputeBackendDocker)
	v.SetDefault("compute.image", "node:20-bookworm")
	v.SetDefault("compute.memory_mb", 4096)
	v.SetDefault("compute.cpus", 2)
	v.SetDefault("compute.docker_host", "")
	v.SetDefault("compute.public_host", "localhost")
	v.SetDefault("compute.region", "")
	v.SetDefault("compute.size", "")
	v.SetDefault("compute.ssh_user", "root")
	v.SetDefault("compute.api_token", "")
	v.SetDefault("compute.aws_access_key_id", "")
	v.SetDefault("compute.aws_secret_access_key", "")

	v.SetDefault("credential.secret", "")
	v.SetDefault("credential.ttl", "24h")
	v.SetDefault("credential.query_param", "bl_preview_token")

	v.SetDefault("events.sink", events.SinkNoop)
	v.SetDefault("events.url", "")
	v.SetDefault("events.exchange", "fleetrunner.events")
	v.SetDefault("events.stream", "fleetrunner:events")
	v.SetDefault("events.timeout", "2s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	v.SetEnvPrefix("FLEETRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Runner.InstanceID == "" {
		cfg.Runner.InstanceID = defaultInstanceID()
	}
	if cfg.Credential.Secret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate credential secret: %w", err)
		}
		cfg.Credential.Secret = secret
		cfg.SecretGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for values the runner cannot use.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"runner.poll_interval":                    c.Runner.PollInterval,
		"runner.lease_duration":                   c.Runner.LeaseDuration,
		"runner.store_backoff_max":                c.Runner.StoreBackoffMax,
		"runner.shutdown_timeout":                 c.Runner.ShutdownTimeout,
		"pipeline.target_timeout":                 c.Pipeline.TargetTimeout,
		"pipeline.retry_base_delay":               c.Pipeline.RetryBaseDelay,
		"pipeline.retry_max_delay":                c.Pipeline.RetryMaxDelay,
		"pipeline.stage_timeouts.provision":       c.Pipeline.StageTimeouts.Provision,
		"pipeline.stage_timeouts.clone":           c.Pipeline.StageTimeouts.Clone,
		"pipeline.stage_timeouts.install":         c.Pipeline.StageTimeouts.Install,
		"pipeline.stage_timeouts.build":           c.Pipeline.StageTimeouts.Build,
		"pipeline.stage_timeouts.start":           c.Pipeline.StageTimeouts.Start,
		"pipeline.stage_timeouts.mint_credential": c.Pipeline.StageTimeouts.MintCredential,
		"pipeline.stage_timeouts.verify":          c.Pipeline.StageTimeouts.Verify,
		"pipeline.verify.interval":                c.Pipeline.Verify.Interval,
		"pipeline.verify.timeout":                 c.Pipeline.Verify.Timeout,
		"credential.ttl":                          c.Credential.TTL,
		"events.timeout":                          c.Events.Timeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Pipeline.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("pipeline.settle_delay must not be negative, got %s", c.Pipeline.SettleDelay))
	}

	if budget := c.RequestBudget(); c.Runner.LeaseDuration <= budget {
		errs = append(errs, fmt.Errorf("runner.lease_duration (%s) must exceed the longest request run (%s): "+
			"pipeline.target_timeout (%s) for each of %d target waves plus store retries",
			c.Runner.LeaseDuration, budget, c.Pipeline.TargetTimeout, c.targetWaves()))
	}
	if c.Runner.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("runner.batch_size must be positive, got %d", c.Runner.BatchSize))
	}
	if c.Runner.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("runner.max_in_flight must not be negative, got %d", c.Runner.MaxInFlight))
	}
	if c.Pipeline.MaxParallelTargets < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_parallel_targets must not be negative, got %d", c.Pipeline.MaxParallelTargets))
	}
	if c.Pipeline.MaxRetriesPerStage < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries_per_stage must be at least 1, got %d", c.Pipeline.MaxRetriesPerStage))
	}
	if c.Pipeline.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("pipeline.retry_multiplier must be at least 1, got %g", c.Pipeline.RetryMultiplier))
	}
	if c.Pipeline.Verify.Attempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.verify.attempts must be at least 1, got %d", c.Pipeline.Verify.Attempts))
	}

	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}

	switch {
	case c.Compute.Backend == ComputeBackendDocker:
	case coreprovider.IsCloud(c.Compute.Backend):
		if err := coreprovider.ValidateCredentials(c.Compute.Backend, c.cloudCredentials()); err != nil {
			errs = append(errs, fmt.Errorf("compute: %w", err))
		}
		if err := coreprovider.ValidatePlacement(c.Compute.Region, c.Compute.Size); err != nil {
			errs = append(errs, fmt.Errorf("compute: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("compute.backend: unknown backend %q", c.Compute.Backend))
	}

	switch c.Events.Sink {
	case events.SinkNoop:
	case events.SinkAMQP, events.SinkRedis:
		if c.Events.URL == "" {
			errs = append(errs, fmt.Errorf("events.url is required for sink %q", c.Events.Sink))
		}
	default:
		errs = append(errs, fmt.Errorf("events.sink: unknown sink %q", c.Events.Sink))
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RequestBudget is the longest a claimed request can run on one instance:
// every wave of targets hitting pipeline.target_timeout, then the result and
// completion writes exhausting their retries.
func (c *Config) RequestBudget() time.Duration {
	return time.Duration(c.targetWaves())*c.Pipeline.TargetTimeout + 2*storeRetry(c).Budget()
}

// targetWaves is how many rounds a maximum-size request needs under
// pipeline.max_parallel_targets.
func (c *Config) targetWaves() int {
	limit := c.Pipeline.MaxParallelTargets
	if limit <= 0 || limit >= domain.MaxTargetCount {
		return 1
	}
	return (domain.MaxTargetCount + limit - 1) / limit
}

func (c *Config) cloudCredentials() coreprovider.Credentials {
	return coreprovider.Credentials{
		APIToken:        c.Compute.APIToken,
		AccessKeyID:     c.Compute.AWSAccessKeyID,
		SecretAccessKey: c.Compute.AWSSecretAccessKey,
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fleetrunner"
	}
	return host + "-" + uuid.NewString()[:8]
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("instance_id", cfg.Runner.InstanceID)
}
