package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	coreprovider "github.com/artpar/fleetrunner/internal/core/provider"
	"github.com/artpar/fleetrunner/internal/core/retry"
	"github.com/artpar/fleetrunner/internal/shell/api"
	"github.com/artpar/fleetrunner/internal/shell/compute"
	"github.com/artpar/fleetrunner/internal/shell/deploy"
	"github.com/artpar/fleetrunner/internal/shell/docker"
	"github.com/artpar/fleetrunner/internal/shell/events"
	"github.com/artpar/fleetrunner/internal/shell/metrics"
	"github.com/artpar/fleetrunner/internal/shell/provider"
	"github.com/artpar/fleetrunner/internal/shell/store"
	"github.com/artpar/fleetrunner/internal/shell/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitComputeError    = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server is one runner instance: a poller feeding the orchestrator, plus the
// optional results API.
type Server struct {
	config       *Config
	store        store.Store
	compute      io.Closer
	guard        *events.Guard
	orchestrator *deploy.Orchestrator
	poller       *workers.Poller
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer wires every component from cfg.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.SecretGenerated {
		logger.Warn("credential.secret not set, using a random per-process secret")
	}

	// Connect to the shared store
	s, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, &ServerError{Op: "OpenStore", Err: err, ExitCode: ExitDatabaseError}
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, &ServerError{Op: "PingStore", Err: err, ExitCode: ExitDatabaseError}
	}
	logger.Info("connected to store", "driver", cfg.Store.Driver)

	provisioner, closer, err := newProvisioner(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewProvisioner", Err: err, ExitCode: ExitComputeError}
	}
	logger.Info("compute backend ready", "backend", provisioner.Name())

	minter, err := compute.NewJWTMinter(cfg.Credential.Secret)
	if err != nil {
		closeQuietly(closer)
		s.Close()
		return nil, &ServerError{Op: "NewJWTMinter", Err: err, ExitCode: ExitConfigError}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// An unreachable sink degrades to Noop.
	sink, err := events.Open(events.Config{
		Sink:     cfg.Events.Sink,
		URL:      cfg.Events.URL,
		Exchange: cfg.Events.Exchange,
		Stream:   cfg.Events.Stream,
	}, logger)
	if err != nil {
		logger.Error("event sink unavailable, events will be dropped", "sink", cfg.Events.Sink, "error", err)
		m.EventsDegraded(true)
		sink = events.Noop{}
	}
	guard := events.NewGuard(sink, cfg.Events.Timeout, m, logger)

	executor := deploy.NewExecutor(provisioner, minter, m, executorConfig(cfg), logger)
	results := deploy.NewAggregator(s, storeRetry(cfg), logger)
	orchestrator := deploy.NewOrchestrator(executor, s, results, guard, m, deploy.OrchestratorConfig{
		InstanceID:         cfg.Runner.InstanceID,
		TargetTimeout:      cfg.Pipeline.TargetTimeout,
		MaxParallelTargets: cfg.Pipeline.MaxParallelTargets,
		StoreRetry:         storeRetry(cfg),
	}, logger)

	poller := workers.NewPoller(s, orchestrator, m, workers.PollerConfig{
		InstanceID:      cfg.Runner.InstanceID,
		Interval:        cfg.Runner.PollInterval,
		LeaseDuration:   cfg.Runner.LeaseDuration,
		BatchSize:       cfg.Runner.BatchSize,
		MaxInFlight:     cfg.Runner.MaxInFlight,
		StoreBackoffMax: cfg.Runner.StoreBackoffMax,
	}, logger)

	var httpServer *http.Server
	if cfg.Server.Enabled {
		handler := api.NewHandler(s, results, guard, minter, m, registry, logger)
		httpServer = &http.Server{
			Addr:         cfg.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	} else {
		logger.Info("results API disabled")
	}

	return &Server{
		config:       cfg,
		store:        s,
		compute:      closer,
		guard:        guard,
		orchestrator: orchestrator,
		poller:       poller,
		httpServer:   httpServer,
		logger:       logger,
	}, nil
}

// newProvisioner creates the compute backend named by cfg.Compute.Backend.
// The returned closer releases backend connections and may be nil.
func newProvisioner(ctx context.Context, cfg *Config, logger *slog.Logger) (compute.Provisioner, io.Closer, error) {
	if cfg.Compute.Backend == ComputeBackendDocker {
		d, err := docker.NewDockerClient(cfg.Compute.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		// Only the request store is required at startup. Targets fail at
		// provision until the daemon answers.
		if err := d.Ping(ctx); err != nil {
			logger.Warn("docker daemon unreachable", "host", cfg.Compute.DockerHost, "error", err)
		}
		return compute.NewDockerProvisioner(d, cfg.Compute.PublicHost, logger), d, nil
	}

	p, err := provider.NewProvider(cfg.Compute.Backend, coreprovider.Credentials{
		APIToken:        cfg.Compute.APIToken,
		AccessKeyID:     cfg.Compute.AWSAccessKeyID,
		SecretAccessKey: cfg.Compute.AWSSecretAccessKey,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return compute.NewCloudProvisioner(p, compute.CloudConfig{
		Backend: cfg.Compute.Backend,
		Region:  cfg.Compute.Region,
		Size:    cfg.Compute.Size,
		SSHUser: cfg.Compute.SSHUser,
	}, logger), nil, nil
}

func executorConfig(cfg *Config) deploy.ExecutorConfig {
	st := cfg.Pipeline.StageTimeouts
	return deploy.ExecutorConfig{
		Image:    cfg.Compute.Image,
		MemoryMB: cfg.Compute.MemoryMB,
		CPUs:     cfg.Compute.CPUs,
		StageTimeouts: map[domain.Stage]time.Duration{
			domain.StageProvision:      st.Provision,
			domain.StageClone:          st.Clone,
			domain.StageInstall:        st.Install,
			domain.StageBuild:          st.Build,
			domain.StageStart:          st.Start,
			domain.StageMintCredential: st.MintCredential,
			domain.StageVerify:         st.Verify,
		},
		Retry: retry.Policy{
			MaxAttempts: cfg.Pipeline.MaxRetriesPerStage,
			BaseDelay:   cfg.Pipeline.RetryBaseDelay,
			Multiplier:  cfg.Pipeline.RetryMultiplier,
			MaxDelay:    cfg.Pipeline.RetryMaxDelay,
		},
		SettleDelay:   cfg.Pipeline.SettleDelay,
		CredentialTTL: cfg.Credential.TTL,
		TokenParam:    cfg.Credential.QueryParam,
		Verify: deploy.VerifyConfig{
			Attempts: cfg.Pipeline.Verify.Attempts,
			Interval: cfg.Pipeline.Verify.Interval,
			Timeout:  cfg.Pipeline.Verify.Timeout,
		},
	}
}

// storeRetry bounds retries of result and completion writes.
func storeRetry(cfg *Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   cfg.Runner.PollInterval,
		Multiplier:  2,
		MaxDelay:    cfg.Runner.StoreBackoffMax,
	}
}

// Start starts the poller and the API, then blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.poller.Start()

	errCh := make(chan error, 1)
	if s.httpServer != nil {
		go func() {
			s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops claiming, lets in-flight requests finish within the
// shutdown timeout, then releases resources. Requests still running when the
// timeout expires are picked up by another instance once their lease ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown", "in_flight", s.poller.InFlight())

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Runner.ShutdownTimeout)
	defer cancel()

	s.poller.Stop()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
	}

	if err := s.poller.Wait(shutdownCtx); err != nil {
		s.logger.Warn("in-flight requests still running at shutdown, leases will expire",
			"in_flight", s.poller.InFlight(), "error", err)
	}
	if err := s.orchestrator.Wait(shutdownCtx); err != nil {
		s.logger.Warn("abandoned target pipelines still running at shutdown", "error", err)
	}

	if err := s.guard.Close(); err != nil {
		s.logger.Error("event sink close error", "error", err)
	}
	closeQuietly(s.compute)
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		c.Close()
	}
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
