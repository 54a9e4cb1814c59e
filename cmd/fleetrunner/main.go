package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/artpar/fleetrunner/internal/core/deployment"
	"github.com/artpar/fleetrunner/internal/shell/store"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	submitPath := flag.String("submit", "", "Submit the deployment request in this YAML file and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetrunner %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	ctx := context.Background()

	if *submitPath != "" {
		return submit(ctx, cfg, *submitPath, logger)
	}

	logger.Info("starting fleetrunner",
		"version", Version,
		"config", *configPath,
	)

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return exitCode(logger, "failed to create server", err)
	}

	if err := server.Start(ctx); err != nil {
		return exitCode(logger, "server error", err)
	}

	return ExitSuccess
}

// submit stores one pending request read from path. Any running instance
// sharing the store picks it up.
func submit(ctx context.Context, cfg *Config, path string, logger *slog.Logger) int {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read request file", "path", path, "error", err)
		return ExitConfigError
	}
	req, err := deployment.ParseRequestFile(data, time.Now())
	if err != nil {
		logger.Error("invalid request file", "path", path, "error", err)
		return ExitConfigError
	}

	s, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return ExitDatabaseError
	}
	defer s.Close()

	if err := s.CreateRequest(ctx, req); err != nil {
		logger.Error("failed to submit request", "error", err)
		return ExitDatabaseError
	}

	logger.Info("request submitted",
		"request_id", req.ID,
		"repo_url", req.RepoURL,
		"target_count", req.TargetCount,
	)
	fmt.Println(req.ID)
	return ExitSuccess
}

func exitCode(logger *slog.Logger, msg string, err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logger.Error(msg,
			"error", sErr.Err,
			"operation", sErr.Op,
		)
		return sErr.ExitCode
	}
	logger.Error(msg, "error", err)
	return ExitConfigError
}
