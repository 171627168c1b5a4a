// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/discoveryhq/discovery/internal/api"
	"github.com/discoveryhq/discovery/internal/broker"
	"github.com/discoveryhq/discovery/internal/config"
	"github.com/discoveryhq/discovery/internal/engine"
	"github.com/discoveryhq/discovery/internal/log"
	"github.com/discoveryhq/discovery/internal/remote"
	"github.com/discoveryhq/discovery/internal/runner"
	"github.com/discoveryhq/discovery/internal/store"
	"github.com/discoveryhq/discovery/internal/tracing"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file")
		listenAddr  = flag.String("listen", "", "HTTP bind address (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("discoveryd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "discoveryd",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	gateway, closeGateway, err := openGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to open persistence gateway", "error", err)
		os.Exit(1)
	}
	defer closeGateway()

	remoteClient, err := remote.NewHTTPClient(remote.Config{
		WorkerBaseURL: cfg.WorkerBaseURL,
		StepTimeouts:  cfg.StepTimeouts,
	})
	if err != nil {
		logger.Error("failed to build remote step client", "error", err)
		os.Exit(1)
	}

	progressBroker := broker.New(logger)
	eng := engine.New(engine.Config{Store: gateway, Remote: remoteClient, Broker: progressBroker, Logger: logger})
	asyncRunner := runner.New(runner.Config{Store: gateway, Engine: eng, Broker: progressBroker, Logger: logger})

	router := api.NewRouter(api.Config{
		Store:          gateway,
		Engine:         eng,
		Runner:         asyncRunner,
		Broker:         progressBroker,
		AvailableSteps: remoteClient,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("discoveryd listening", "addr", cfg.ListenAddr, "worker_base_url", cfg.WorkerBaseURL, "database_url", cfg.DatabaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		shutdown(server, asyncRunner, cfg.ShutdownTimeout, logger)
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// shutdown stops the runner from launching new async executions, waits for
// in-flight ones to drain (bounded by timeout), then shuts down the HTTP
// server. HTTP requests are still accepted while the runner drains.
func shutdown(server *http.Server, asyncRunner *runner.Runner, timeout time.Duration, logger *slog.Logger) {
	asyncRunner.StartDraining()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := asyncRunner.WaitForDrain(ctx, timeout); err != nil {
		logger.Warn("async executions did not drain in time", "error", err)
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("error during HTTP shutdown", "error", err)
	}
}

func openGateway(cfg *config.Config, logger *slog.Logger) (store.Gateway, func(), error) {
	if cfg.IsMemory() {
		return store.NewMemStore(), func() {}, nil
	}

	path, ok := cfg.SQLitePath()
	if !ok {
		return nil, nil, fmt.Errorf("unsupported database_url %q", cfg.DatabaseURL)
	}

	gateway, err := store.NewSQLiteStore(context.Background(), store.SQLiteConfig{Path: path, WAL: true})
	if err != nil {
		return nil, nil, err
	}
	return gateway, func() {
		if err := gateway.Close(); err != nil {
			logger.Warn("error closing sqlite store", "error", err)
		}
	}, nil
}
