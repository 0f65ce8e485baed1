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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quiverops/quiver/internal/config"
	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/internal/egress"
	"github.com/quiverops/quiver/internal/filesync"
	"github.com/quiverops/quiver/internal/integration"
	"github.com/quiverops/quiver/internal/llm"
	"github.com/quiverops/quiver/internal/log"
	"github.com/quiverops/quiver/internal/mail"
	"github.com/quiverops/quiver/internal/metrics"
	"github.com/quiverops/quiver/internal/runner"
	"github.com/quiverops/quiver/internal/server"
	"github.com/quiverops/quiver/internal/server/auth"
	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/internal/store/postgres"
	"github.com/quiverops/quiver/internal/store/sqlite"
	"github.com/quiverops/quiver/internal/tracing"
	"github.com/quiverops/quiver/pkg/httpclient"
	"github.com/quiverops/quiver/pkg/workflow"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file")
		listenAddr   = flag.String("listen", "", "HTTP listen address")
		workflowsDir = flag.String("workflows-dir", "", "Directory of workflow YAML files")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("quiverd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	path := *configPath
	if path == "" {
		path = config.DiscoverPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// CLI flag overrides
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *workflowsDir != "" {
		cfg.Workflows.Dir = *workflowsDir
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "quiverd",
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Headers:        cfg.Tracing.Headers,
		Sampling: tracing.SamplingConfig{
			Enabled: cfg.Tracing.SampleRate > 0 && cfg.Tracing.SampleRate < 1,
			Rate:    cfg.Tracing.SampleRate,
		},
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	rec := metrics.NewRecorder()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engine, err := buildEngine(cfg, st, logger, rec, provider)
	if err != nil {
		return err
	}

	bounded := runner.New(runner.Config{MaxParallel: cfg.Runner.Concurrency}, engine).
		WithLogger(logger)

	srv := server.New(server.Config{
		Listen:          cfg.Server.Listen,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Auth: auth.Config{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
			TokenTTL: cfg.Auth.TokenTTL,
		},
	}, st, bounded).WithLogger(logger).WithMetrics(rec)

	var syncer *filesync.Syncer
	if cfg.Workflows.Dir != "" {
		syncer, err = filesync.New(filesync.Config{
			Dir:   cfg.Workflows.Dir,
			Globs: cfg.Workflows.Globs,
		}, st)
		if err != nil {
			return fmt.Errorf("init filesync: %w", err)
		}
		syncer = syncer.WithLogger(logger)
		if err := syncer.Start(ctx); err != nil {
			return fmt.Errorf("start filesync: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("quiverd started",
		slog.String("version", version),
		slog.String("listen", cfg.Server.Listen),
	)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	// Shutdown order: stop accepting and drain runs first, then the
	// watcher, then flush spans. The store closes last via defer.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.Any("error", err))
	}
	if syncer != nil {
		if err := syncer.Stop(); err != nil {
			logger.Error("filesync stop", slog.Any("error", err))
		}
	}
	if err := provider.ForceFlush(shutdownCtx); err != nil {
		logger.Error("trace flush", slog.Any("error", err))
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", slog.Any("error", err))
	}

	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	url := cfg.Database.URL
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return postgres.New(postgres.Config{URL: url, MaxOpenConns: cfg.Database.PoolSize})
	}
	return sqlite.New(sqlite.Config{Path: url, MaxOpenConns: cfg.Database.PoolSize})
}

// buildEngine assembles the full execution stack: egress-checked HTTP
// client, OAuth token source, integrations, LLM router, and mail
// gateway, all instrumented.
func buildEngine(cfg *config.Config, st store.Store, logger *slog.Logger, rec *metrics.Recorder, provider *tracing.Provider) (*workflow.Executor, error) {
	key, err := cfg.CredentialKey()
	if err != nil {
		return nil, err
	}
	cipher, err := credential.NewCipher(key)
	if err != nil {
		return nil, err
	}
	creds := credential.NewManager(st, cipher)

	client, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("init http client: %w", err)
	}

	policy := egress.New(cfg.Egress.Allow, cfg.Egress.Block)
	if cfg.Egress.ResolveHosts {
		policy = policy.WithResolution()
	}

	tokens := credential.NewTokenManager(creds, credential.OAuthConfig{
		TeamsClientID:     cfg.OAuth.TeamsClientID,
		TeamsClientSecret: cfg.OAuth.TeamsClientSecret,
	}, client.HTTPClient()).WithMetrics(rec)

	client = client.WithTokenSource(tokens).WithHostChecker(policy)

	gateway, err := mail.NewGateway(mail.Config{
		APIKey:  cfg.Email.APIKey,
		Sender:  cfg.Email.Sender,
		BaseURL: cfg.Email.BaseURL,
	}, client.HTTPClient())
	if err != nil {
		return nil, fmt.Errorf("init mail gateway: %w", err)
	}

	return workflow.NewExecutor(st).
		WithHTTPClient(client).
		WithIntegrations(integration.NewRegistry(creds, client, logger)).
		WithInferencer(llm.NewRouter(creds, cfg.LLM.OpenAIKey, client.HTTPClient())).
		WithMailer(gateway).
		WithLogger(logger).
		WithTracer(provider.Tracer("quiver/workflow")).
		WithMetrics(rec), nil
}
