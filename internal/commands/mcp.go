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

package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quiverops/quiver/internal/config"
	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/internal/egress"
	"github.com/quiverops/quiver/internal/integration"
	"github.com/quiverops/quiver/internal/llm"
	"github.com/quiverops/quiver/internal/log"
	"github.com/quiverops/quiver/internal/mail"
	"github.com/quiverops/quiver/internal/mcp"
	"github.com/quiverops/quiver/internal/runner"
	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/httpclient"
	"github.com/quiverops/quiver/pkg/workflow"
)

func newMCPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol integration",
	}

	cmd.AddCommand(newMCPServeCommand())

	return cmd
}

func newMCPServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve quiver tools over MCP on stdio",
		Long: `Expose the workflow store and engine to MCP clients.

Tools: quiver_list_workflows, quiver_run_workflow (live workflows
only, rate limited), quiver_get_run. The protocol runs on stdout, so
all logging goes to stderr.`,
		Args: cobra.NoArgs,
		RunE: runMCPServe,
	}
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// stdout carries the protocol; logs must not touch it.
	logCfg := log.FromEnv()
	logCfg.Output = os.Stderr
	logger := log.New(logCfg)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := buildEngine(cfg, st, logger)
	if err != nil {
		return err
	}
	bounded := runner.New(runner.Config{MaxParallel: cfg.Runner.Concurrency}, engine).WithLogger(logger)

	v, _, _ := GetVersion()
	server := mcp.New(mcp.Config{Version: v}, st, bounded).WithLogger(logger)
	return server.Run(cmd.Context())
}

// buildEngine assembles the workflow executor over the store: shared
// HTTP client with egress policy and OAuth token source, integration
// registry, LLM router and mail gateway. The daemon wires the same
// stack plus metrics and tracing in cmd/quiverd.
func buildEngine(cfg *config.Config, st store.Store, logger *slog.Logger) (*workflow.Executor, error) {
	cipher, err := newCipher(cfg)
	if err != nil {
		return nil, err
	}
	creds := credential.NewManager(st, cipher)

	client, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, err
	}

	policy := egress.New(cfg.Egress.Allow, cfg.Egress.Block)
	if cfg.Egress.ResolveHosts {
		policy = policy.WithResolution()
	}

	tokens := credential.NewTokenManager(creds, credential.OAuthConfig{
		TeamsClientID:     cfg.OAuth.TeamsClientID,
		TeamsClientSecret: cfg.OAuth.TeamsClientSecret,
	}, client.HTTPClient())
	client = client.WithTokenSource(tokens).WithHostChecker(policy)

	gateway, err := mail.NewGateway(mail.Config{
		APIKey:  cfg.Email.APIKey,
		Sender:  cfg.Email.Sender,
		BaseURL: cfg.Email.BaseURL,
	}, client.HTTPClient())
	if err != nil {
		return nil, err
	}

	return workflow.NewExecutor(st).
		WithHTTPClient(client).
		WithIntegrations(integration.NewRegistry(creds, client, logger)).
		WithInferencer(llm.NewRouter(creds, cfg.LLM.OpenAIKey, client.HTTPClient())).
		WithMailer(gateway).
		WithLogger(logger), nil
}
