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

// Package mcp exposes quiver workflows to MCP clients over stdio:
// assistants can list workflows, trigger live ones and inspect run
// state through tool calls. Logging must stay on stderr; stdout
// carries the protocol.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/workflow"
)

// Engine executes workflow runs. Both the bounded runner and the bare
// executor satisfy it.
type Engine interface {
	Run(ctx context.Context, wf *workflow.Workflow, startHandle string, payload map[string]interface{}) (uuid.UUID, error)
}

// Config configures the MCP server.
type Config struct {
	// Name is the advertised server name (default: "quiver").
	Name string

	// Version is the quiver version string (default: "dev").
	Version string

	// RunsPerMinute caps quiver_run_workflow executions (default: 10).
	RunsPerMinute int

	// CallsPerMinute caps tool calls of any kind (default: 100).
	CallsPerMinute int
}

// Server wraps the MCP server and serves the quiver tools.
type Server struct {
	mcpServer *server.MCPServer
	store     store.Store
	engine    Engine
	logger    *slog.Logger

	// Scoped limiters: runs mutate the world, every other call only
	// reads, so runs get the tighter budget.
	runLimit  *rate.Limiter
	callLimit *rate.Limiter
}

// New creates the MCP server and registers the quiver tools.
func New(cfg Config, st store.Store, engine Engine) *Server {
	if cfg.Name == "" {
		cfg.Name = "quiver"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.RunsPerMinute <= 0 {
		cfg.RunsPerMinute = 10
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 100
	}

	s := &Server{
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version),
		store:     st,
		engine:    engine,
		logger:    slog.Default(),
		runLimit:  rate.NewLimiter(rate.Limit(cfg.RunsPerMinute)/60, cfg.RunsPerMinute),
		callLimit: rate.NewLimiter(rate.Limit(cfg.CallsPerMinute)/60, cfg.CallsPerMinute),
	}
	s.registerTools()
	return s
}

// WithLogger sets a custom logger. It must not write to stdout.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "quiver_list_workflows",
		Description: "List all workflows with their ids and live state. Only live workflows can be run.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleListWorkflows)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "quiver_run_workflow",
		Description: "Run a live workflow and wait for it to finish. Returns the run id; use quiver_get_run to inspect the produced state.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"workflow_id": map[string]interface{}{
					"type":        "string",
					"description": "Workflow id (from quiver_list_workflows)",
				},
				"start_handle": map[string]interface{}{
					"type":        "string",
					"description": "Action handle to start from (default: the graph entry)",
				},
				"payload": map[string]interface{}{
					"type":        "object",
					"description": "Trigger payload, planted as the start action's output",
				},
			},
			Required: []string{"workflow_id"},
		},
	}, s.handleRunWorkflow)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "quiver_get_run",
		Description: "Fetch one run's accumulated state: every action output keyed by handle, plus timestamps.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "string",
					"description": "Run id returned by quiver_run_workflow",
				},
			},
			Required: []string{"run_id"},
		},
	}, s.handleGetRun)
}

// Run serves the MCP protocol on stdio until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", "tools", 3)
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
