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

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// runView is the quiver_get_run result.
type runView struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	State       map[string]interface{} `json:"state"`
	LastUpdated time.Time              `json:"last_updated"`
	Completed   *time.Time             `json:"completed,omitempty"`
}

func (s *Server) getRun(ctx context.Context, runID string) (runView, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return runView{}, fmt.Errorf("invalid run id %q", runID)
	}

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return runView{}, err
	}

	return runView{
		ID:          run.ID.String(),
		WorkflowID:  run.WorkflowID.String(),
		State:       run.State,
		LastUpdated: run.LastUpdated,
		Completed:   run.Completed,
	}, nil
}

// handleGetRun implements the quiver_get_run tool.
func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.callLimit.Allow() {
		return errorResponse("Rate limit exceeded. Please try again later."), nil
	}

	runID, err := request.RequireString("run_id")
	if err != nil {
		return errorResponse("Missing or invalid 'run_id' argument"), nil
	}

	view, err := s.getRun(ctx, runID)
	if err != nil {
		s.logger.Error("mcp run lookup failed", "run_id", runID, "error", err)
		return errorResponse(fmt.Sprintf("Failed to fetch run: %v", err)), nil
	}

	buf, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return textResponse(string(buf)), nil
}
