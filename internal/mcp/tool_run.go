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

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// runOutcome is the quiver_run_workflow result.
type runOutcome struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

// runWorkflow loads, gates and executes one workflow run. Unlike the
// webhook surface, assistants get told WHY a run was refused: the
// offline gate here is an explicit answer, not a silent no-op.
func (s *Server) runWorkflow(ctx context.Context, workflowID, startHandle string, payload map[string]interface{}) (runOutcome, error) {
	id, err := uuid.Parse(workflowID)
	if err != nil {
		return runOutcome{}, fmt.Errorf("invalid workflow id %q", workflowID)
	}

	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return runOutcome{}, err
	}
	if !wf.IsLive {
		return runOutcome{}, fmt.Errorf("workflow %q is offline; it must be set live before it can run", wf.Name)
	}

	if startHandle == "" {
		entry, ok := wf.EntryHandle()
		if !ok {
			return runOutcome{}, fmt.Errorf("workflow %q has no entry action", wf.Name)
		}
		startHandle = entry
	}

	runID, err := s.engine.Run(ctx, wf, startHandle, payload)
	if err != nil {
		return runOutcome{}, err
	}

	out := runOutcome{Status: "success"}
	if runID != uuid.Nil {
		out.RunID = runID.String()
	}
	return out, nil
}

// handleRunWorkflow implements the quiver_run_workflow tool.
func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.callLimit.Allow() {
		return errorResponse("Rate limit exceeded. Please try again later."), nil
	}

	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return errorResponse("Missing or invalid 'workflow_id' argument"), nil
	}
	startHandle := request.GetString("start_handle", "")

	var payload map[string]interface{}
	if args := request.GetArguments(); args != nil {
		if p, ok := args["payload"].(map[string]interface{}); ok {
			payload = p
		}
	}

	if !s.runLimit.Allow() {
		return errorResponse("Rate limit exceeded for workflow execution. Please try again later."), nil
	}

	outcome, err := s.runWorkflow(ctx, workflowID, startHandle, payload)
	if err != nil {
		s.logger.Error("mcp workflow run failed", "workflow_id", workflowID, "error", err)
		return errorResponse(fmt.Sprintf("Workflow run failed: %v", err)), nil
	}

	buf, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return textResponse(string(buf)), nil
}
