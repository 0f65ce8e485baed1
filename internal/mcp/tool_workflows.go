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

	"github.com/mark3labs/mcp-go/mcp"
)

// workflowRow is one row of the quiver_list_workflows result.
type workflowRow struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsLive bool   `json:"is_live"`
}

func (s *Server) listWorkflows(ctx context.Context) ([]workflowRow, error) {
	rows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	out := make([]workflowRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, workflowRow{
			ID:     row.ID.String(),
			Name:   row.Name,
			IsLive: row.IsLive,
		})
	}
	return out, nil
}

// handleListWorkflows implements the quiver_list_workflows tool.
func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.callLimit.Allow() {
		return errorResponse("Rate limit exceeded. Please try again later."), nil
	}

	rows, err := s.listWorkflows(ctx)
	if err != nil {
		s.logger.Error("mcp list workflows failed", "error", err)
		return errorResponse(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}

	buf, err := json.MarshalIndent(map[string]interface{}{"workflows": rows}, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return textResponse(string(buf)), nil
}
