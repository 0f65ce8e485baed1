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

package store

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/pkg/workflow"
)

// ActionRow is one scanned row of the actions table.
type ActionRow struct {
	ID              uuid.UUID
	WorkflowID      uuid.UUID
	Name            string
	ReferenceHandle string
	Type            string
	Definition      []byte
}

// EdgeRow is one scanned row of the workflow_edges table.
type EdgeRow struct {
	Parent string
	Child  string
}

// AssembleWorkflow builds the in-memory graph from scanned rows and
// validates it. The SQL backends share this so row-to-graph semantics
// cannot drift between them.
func AssembleWorkflow(id uuid.UUID, name string, isLive bool, actions []ActionRow, edges []EdgeRow) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		ID:      id,
		Name:    name,
		IsLive:  isLive,
		Actions: make(map[string]*workflow.Action, len(actions)),
		Edges:   make(map[string][]string),
	}

	for _, row := range actions {
		wf.Actions[row.ReferenceHandle] = &workflow.Action{
			ID:              row.ID,
			WorkflowID:      row.WorkflowID,
			Name:            row.Name,
			ReferenceHandle: row.ReferenceHandle,
			Type:            workflow.ActionType(row.Type),
			Definition:      json.RawMessage(row.Definition),
		}
	}

	for _, row := range edges {
		wf.Edges[row.Parent] = append(wf.Edges[row.Parent], row.Child)
	}

	// The edges table carries no ordering column, so sibling order is
	// canonicalized here to keep traversal deterministic across backends.
	for _, children := range wf.Edges {
		sort.Strings(children)
	}

	if err := workflow.Validate(wf); err != nil {
		return nil, err
	}

	return wf, nil
}

// FlattenWorkflow is the inverse of AssembleWorkflow: it decomposes a graph
// into the rows UpsertWorkflow writes. Edge order follows the successor
// lists; action order is unspecified.
func FlattenWorkflow(wf *workflow.Workflow) ([]ActionRow, []EdgeRow) {
	actions := make([]ActionRow, 0, len(wf.Actions))
	for _, action := range wf.Actions {
		actions = append(actions, ActionRow{
			ID:              action.ID,
			WorkflowID:      wf.ID,
			Name:            action.Name,
			ReferenceHandle: action.ReferenceHandle,
			Type:            string(action.Type),
			Definition:      []byte(action.Definition),
		})
	}

	var edges []EdgeRow
	for parent, children := range wf.Edges {
		for _, child := range children {
			edges = append(edges, EdgeRow{Parent: parent, Child: child})
		}
	}

	return actions, edges
}
