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

package filesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow"
)

// workflowNamespace seeds the v5 UUIDs derived for synced workflows,
// so re-syncing a file maps onto the same rows instead of minting new
// ones. Never change this value: webhook URLs derive from it.
var workflowNamespace = uuid.MustParse("b67e95dc-21c5-4e71-ac91-6f3f61dd8cfa")

// WorkflowID returns the stable id a synced workflow gets from its
// name.
func WorkflowID(name string) uuid.UUID {
	return uuid.NewSHA1(workflowNamespace, []byte(name))
}

// ActionID returns the stable id a synced action gets from its
// workflow and handle.
func ActionID(workflowID uuid.UUID, handle string) uuid.UUID {
	return uuid.NewSHA1(workflowID, []byte(handle))
}

// fileWorkflow is the YAML grammar of one workflow definition file.
type fileWorkflow struct {
	Name    string       `yaml:"name"`
	IsLive  bool         `yaml:"is_live"`
	Actions []fileAction `yaml:"actions"`
	Edges   []fileEdge   `yaml:"edges"`
}

type fileAction struct {
	Handle     string                 `yaml:"handle"`
	Name       string                 `yaml:"name"`
	Type       string                 `yaml:"type"`
	Definition map[string]interface{} `yaml:"definition"`
}

type fileEdge struct {
	Parent string `yaml:"parent"`
	Child  string `yaml:"child"`
}

// Parse decodes one workflow definition and assembles the graph with
// deterministic ids. Unknown YAML fields are rejected so typos surface
// at sync time rather than as silently ignored settings.
func Parse(data []byte) (*workflow.Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file fileWorkflow
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode workflow yaml: %w", err)
	}

	if file.Name == "" {
		return nil, &errors.ValidationError{
			Field:      "name",
			Message:    "workflow file has no name",
			Suggestion: "add a top-level name field",
		}
	}
	if len(file.Actions) == 0 {
		return nil, &errors.ValidationError{
			Field:      "actions",
			Message:    fmt.Sprintf("workflow %q declares no actions", file.Name),
			Suggestion: "add at least one entry under actions",
		}
	}

	wf := &workflow.Workflow{
		ID:      WorkflowID(file.Name),
		Name:    file.Name,
		IsLive:  file.IsLive,
		Actions: make(map[string]*workflow.Action, len(file.Actions)),
		Edges:   make(map[string][]string, len(file.Edges)),
	}

	for _, a := range file.Actions {
		if a.Handle == "" {
			return nil, &errors.ValidationError{
				Field:      "actions",
				Message:    fmt.Sprintf("workflow %q has an action without a handle", file.Name),
				Suggestion: "give every action a unique handle",
			}
		}
		if _, dup := wf.Actions[a.Handle]; dup {
			return nil, &errors.ValidationError{
				Field:      "actions",
				Message:    fmt.Sprintf("duplicate action handle %q", a.Handle),
				Suggestion: "handles must be unique within a workflow",
			}
		}
		actionType := workflow.ActionType(a.Type)
		if !actionType.Known() {
			return nil, &errors.ValidationError{
				Field:      "actions",
				Message:    fmt.Sprintf("action %q has unknown type %q", a.Handle, a.Type),
				Suggestion: "use one of the documented action types",
			}
		}

		def := json.RawMessage("{}")
		if a.Definition != nil {
			buf, err := json.Marshal(a.Definition)
			if err != nil {
				return nil, fmt.Errorf("action %q: definition is not JSON-encodable: %w", a.Handle, err)
			}
			def = buf
		}

		name := a.Name
		if name == "" {
			name = a.Handle
		}

		wf.Actions[a.Handle] = &workflow.Action{
			ID:              ActionID(wf.ID, a.Handle),
			WorkflowID:      wf.ID,
			Name:            name,
			ReferenceHandle: a.Handle,
			Type:            actionType,
			Definition:      def,
		}
	}

	for _, e := range file.Edges {
		wf.Edges[e.Parent] = append(wf.Edges[e.Parent], e.Child)
	}

	if err := workflow.Validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ParseFile reads and parses one workflow definition file.
func ParseFile(path string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}
