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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow"
)

// memoryRun mirrors a workflow_run_states row. State is kept as the
// marshaled JSON so reads observe the same encode/decode round trip the SQL
// backends produce.
type memoryRun struct {
	workflowID  uuid.UUID
	stateJSON   []byte
	lastUpdated time.Time
	completed   *time.Time
}

type credentialKey struct {
	workflowID uuid.UUID
	name       string
}

// Memory is a Store kept entirely in process memory. It backs engine tests
// and ephemeral development runs; nothing survives a restart.
type Memory struct {
	mu          sync.RWMutex
	workflows   map[uuid.UUID]*workflow.Workflow
	runs        map[uuid.UUID]*memoryRun
	webhooks    map[uuid.UUID]*Webhook
	credentials map[credentialKey]*Credential
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows:   make(map[uuid.UUID]*workflow.Workflow),
		runs:        make(map[uuid.UUID]*memoryRun),
		webhooks:    make(map[uuid.UUID]*Webhook),
		credentials: make(map[credentialKey]*Credential),
	}
}

// GetWorkflow implements Workflows.
func (m *Memory) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID.String()}
	}

	// Copy the maps so a later upsert cannot mutate a loaded graph.
	out := &workflow.Workflow{
		ID:      wf.ID,
		Name:    wf.Name,
		IsLive:  wf.IsLive,
		Actions: make(map[string]*workflow.Action, len(wf.Actions)),
		Edges:   make(map[string][]string, len(wf.Edges)),
	}
	for handle, action := range wf.Actions {
		out.Actions[handle] = action
	}
	for parent, children := range wf.Edges {
		copied := append([]string(nil), children...)
		sort.Strings(copied)
		out.Edges[parent] = copied
	}
	return out, nil
}

// ListWorkflows implements Workflows.
func (m *Memory) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]WorkflowSummary, 0, len(m.workflows))
	for _, wf := range m.workflows {
		summaries = append(summaries, WorkflowSummary{ID: wf.ID, Name: wf.Name, IsLive: wf.IsLive})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// UpsertWorkflow implements Workflows.
func (m *Memory) UpsertWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := workflow.Validate(wf); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

// DeleteWorkflow implements Workflows.
func (m *Memory) DeleteWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[workflowID]; !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowID.String()}
	}
	delete(m.workflows, workflowID)

	for id, hook := range m.webhooks {
		if hook.WorkflowID == workflowID {
			delete(m.webhooks, id)
		}
	}
	return nil
}

// CreateRun implements Runs.
func (m *Memory) CreateRun(ctx context.Context, workflowID uuid.UUID) (uuid.UUID, error) {
	runID := uuid.New()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = &memoryRun{
		workflowID:  workflowID,
		stateJSON:   []byte("{}"),
		lastUpdated: time.Now().UTC(),
	}
	return runID, nil
}

// SaveRunState implements Runs.
func (m *Memory) SaveRunState(ctx context.Context, runID, workflowID uuid.UUID, state map[string]interface{}) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok || run.workflowID != workflowID {
		return &errors.StateError{RunID: runID.String(), Reason: "no run-state row to update"}
	}
	run.stateJSON = buf
	run.lastUpdated = time.Now().UTC()
	return nil
}

// CompleteRun implements Runs.
func (m *Memory) CompleteRun(ctx context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return &errors.StateError{RunID: runID.String(), Reason: "no run-state row to complete"}
	}
	now := time.Now().UTC()
	run.completed = &now
	run.lastUpdated = now
	return nil
}

// GetRun implements Runs.
func (m *Memory) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID.String()}
	}

	var state map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(run.stateJSON))
	dec.UseNumber()
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}

	out := &Run{
		ID:          runID,
		WorkflowID:  run.workflowID,
		State:       state,
		LastUpdated: run.lastUpdated,
	}
	if run.completed != nil {
		completed := *run.completed
		out.Completed = &completed
	}
	return out, nil
}

// GetWebhook implements Webhooks.
func (m *Memory) GetWebhook(ctx context.Context, webhookID uuid.UUID) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hook, ok := m.webhooks[webhookID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "webhook", ID: webhookID.String()}
	}
	copied := *hook
	return &copied, nil
}

// EnsureWebhook implements Webhooks.
func (m *Memory) EnsureWebhook(ctx context.Context, actionID uuid.UUID) (*Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hook := range m.webhooks {
		if hook.ActionID == actionID {
			copied := *hook
			return &copied, nil
		}
	}

	workflowID, handle, ok := m.findActionLocked(actionID)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "action", ID: actionID.String()}
	}

	secret, err := NewWebhookSecret()
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}

	hook := &Webhook{
		ID:              uuid.New(),
		ActionID:        actionID,
		WorkflowID:      workflowID,
		ReferenceHandle: handle,
		Secret:          secret,
	}
	m.webhooks[hook.ID] = hook

	copied := *hook
	return &copied, nil
}

// findActionLocked locates an action across stored workflows. Callers hold
// the lock.
func (m *Memory) findActionLocked(actionID uuid.UUID) (uuid.UUID, string, bool) {
	for _, wf := range m.workflows {
		for handle, action := range wf.Actions {
			if action.ID == actionID {
				return wf.ID, handle, true
			}
		}
	}
	return uuid.Nil, "", false
}

// GetCredential implements Credentials.
func (m *Memory) GetCredential(ctx context.Context, workflowID uuid.UUID, name string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.credentials[credentialKey{workflowID, name}]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "credential", ID: name}
	}
	copied := *cred
	return &copied, nil
}

// SetCredential implements Credentials.
func (m *Memory) SetCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *cred
	m.credentials[credentialKey{cred.WorkflowID, cred.Name}] = &copied
	return nil
}

// DeleteCredential implements Credentials.
func (m *Memory) DeleteCredential(ctx context.Context, workflowID uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := credentialKey{workflowID, name}
	if _, ok := m.credentials[key]; !ok {
		return &errors.NotFoundError{Resource: "credential", ID: name}
	}
	delete(m.credentials, key)
	return nil
}

// ListCredentials implements Credentials.
func (m *Memory) ListCredentials(ctx context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Credential, 0, len(m.credentials))
	for _, cred := range m.credentials {
		out = append(out, Credential{
			WorkflowID: cred.WorkflowID,
			Name:       cred.Name,
			Type:       cred.Type,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkflowID != out[j].WorkflowID {
			return out[i].WorkflowID.String() < out[j].WorkflowID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
