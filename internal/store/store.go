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

// Package store defines the persistence contracts for workflows, runs,
// webhooks, and credentials, plus an in-memory implementation. The postgres
// and sqlite subpackages provide the durable backends; all three satisfy the
// same interfaces, so the engine never knows which one it runs on.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/pkg/workflow"
)

// WorkflowSummary is one row of the workflow list.
type WorkflowSummary struct {
	ID     uuid.UUID
	Name   string
	IsLive bool
}

// Run is one row of workflow_run_states.
type Run struct {
	ID          uuid.UUID
	WorkflowID  uuid.UUID
	State       map[string]interface{}
	LastUpdated time.Time
	Completed   *time.Time
}

// Webhook is a webhook row joined with the action that owns it, so one
// lookup yields everything ingress needs to start a run.
type Webhook struct {
	ID              uuid.UUID
	ActionID        uuid.UUID
	WorkflowID      uuid.UUID
	ReferenceHandle string
	Secret          string
}

// Credential is one encrypted credential row. Type is nil for plain secrets
// that carry no integration tag.
type Credential struct {
	WorkflowID      uuid.UUID
	Name            string
	EncryptedSecret string
	Type            *string
}

// Workflows loads and writes workflow graphs.
type Workflows interface {
	// GetWorkflow materializes the workflow's graph from its rows. A
	// missing workflow is a NotFoundError; a graph that breaks the
	// handle-closure invariant is a ValidationError.
	GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*workflow.Workflow, error)

	// ListWorkflows returns summaries ordered by name.
	ListWorkflows(ctx context.Context) ([]WorkflowSummary, error)

	// UpsertWorkflow replaces the workflow row and all of its action and
	// edge rows with the given graph.
	UpsertWorkflow(ctx context.Context, wf *workflow.Workflow) error

	// DeleteWorkflow removes the workflow and its dependent rows. A
	// missing workflow is a NotFoundError.
	DeleteWorkflow(ctx context.Context, workflowID uuid.UUID) error
}

// Runs persists run lifecycle state. The method set matches what the
// workflow executor expects from its RunStore.
type Runs interface {
	// CreateRun opens a run with an empty state row and returns its id.
	CreateRun(ctx context.Context, workflowID uuid.UUID) (uuid.UUID, error)

	// SaveRunState overwrites the run's state row with the full
	// handle-to-output map. No row to update is a StateError.
	SaveRunState(ctx context.Context, runID, workflowID uuid.UUID, state map[string]interface{}) error

	// CompleteRun writes the completion timestamp. No row is a StateError.
	CompleteRun(ctx context.Context, runID uuid.UUID) error

	// GetRun returns the run row. A missing run is a NotFoundError.
	GetRun(ctx context.Context, runID uuid.UUID) (*Run, error)
}

// Webhooks resolves and provisions webhook ingress rows.
type Webhooks interface {
	// GetWebhook returns the webhook joined with its owning action. A
	// missing webhook is a NotFoundError.
	GetWebhook(ctx context.Context, webhookID uuid.UUID) (*Webhook, error)

	// EnsureWebhook returns the webhook row for the action, creating one
	// with a generated secret when none exists yet.
	EnsureWebhook(ctx context.Context, actionID uuid.UUID) (*Webhook, error)
}

// Credentials reads and writes encrypted credential rows. Encryption happens
// a layer above; the store only ever sees ciphertext.
type Credentials interface {
	// GetCredential returns the credential row for (workflowID, name). A
	// missing row is a NotFoundError.
	GetCredential(ctx context.Context, workflowID uuid.UUID, name string) (*Credential, error)

	// SetCredential inserts or overwrites the credential row.
	SetCredential(ctx context.Context, cred *Credential) error

	// DeleteCredential removes the row. A missing row is a NotFoundError.
	DeleteCredential(ctx context.Context, workflowID uuid.UUID, name string) error

	// ListCredentials returns every credential row without its secret,
	// ordered by workflow then name.
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// Store is the full persistence surface the daemon wires up.
type Store interface {
	Workflows
	Runs
	Webhooks
	Credentials

	// Close releases the backend's resources.
	Close() error
}

// NewWebhookSecret returns a fresh 32-byte random secret, hex encoded. Every
// backend provisions webhook secrets through this so entropy policy lives in
// one place.
func NewWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
