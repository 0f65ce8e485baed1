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

// Package postgres provides the PostgreSQL-backed store used in shared
// deployments.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow"
)

// Config contains PostgreSQL storage configuration.
type Config struct {
	// URL is a postgres:// connection string.
	URL string

	// MaxOpenConns sets the maximum number of open connections.
	// Defaults to 10.
	MaxOpenConns int
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens a connection pool and applies migrations.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id UUID PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			is_live BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS actions (
			action_id UUID PRIMARY KEY,
			workflow_id UUID NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
			action_name TEXT NOT NULL,
			reference_handle TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_definition JSONB NOT NULL DEFAULT '{}',
			UNIQUE (workflow_id, reference_handle)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_workflow ON actions(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS workflow_edges (
			workflow_id UUID NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
			parent_reference_handle TEXT NOT NULL,
			child_reference_handle TEXT NOT NULL,
			PRIMARY KEY (workflow_id, parent_reference_handle, child_reference_handle)
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_run_states (
			run_id UUID PRIMARY KEY,
			workflow_id UUID NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
			run_state JSONB NOT NULL DEFAULT '{}',
			last_updated_timestamp TIMESTAMPTZ NOT NULL,
			completed_timestamp TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_states_workflow ON workflow_run_states(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS webhooks (
			webhook_id UUID PRIMARY KEY,
			action_id UUID NOT NULL UNIQUE REFERENCES actions(action_id) ON DELETE CASCADE,
			webhook_secret TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			workflow_id UUID NOT NULL,
			credential_name TEXT NOT NULL,
			encrypted_secret TEXT NOT NULL,
			credential_type TEXT,
			PRIMARY KEY (workflow_id, credential_name)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// GetWorkflow implements store.Workflows.
func (s *Store) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*workflow.Workflow, error) {
	var name string
	var isLive bool
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_name, is_live FROM workflows WHERE workflow_id = $1`,
		workflowID,
	).Scan(&name, &isLive)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	actions, err := s.loadActions(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	edges, err := s.loadEdges(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return store.AssembleWorkflow(workflowID, name, isLive, actions, edges)
}

func (s *Store) loadActions(ctx context.Context, workflowID uuid.UUID) ([]store.ActionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_id, action_name, reference_handle, action_type, action_definition
		 FROM actions WHERE workflow_id = $1`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []store.ActionRow
	for rows.Next() {
		row := store.ActionRow{WorkflowID: workflowID}
		if err := rows.Scan(&row.ID, &row.Name, &row.ReferenceHandle, &row.Type, &row.Definition); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, row)
	}
	return actions, rows.Err()
}

func (s *Store) loadEdges(ctx context.Context, workflowID uuid.UUID) ([]store.EdgeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_reference_handle, child_reference_handle
		 FROM workflow_edges WHERE workflow_id = $1`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []store.EdgeRow
	for rows.Next() {
		var row store.EdgeRow
		if err := rows.Scan(&row.Parent, &row.Child); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, row)
	}
	return edges, rows.Err()
}

// ListWorkflows implements store.Workflows.
func (s *Store) ListWorkflows(ctx context.Context) ([]store.WorkflowSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, workflow_name, is_live FROM workflows ORDER BY workflow_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var summaries []store.WorkflowSummary
	for rows.Next() {
		var summary store.WorkflowSummary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.IsLive); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// UpsertWorkflow implements store.Workflows. Actions upsert by id so webhook
// rows (keyed by action id) survive re-syncs; stale actions and all edges
// are replaced.
func (s *Store) UpsertWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := workflow.Validate(wf); err != nil {
		return err
	}

	actions, edges := store.FlattenWorkflow(wf)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, workflow_name, is_live) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			is_live = excluded.is_live`,
		wf.ID, wf.Name, wf.IsLive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	keep := make([]uuid.UUID, 0, len(actions))
	for _, row := range actions {
		keep = append(keep, row.ID)
	}
	if err := deleteStaleActions(ctx, tx, wf.ID, keep); err != nil {
		return err
	}

	for _, row := range actions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO actions (action_id, workflow_id, action_name, reference_handle, action_type, action_definition)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (action_id) DO UPDATE SET
				workflow_id = excluded.workflow_id,
				action_name = excluded.action_name,
				reference_handle = excluded.reference_handle,
				action_type = excluded.action_type,
				action_definition = excluded.action_definition`,
			row.ID, row.WorkflowID, row.Name, row.ReferenceHandle, row.Type, string(row.Definition),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert action %s: %w", row.ReferenceHandle, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_edges WHERE workflow_id = $1`, wf.ID,
	); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}

	for _, edge := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_edges (workflow_id, parent_reference_handle, child_reference_handle)
			 VALUES ($1, $2, $3)`,
			wf.ID, edge.Parent, edge.Child,
		); err != nil {
			return fmt.Errorf("failed to insert edge %s->%s: %w", edge.Parent, edge.Child, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow upsert: %w", err)
	}
	return nil
}

// deleteStaleActions removes actions no longer present in the graph.
func deleteStaleActions(ctx context.Context, tx *sql.Tx, workflowID uuid.UUID, keep []uuid.UUID) error {
	if len(keep) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE workflow_id = $1`, workflowID); err != nil {
			return fmt.Errorf("failed to clear actions: %w", err)
		}
		return nil
	}

	placeholders := make([]string, len(keep))
	args := make([]any, 0, len(keep)+1)
	args = append(args, workflowID)
	for i, id := range keep {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`DELETE FROM actions WHERE workflow_id = $1 AND action_id NOT IN (%s)`,
		strings.Join(placeholders, ","),
	)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete stale actions: %w", err)
	}
	return nil
}

// DeleteWorkflow implements store.Workflows.
func (s *Store) DeleteWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE workflow_id = $1`, workflowID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowID.String()}
	}
	return nil
}

// CreateRun implements store.Runs.
func (s *Store) CreateRun(ctx context.Context, workflowID uuid.UUID) (uuid.UUID, error) {
	runID := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_run_states (run_id, workflow_id, run_state, last_updated_timestamp)
		 VALUES ($1, $2, '{}', $3)`,
		runID, workflowID, time.Now().UTC(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create run: %w", err)
	}
	return runID, nil
}

// SaveRunState implements store.Runs.
func (s *Store) SaveRunState(ctx context.Context, runID, workflowID uuid.UUID, state map[string]interface{}) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_run_states
		 SET run_state = $1, last_updated_timestamp = $2
		 WHERE run_id = $3 AND workflow_id = $4`,
		string(buf), time.Now().UTC(), runID, workflowID,
	)
	if err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.StateError{RunID: runID.String(), Reason: "no run-state row to update"}
	}
	return nil
}

// CompleteRun implements store.Runs.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_run_states
		 SET completed_timestamp = $1, last_updated_timestamp = $2
		 WHERE run_id = $3`,
		now, now, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.StateError{RunID: runID.String(), Reason: "no run-state row to complete"}
	}
	return nil
}

// GetRun implements store.Runs.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	var run store.Run
	var stateJSON []byte
	var completed sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_id, run_state, last_updated_timestamp, completed_timestamp
		 FROM workflow_run_states WHERE run_id = $1`,
		runID,
	).Scan(&run.ID, &run.WorkflowID, &stateJSON, &run.LastUpdated, &completed)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(stateJSON)))
	dec.UseNumber()
	if err := dec.Decode(&run.State); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		run.Completed = &t
	}
	return &run, nil
}

// GetWebhook implements store.Webhooks.
func (s *Store) GetWebhook(ctx context.Context, webhookID uuid.UUID) (*store.Webhook, error) {
	var hook store.Webhook
	err := s.db.QueryRowContext(ctx,
		`SELECT w.webhook_id, w.action_id, a.workflow_id, a.reference_handle, w.webhook_secret
		 FROM webhooks w JOIN actions a ON a.action_id = w.action_id
		 WHERE w.webhook_id = $1`,
		webhookID,
	).Scan(&hook.ID, &hook.ActionID, &hook.WorkflowID, &hook.ReferenceHandle, &hook.Secret)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "webhook", ID: webhookID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	return &hook, nil
}

// EnsureWebhook implements store.Webhooks. The insert races with
// concurrent syncs; ON CONFLICT DO NOTHING plus the re-read keeps one
// secret per action.
func (s *Store) EnsureWebhook(ctx context.Context, actionID uuid.UUID) (*store.Webhook, error) {
	hook, err := s.webhookByAction(ctx, actionID)
	if err == nil {
		return hook, nil
	}
	if !errors.As(err, new(*errors.NotFoundError)) {
		return nil, err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM actions WHERE action_id = $1)`, actionID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check action: %w", err)
	}
	if !exists {
		return nil, &errors.NotFoundError{Resource: "action", ID: actionID.String()}
	}

	secret, err := store.NewWebhookSecret()
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (webhook_id, action_id, webhook_secret)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (action_id) DO NOTHING`,
		uuid.New(), actionID, secret,
	); err != nil {
		return nil, fmt.Errorf("failed to insert webhook: %w", err)
	}

	return s.webhookByAction(ctx, actionID)
}

func (s *Store) webhookByAction(ctx context.Context, actionID uuid.UUID) (*store.Webhook, error) {
	var hook store.Webhook
	err := s.db.QueryRowContext(ctx,
		`SELECT w.webhook_id, w.action_id, a.workflow_id, a.reference_handle, w.webhook_secret
		 FROM webhooks w JOIN actions a ON a.action_id = w.action_id
		 WHERE w.action_id = $1`,
		actionID,
	).Scan(&hook.ID, &hook.ActionID, &hook.WorkflowID, &hook.ReferenceHandle, &hook.Secret)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "webhook", ID: actionID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	return &hook, nil
}

// GetCredential implements store.Credentials.
func (s *Store) GetCredential(ctx context.Context, workflowID uuid.UUID, name string) (*store.Credential, error) {
	cred := store.Credential{WorkflowID: workflowID, Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_secret, credential_type FROM credentials
		 WHERE workflow_id = $1 AND credential_name = $2`,
		workflowID, name,
	).Scan(&cred.EncryptedSecret, &cred.Type)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "credential", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &cred, nil
}

// SetCredential implements store.Credentials.
func (s *Store) SetCredential(ctx context.Context, cred *store.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (workflow_id, credential_name, encrypted_secret, credential_type)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workflow_id, credential_name) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			credential_type = excluded.credential_type`,
		cred.WorkflowID, cred.Name, cred.EncryptedSecret, cred.Type,
	)
	if err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}
	return nil
}

// DeleteCredential implements store.Credentials.
func (s *Store) DeleteCredential(ctx context.Context, workflowID uuid.UUID, name string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE workflow_id = $1 AND credential_name = $2`,
		workflowID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "credential", ID: name}
	}
	return nil
}

// ListCredentials implements store.Credentials.
func (s *Store) ListCredentials(ctx context.Context) ([]store.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, credential_name, credential_type FROM credentials
		 ORDER BY workflow_id, credential_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []store.Credential
	for rows.Next() {
		var cred store.Credential
		if err := rows.Scan(&cred.WorkflowID, &cred.Name, &cred.Type); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
