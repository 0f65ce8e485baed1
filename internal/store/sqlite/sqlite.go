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

// Package sqlite provides the SQLite-backed store used for development and
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow"
)

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	// Defaults to 5; WAL mode handles concurrent readers.
	MaxOpenConns int
}

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the database and applies migrations.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode for concurrent readers alongside the writer.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

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
	// Foreign keys are off by default in SQLite.
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			is_live INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS actions (
			action_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
			action_name TEXT NOT NULL,
			reference_handle TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_definition TEXT NOT NULL DEFAULT '{}',
			UNIQUE (workflow_id, reference_handle)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_workflow ON actions(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS workflow_edges (
			workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
			parent_reference_handle TEXT NOT NULL,
			child_reference_handle TEXT NOT NULL,
			PRIMARY KEY (workflow_id, parent_reference_handle, child_reference_handle)
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_run_states (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
			run_state TEXT NOT NULL DEFAULT '{}',
			last_updated_timestamp INTEGER NOT NULL,
			completed_timestamp INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_states_workflow ON workflow_run_states(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS webhooks (
			webhook_id TEXT PRIMARY KEY,
			action_id TEXT NOT NULL UNIQUE REFERENCES actions(action_id) ON DELETE CASCADE,
			webhook_secret TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			workflow_id TEXT NOT NULL,
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
		`SELECT workflow_name, is_live FROM workflows WHERE workflow_id = ?`,
		workflowID.String(),
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
		 FROM actions WHERE workflow_id = ?`,
		workflowID.String(),
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
		 FROM workflow_edges WHERE workflow_id = ?`,
		workflowID.String(),
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
		`INSERT INTO workflows (workflow_id, workflow_name, is_live) VALUES (?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			is_live = excluded.is_live`,
		wf.ID.String(), wf.Name, wf.IsLive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	// Stale actions go first so a changed action id can reuse its old
	// reference handle without tripping the unique index.
	keep := make([]string, 0, len(actions))
	for _, row := range actions {
		keep = append(keep, row.ID.String())
	}
	if err := deleteStaleActions(ctx, tx, wf.ID.String(), keep); err != nil {
		return err
	}

	for _, row := range actions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO actions (action_id, workflow_id, action_name, reference_handle, action_type, action_definition)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(action_id) DO UPDATE SET
				workflow_id = excluded.workflow_id,
				action_name = excluded.action_name,
				reference_handle = excluded.reference_handle,
				action_type = excluded.action_type,
				action_definition = excluded.action_definition`,
			row.ID.String(), row.WorkflowID.String(), row.Name, row.ReferenceHandle, row.Type, string(row.Definition),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert action %s: %w", row.ReferenceHandle, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_edges WHERE workflow_id = ?`, wf.ID.String(),
	); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}

	for _, edge := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_edges (workflow_id, parent_reference_handle, child_reference_handle)
			 VALUES (?, ?, ?)`,
			wf.ID.String(), edge.Parent, edge.Child,
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
func deleteStaleActions(ctx context.Context, tx *sql.Tx, workflowID string, keep []string) error {
	if len(keep) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE workflow_id = ?`, workflowID); err != nil {
			return fmt.Errorf("failed to clear actions: %w", err)
		}
		return nil
	}

	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(keep)+1)
	args = append(args, workflowID)
	for _, id := range keep {
		args = append(args, id)
	}

	query := fmt.Sprintf(`DELETE FROM actions WHERE workflow_id = ? AND action_id NOT IN (%s)`, placeholders)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete stale actions: %w", err)
	}
	return nil
}

// DeleteWorkflow implements store.Workflows.
func (s *Store) DeleteWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE workflow_id = ?`, workflowID.String(),
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
		 VALUES (?, ?, '{}', ?)`,
		runID.String(), workflowID.String(), time.Now().UnixNano(),
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
		 SET run_state = ?, last_updated_timestamp = ?
		 WHERE run_id = ? AND workflow_id = ?`,
		string(buf), time.Now().UnixNano(), runID.String(), workflowID.String(),
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
	now := time.Now().UnixNano()
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_run_states
		 SET completed_timestamp = ?, last_updated_timestamp = ?
		 WHERE run_id = ?`,
		now, now, runID.String(),
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
	var stateJSON string
	var lastUpdated int64
	var completed *int64

	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_id, run_state, last_updated_timestamp, completed_timestamp
		 FROM workflow_run_states WHERE run_id = ?`,
		runID.String(),
	).Scan(&run.ID, &run.WorkflowID, &stateJSON, &lastUpdated, &completed)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(stateJSON))
	dec.UseNumber()
	if err := dec.Decode(&run.State); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	run.LastUpdated = time.Unix(0, lastUpdated)
	if completed != nil {
		t := time.Unix(0, *completed)
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
		 WHERE w.webhook_id = ?`,
		webhookID.String(),
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
		`SELECT EXISTS (SELECT 1 FROM actions WHERE action_id = ?)`, actionID.String(),
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
		 VALUES (?, ?, ?)
		 ON CONFLICT(action_id) DO NOTHING`,
		uuid.New().String(), actionID.String(), secret,
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
		 WHERE w.action_id = ?`,
		actionID.String(),
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
		 WHERE workflow_id = ? AND credential_name = ?`,
		workflowID.String(), name,
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
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(workflow_id, credential_name) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			credential_type = excluded.credential_type`,
		cred.WorkflowID.String(), cred.Name, cred.EncryptedSecret, cred.Type,
	)
	if err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}
	return nil
}

// DeleteCredential implements store.Credentials.
func (s *Store) DeleteCredential(ctx context.Context, workflowID uuid.UUID, name string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE workflow_id = ? AND credential_name = ?`,
		workflowID.String(), name,
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
