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

package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow"
)

// phishingTriage builds a small two-node graph: a webhook entry feeding
// an HTTP request node.
func phishingTriage(name string) *workflow.Workflow {
	wfID := uuid.New()
	entry := &workflow.Action{
		ID:              uuid.New(),
		WorkflowID:      wfID,
		Name:            "Alert received",
		ReferenceHandle: "alert_received",
		Type:            workflow.ActionTypeWebhook,
		Definition:      json.RawMessage(`{}`),
	}
	notify := &workflow.Action{
		ID:              uuid.New(),
		WorkflowID:      wfID,
		Name:            "Notify channel",
		ReferenceHandle: "notify_channel",
		Type:            workflow.ActionTypeHTTPRequest,
		Definition:      json.RawMessage(`{"method":"POST","url":"https://hooks.example.com/alerts"}`),
	}
	return &workflow.Workflow{
		ID:     wfID,
		Name:   name,
		IsLive: true,
		Actions: map[string]*workflow.Action{
			entry.ReferenceHandle:  entry,
			notify.ReferenceHandle: notify,
		},
		Edges: map[string][]string{
			"alert_received": {"notify_channel"},
		},
	}
}

func TestStore_UpsertAndGetWorkflow(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")

	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}

	loaded, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}

	if loaded.Name != "phishing-triage" {
		t.Errorf("expected name phishing-triage, got %s", loaded.Name)
	}
	if !loaded.IsLive {
		t.Error("expected workflow to be live")
	}
	if len(loaded.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(loaded.Actions))
	}

	notify, ok := loaded.Actions["notify_channel"]
	if !ok {
		t.Fatal("expected notify_channel action")
	}
	if notify.Type != workflow.ActionTypeHTTPRequest {
		t.Errorf("expected http_request type, got %s", notify.Type)
	}
	if notify.ID != wf.Actions["notify_channel"].ID {
		t.Errorf("expected action id to round-trip, got %s", notify.ID)
	}

	var def workflow.HTTPRequestDefinition
	if err := json.Unmarshal(notify.Definition, &def); err != nil {
		t.Fatalf("failed to decode definition: %v", err)
	}
	if def.URL != "https://hooks.example.com/alerts" {
		t.Errorf("expected definition URL to round-trip, got %s", def.URL)
	}

	children := loaded.Edges["alert_received"]
	if len(children) != 1 || children[0] != "notify_channel" {
		t.Errorf("expected edge alert_received -> notify_channel, got %v", children)
	}
}

func TestStore_GetWorkflow_NotFound(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	_, err = s.GetWorkflow(context.Background(), uuid.New())
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Resource != "workflow" {
		t.Errorf("expected workflow resource, got %s", notFound.Resource)
	}
}

func TestStore_ListWorkflows(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	second := phishingTriage("suspicious-login")
	first := phishingTriage("host-isolation")
	first.IsLive = false

	for _, wf := range []*workflow.Workflow{second, first} {
		if err := s.UpsertWorkflow(ctx, wf); err != nil {
			t.Fatalf("failed to upsert %s: %v", wf.Name, err)
		}
	}

	summaries, err := s.ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("failed to list workflows: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(summaries))
	}
	if summaries[0].Name != "host-isolation" || summaries[1].Name != "suspicious-login" {
		t.Errorf("expected name-ordered listing, got %s then %s", summaries[0].Name, summaries[1].Name)
	}
	if summaries[0].IsLive {
		t.Error("expected host-isolation to be not live")
	}
	if summaries[0].ID != first.ID {
		t.Errorf("expected id to round-trip, got %s", summaries[0].ID)
	}
}

func TestStore_UpsertWorkflow_ReplacesStaleActions(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}

	// Drop the HTTP node and rename the workflow.
	trimmed := &workflow.Workflow{
		ID:     wf.ID,
		Name:   "phishing-triage-v2",
		IsLive: false,
		Actions: map[string]*workflow.Action{
			"alert_received": wf.Actions["alert_received"],
		},
		Edges: map[string][]string{},
	}
	if err := s.UpsertWorkflow(ctx, trimmed); err != nil {
		t.Fatalf("failed to upsert trimmed workflow: %v", err)
	}

	loaded, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if loaded.Name != "phishing-triage-v2" {
		t.Errorf("expected renamed workflow, got %s", loaded.Name)
	}
	if loaded.IsLive {
		t.Error("expected workflow to be not live after upsert")
	}
	if len(loaded.Actions) != 1 {
		t.Fatalf("expected stale action removed, got %d actions", len(loaded.Actions))
	}
	if _, ok := loaded.Actions["notify_channel"]; ok {
		t.Error("expected notify_channel to be deleted")
	}
	if len(loaded.Edges) != 0 {
		t.Errorf("expected edges cleared, got %v", loaded.Edges)
	}
}

func TestStore_UpsertWorkflow_PreservesWebhookSecret(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}

	entryID := wf.Actions["alert_received"].ID
	hook, err := s.EnsureWebhook(ctx, entryID)
	if err != nil {
		t.Fatalf("failed to ensure webhook: %v", err)
	}

	// Re-sync the same graph, with a definition tweak but stable ids.
	wf.Actions["notify_channel"].Definition = json.RawMessage(`{"method":"POST","url":"https://hooks.example.com/v2"}`)
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to re-upsert workflow: %v", err)
	}

	after, err := s.EnsureWebhook(ctx, entryID)
	if err != nil {
		t.Fatalf("failed to ensure webhook after re-sync: %v", err)
	}
	if after.ID != hook.ID {
		t.Errorf("expected webhook id to survive re-sync, got %s then %s", hook.ID, after.ID)
	}
	if after.Secret != hook.Secret {
		t.Error("expected webhook secret to survive re-sync")
	}
}

func TestStore_DeleteWorkflow_Cascades(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}

	runID, err := s.CreateRun(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	hook, err := s.EnsureWebhook(ctx, wf.Actions["alert_received"].ID)
	if err != nil {
		t.Fatalf("failed to ensure webhook: %v", err)
	}

	if err := s.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("failed to delete workflow: %v", err)
	}

	if _, err := s.GetWorkflow(ctx, wf.ID); !errors.As(err, new(*errors.NotFoundError)) {
		t.Errorf("expected workflow gone, got %v", err)
	}
	if _, err := s.GetRun(ctx, runID); !errors.As(err, new(*errors.NotFoundError)) {
		t.Errorf("expected run cascade-deleted, got %v", err)
	}
	if _, err := s.GetWebhook(ctx, hook.ID); !errors.As(err, new(*errors.NotFoundError)) {
		t.Errorf("expected webhook cascade-deleted, got %v", err)
	}

	if err := s.DeleteWorkflow(ctx, uuid.New()); !errors.As(err, new(*errors.NotFoundError)) {
		t.Errorf("expected NotFoundError for unknown workflow, got %v", err)
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}

	runID, err := s.CreateRun(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.WorkflowID != wf.ID {
		t.Errorf("expected workflow id %s, got %s", wf.ID, run.WorkflowID)
	}
	if len(run.State) != 0 {
		t.Errorf("expected empty initial state, got %v", run.State)
	}
	if run.Completed != nil {
		t.Error("expected fresh run to have no completed timestamp")
	}
	if run.LastUpdated.IsZero() {
		t.Error("expected last updated to be set")
	}

	state := map[string]interface{}{
		"alert_received": map[string]interface{}{"severity": "high"},
	}
	if err := s.SaveRunState(ctx, runID, wf.ID, state); err != nil {
		t.Fatalf("failed to save run state: %v", err)
	}

	run, err = s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run after save: %v", err)
	}
	node, ok := run.State["alert_received"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected alert_received node output, got %v", run.State)
	}
	if node["severity"] != "high" {
		t.Errorf("expected severity high, got %v", node["severity"])
	}

	if err := s.CompleteRun(ctx, runID); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	run, err = s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get completed run: %v", err)
	}
	if run.Completed == nil {
		t.Fatal("expected completed timestamp to be set")
	}
}

func TestStore_RunState_KeepsLargeIntegers(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}
	runID, err := s.CreateRun(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// 2^53+1 is not representable as float64.
	state := map[string]interface{}{"event_id": json.Number("9007199254740993")}
	if err := s.SaveRunState(ctx, runID, wf.ID, state); err != nil {
		t.Fatalf("failed to save run state: %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	num, ok := run.State["event_id"].(json.Number)
	if !ok {
		t.Fatalf("expected json.Number, got %T", run.State["event_id"])
	}
	if num.String() != "9007199254740993" {
		t.Errorf("expected digits preserved, got %s", num)
	}
}

func TestStore_SaveRunState_NoRow(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}

	var stateErr *errors.StateError
	err = s.SaveRunState(ctx, uuid.New(), wf.ID, map[string]interface{}{})
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError for unknown run, got %v", err)
	}

	// A run id paired with the wrong workflow updates nothing.
	runID, err := s.CreateRun(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	err = s.SaveRunState(ctx, runID, uuid.New(), map[string]interface{}{})
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError for mismatched workflow, got %v", err)
	}
}

func TestStore_CompleteRun_NoRow(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	var stateErr *errors.StateError
	if err := s.CompleteRun(context.Background(), uuid.New()); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestStore_EnsureWebhook(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wf := phishingTriage("phishing-triage")
	if err := s.UpsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert workflow: %v", err)
	}

	entryID := wf.Actions["alert_received"].ID
	hook, err := s.EnsureWebhook(ctx, entryID)
	if err != nil {
		t.Fatalf("failed to ensure webhook: %v", err)
	}
	if hook.ActionID != entryID {
		t.Errorf("expected action id %s, got %s", entryID, hook.ActionID)
	}
	if hook.WorkflowID != wf.ID {
		t.Errorf("expected workflow id %s, got %s", wf.ID, hook.WorkflowID)
	}
	if hook.ReferenceHandle != "alert_received" {
		t.Errorf("expected reference handle alert_received, got %s", hook.ReferenceHandle)
	}
	if len(hook.Secret) != 64 {
		t.Errorf("expected 64 hex chars of secret, got %d", len(hook.Secret))
	}

	again, err := s.EnsureWebhook(ctx, entryID)
	if err != nil {
		t.Fatalf("failed to ensure webhook twice: %v", err)
	}
	if again.ID != hook.ID || again.Secret != hook.Secret {
		t.Error("expected second ensure to return the existing webhook")
	}

	fetched, err := s.GetWebhook(ctx, hook.ID)
	if err != nil {
		t.Fatalf("failed to get webhook: %v", err)
	}
	if fetched.WorkflowID != wf.ID || fetched.ReferenceHandle != "alert_received" {
		t.Errorf("expected joined workflow fields, got %+v", fetched)
	}

	var notFound *errors.NotFoundError
	if _, err := s.EnsureWebhook(ctx, uuid.New()); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for unknown action, got %v", err)
	}
	if notFound.Resource != "action" {
		t.Errorf("expected action resource, got %s", notFound.Resource)
	}
}

func TestStore_GetWebhook_NotFound(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	var notFound *errors.NotFoundError
	_, err = s.GetWebhook(context.Background(), uuid.New())
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Resource != "webhook" {
		t.Errorf("expected webhook resource, got %s", notFound.Resource)
	}
}

func TestStore_Credentials(t *testing.T) {
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	wfID := uuid.New()
	credType := "MS_TEAMS"

	cred := &store.Credential{
		WorkflowID:      wfID,
		Name:            "teams-creds",
		EncryptedSecret: "deadbeef",
		Type:            &credType,
	}
	if err := s.SetCredential(ctx, cred); err != nil {
		t.Fatalf("failed to set credential: %v", err)
	}

	loaded, err := s.GetCredential(ctx, wfID, "teams-creds")
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if loaded.EncryptedSecret != "deadbeef" {
		t.Errorf("expected secret to round-trip, got %s", loaded.EncryptedSecret)
	}
	if loaded.Type == nil || *loaded.Type != "MS_TEAMS" {
		t.Errorf("expected MS_TEAMS type, got %v", loaded.Type)
	}

	// Overwrite clears the type when unset.
	cred.EncryptedSecret = "cafef00d"
	cred.Type = nil
	if err := s.SetCredential(ctx, cred); err != nil {
		t.Fatalf("failed to overwrite credential: %v", err)
	}
	loaded, err = s.GetCredential(ctx, wfID, "teams-creds")
	if err != nil {
		t.Fatalf("failed to get overwritten credential: %v", err)
	}
	if loaded.EncryptedSecret != "cafef00d" {
		t.Errorf("expected overwritten secret, got %s", loaded.EncryptedSecret)
	}
	if loaded.Type != nil {
		t.Errorf("expected nil type after overwrite, got %v", *loaded.Type)
	}

	if err := s.SetCredential(ctx, &store.Credential{
		WorkflowID:      wfID,
		Name:            "api-key",
		EncryptedSecret: "0123",
	}); err != nil {
		t.Fatalf("failed to set second credential: %v", err)
	}

	creds, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("failed to list credentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].Name != "api-key" || creds[1].Name != "teams-creds" {
		t.Errorf("expected name-ordered listing, got %s then %s", creds[0].Name, creds[1].Name)
	}
	for _, c := range creds {
		if c.EncryptedSecret != "" {
			t.Errorf("expected listing to omit secrets, got one for %s", c.Name)
		}
	}

	if err := s.DeleteCredential(ctx, wfID, "teams-creds"); err != nil {
		t.Fatalf("failed to delete credential: %v", err)
	}
	var notFound *errors.NotFoundError
	if _, err := s.GetCredential(ctx, wfID, "teams-creds"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
	if err := s.DeleteCredential(ctx, wfID, "teams-creds"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for double delete, got %v", err)
	}
}
