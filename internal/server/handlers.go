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

package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/internal/runner"
	quivererrors "github.com/quiverops/quiver/pkg/errors"
)

// maxBodyBytes caps trigger payloads. Webhook senders and operators
// alike get 1 MiB.
const maxBodyBytes = 1 << 20

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// runResponse is the body returned by both trigger endpoints. RunID is
// absent when the workflow was offline and nothing executed.
type runResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

func newRunResponse(runID uuid.UUID) runResponse {
	resp := runResponse{Status: "success"}
	if runID != uuid.Nil {
		resp.RunID = runID.String()
	}
	return resp
}

// handleWebhook handles POST /webhooks/{webhook_id}/{secret}.
//
// An unknown webhook id and a wrong secret are indistinguishable to
// the caller: both return a bare 404. The secret compare is
// constant-time so the response cannot be used to guess it byte by
// byte.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.runner.Draining() {
		w.Header().Set("Retry-After", "10")
		s.recordWebhook("draining")
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	webhookID, err := uuid.Parse(r.PathValue("webhook_id"))
	if err != nil {
		s.webhookNotFound(w)
		return
	}

	wh, err := s.store.GetWebhook(r.Context(), webhookID)
	if err != nil {
		var notFound *quivererrors.NotFoundError
		if errors.As(err, &notFound) {
			s.webhookNotFound(w)
			return
		}
		s.logger.Error("webhook lookup failed", "webhook_id", webhookID, "error", err)
		s.recordWebhook("error")
		writeError(w, http.StatusInternalServerError, "workflow run failed")
		return
	}

	if subtle.ConstantTimeCompare([]byte(r.PathValue("secret")), []byte(wh.Secret)) != 1 {
		s.webhookNotFound(w)
		return
	}

	payload := decodePayload(w, r)

	wf, err := s.store.GetWorkflow(r.Context(), wh.WorkflowID)
	if err != nil {
		s.logger.Error("webhook workflow load failed",
			"webhook_id", webhookID,
			"workflow_id", wh.WorkflowID,
			"error", err,
		)
		s.recordWebhook("error")
		writeError(w, http.StatusInternalServerError, "workflow run failed")
		return
	}

	runID, err := s.runner.Run(r.Context(), wf, wh.ReferenceHandle, payload)
	if err != nil {
		if errors.Is(err, runner.ErrDraining) {
			w.Header().Set("Retry-After", "10")
			s.recordWebhook("draining")
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		s.logger.Error("webhook run failed",
			"webhook_id", webhookID,
			"workflow_id", wh.WorkflowID,
			"run_id", runID,
			"error", err,
		)
		s.recordWebhook("error")
		writeError(w, http.StatusInternalServerError, "workflow run failed")
		return
	}

	s.recordWebhook("success")
	writeJSON(w, http.StatusOK, newRunResponse(runID))
}

// decodePayload reads the request body and returns it as the ingress
// payload when it is a JSON object. Anything else (empty body,
// non-JSON, a JSON array) yields nil; webhook senders that post
// unusual bodies still trigger the run, just without a payload.
func decodePayload(w http.ResponseWriter, r *http.Request) map[string]interface{} {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		return nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

func (s *Server) webhookNotFound(w http.ResponseWriter) {
	s.recordWebhook("not_found")
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) recordWebhook(status string) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(status)
	}
}

// runRequest is the body of POST /api/v1/workflows/{workflow_id}/run.
type runRequest struct {
	StartHandle string                 `json:"start_handle"`
	Payload     map[string]interface{} `json:"payload"`
}

// handleRunWorkflow handles the manual trigger endpoint.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID, err := uuid.Parse(r.PathValue("workflow_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	wf, err := s.store.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		var notFound *quivererrors.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.logger.Error("workflow load failed", "workflow_id", workflowID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	startHandle := req.StartHandle
	if startHandle == "" {
		entry, ok := wf.EntryHandle()
		if !ok {
			writeError(w, http.StatusBadRequest, "workflow has no entry action")
			return
		}
		startHandle = entry
	}

	runID, err := s.runner.Run(r.Context(), wf, startHandle, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrDraining):
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			var notFound *quivererrors.NotFoundError
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			s.logger.Error("manual run failed",
				"workflow_id", workflowID,
				"run_id", runID,
				"start_handle", startHandle,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, newRunResponse(runID))
}

// workflowSummary mirrors one row of the workflow list.
type workflowSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsLive bool   `json:"is_live"`
}

// handleListWorkflows handles GET /api/v1/workflows.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.logger.Error("workflow list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	summaries := make([]workflowSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, workflowSummary{
			ID:     row.ID.String(),
			Name:   row.Name,
			IsLive: row.IsLive,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

// runDetail is the forensic view of one run-state row.
type runDetail struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	State       map[string]interface{} `json:"state"`
	LastUpdated time.Time              `json:"last_updated"`
	Completed   *time.Time             `json:"completed,omitempty"`
}

// handleGetRun handles GET /api/v1/runs/{run_id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		var notFound *quivererrors.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("run lookup failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	writeJSON(w, http.StatusOK, runDetail{
		ID:          run.ID.String(),
		WorkflowID:  run.WorkflowID.String(),
		State:       run.State,
		LastUpdated: run.LastUpdated,
		Completed:   run.Completed,
	})
}
