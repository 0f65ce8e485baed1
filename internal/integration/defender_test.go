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

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/pkg/errors"
)

func newDefenderFixture(t *testing.T, baseURL string) *Defender {
	t.Helper()
	client := newTestClient(t).WithTokenSource(staticTokens{token: "defender-tok"})
	d := NewDefender(client)
	if baseURL != "" {
		d.baseURL = baseURL
	}
	return d
}

func TestDefenderListAlerts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/alerts" {
			t.Errorf("request = %s %s, want GET /alerts", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("$filter"); got != "severity eq 'High'" {
			t.Errorf("$filter = %q", got)
		}
		if got := r.URL.Query().Get("$top"); got != "10" {
			t.Errorf("$top = %q, want 10", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer defender-tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value": [{"id": "da-1", "severity": "High"}]}`))
	}))
	defer srv.Close()

	d := newDefenderFixture(t, srv.URL)
	result, err := d.Execute(context.Background(), &Invocation{
		WorkflowID: uuid.New(),
		API:        "list_alerts",
		Credential: "defender-app",
		Params: map[string]interface{}{
			"filter": "severity eq 'High'",
			"top":    float64(10),
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := result.(map[string]interface{})["value"]; !ok {
		t.Errorf("result = %#v, want the alert collection", result)
	}
}

func TestDefenderGetAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/alerts/da-1" {
			t.Errorf("path = %q, want /alerts/da-1", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "da-1", "status": "New"}`))
	}))
	defer srv.Close()

	d := newDefenderFixture(t, srv.URL)
	result, err := d.Execute(context.Background(), &Invocation{
		WorkflowID: uuid.New(),
		API:        "get_alert",
		Credential: "defender-app",
		Params:     map[string]interface{}{"alert_id": "da-1"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if body := result.(map[string]interface{}); body["id"] != "da-1" {
		t.Errorf("result = %#v", result)
	}
}

func TestDefenderUpdateAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/alerts/da-1" {
			t.Errorf("request = %s %s, want PATCH /alerts/da-1", r.Method, r.URL.Path)
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		// assigned_to crosses the wire as Defender's assignedTo property.
		if payload["assignedTo"] != "analyst@example.com" {
			t.Errorf("assignedTo = %#v", payload["assignedTo"])
		}
		if payload["status"] != "Resolved" || payload["classification"] != "TruePositive" {
			t.Errorf("payload = %#v", payload)
		}
		if _, leaked := payload["assigned_to"]; leaked {
			t.Error("payload kept the action parameter name instead of the API property")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "da-1", "status": "Resolved"}`))
	}))
	defer srv.Close()

	d := newDefenderFixture(t, srv.URL)
	result, err := d.Execute(context.Background(), &Invocation{
		WorkflowID: uuid.New(),
		API:        "update_alert",
		Credential: "defender-app",
		Params: map[string]interface{}{
			"alert_id":       "da-1",
			"status":         "Resolved",
			"classification": "TruePositive",
			"assigned_to":    "analyst@example.com",
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if body := result.(map[string]interface{}); body["status"] != "Resolved" {
		t.Errorf("result = %#v", result)
	}
}

func TestDefenderUpdateAlertNeedsField(t *testing.T) {
	d := newDefenderFixture(t, "http://unused.invalid")
	_, err := d.Execute(context.Background(), &Invocation{
		WorkflowID: uuid.New(),
		API:        "update_alert",
		Credential: "defender-app",
		Params:     map[string]interface{}{"alert_id": "da-1"},
	})

	var valErr *errors.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if valErr.Field != "params" {
		t.Errorf("field = %q, want params", valErr.Field)
	}
}

func TestDefenderUnknownAPI(t *testing.T) {
	d := newDefenderFixture(t, "http://unused.invalid")
	_, err := d.Execute(context.Background(), &Invocation{
		WorkflowID: uuid.New(),
		API:        "isolate_machine",
		Credential: "defender-app",
	})

	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
	if cfgErr.Key != "api" {
		t.Errorf("key = %q, want api", cfgErr.Key)
	}
}
