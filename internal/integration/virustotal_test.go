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
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/pkg/errors"
)

func newVirusTotalFixture(t *testing.T, baseURL string) (*VirusTotal, uuid.UUID) {
	t.Helper()
	creds := newTestManager(t)
	workflowID := uuid.New()
	seedCredential(t, creds, workflowID, "vt-api", `{"API_KEY": "vt-key-3"}`, TagVirusTotal)

	v := NewVirusTotal(creds, newTestClient(t))
	if baseURL != "" {
		v.baseURL = baseURL
	}
	return v, workflowID
}

func TestVirusTotalGetFileReport(t *testing.T) {
	const hash = "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/files/"+hash {
			t.Errorf("request = %s %s, want GET /files/%s", r.Method, r.URL.Path, hash)
		}
		if got := r.Header.Get("x-apikey"); got != "vt-key-3" {
			t.Errorf("x-apikey = %q, want the credential key", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "` + hash + `", "attributes": {"last_analysis_stats": {"malicious": 61}}}}`))
	}))
	defer srv.Close()

	v, workflowID := newVirusTotalFixture(t, srv.URL)
	result, err := v.Execute(context.Background(), &Invocation{
		WorkflowID: workflowID,
		API:        "get_file_report",
		Credential: "vt-api",
		Params:     map[string]interface{}{"hash": hash},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := result.(map[string]interface{})["data"]; !ok {
		t.Errorf("result = %#v, want the report through", result)
	}
}

func TestVirusTotalGetDomainReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/domains/evil.example" {
			t.Errorf("path = %q, want /domains/evil.example", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "evil.example"}}`))
	}))
	defer srv.Close()

	v, workflowID := newVirusTotalFixture(t, srv.URL)
	_, err := v.Execute(context.Background(), &Invocation{
		WorkflowID: workflowID,
		API:        "get_domain_report",
		Credential: "vt-api",
		Params:     map[string]interface{}{"domain": "evil.example"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestVirusTotalScanURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/urls" {
			t.Errorf("request = %s %s, want POST /urls", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q, want a form submission", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("url"); got != "https://evil.example/payload" {
			t.Errorf("url = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"type": "analysis", "id": "u-abc123"}}`))
	}))
	defer srv.Close()

	v, workflowID := newVirusTotalFixture(t, srv.URL)
	result, err := v.Execute(context.Background(), &Invocation{
		WorkflowID: workflowID,
		API:        "scan_url",
		Credential: "vt-api",
		Params:     map[string]interface{}{"url": "https://evil.example/payload"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data := result.(map[string]interface{})["data"].(map[string]interface{})
	if data["id"] != "u-abc123" {
		t.Errorf("result = %#v, want the analysis id", result)
	}
}

func TestVirusTotalGetURLReportFromURL(t *testing.T) {
	const target = "https://evil.example/payload"
	wantID := base64.RawURLEncoding.EncodeToString([]byte(target))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/urls/"+wantID {
			t.Errorf("path = %q, want /urls/%s", r.URL.Path, wantID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "` + wantID + `"}}`))
	}))
	defer srv.Close()

	v, workflowID := newVirusTotalFixture(t, srv.URL)
	_, err := v.Execute(context.Background(), &Invocation{
		WorkflowID: workflowID,
		API:        "get_url_report",
		Credential: "vt-api",
		Params:     map[string]interface{}{"url": target},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestVirusTotalGetURLReportPrefersID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/urls/u-ready" {
			t.Errorf("path = %q, want the ready-made id", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "u-ready"}}`))
	}))
	defer srv.Close()

	v, workflowID := newVirusTotalFixture(t, srv.URL)
	_, err := v.Execute(context.Background(), &Invocation{
		WorkflowID: workflowID,
		API:        "get_url_report",
		Credential: "vt-api",
		Params: map[string]interface{}{
			"id":  "u-ready",
			"url": "https://ignored.example",
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestVirusTotalGetURLReportRequiresIdentifier(t *testing.T) {
	v, workflowID := newVirusTotalFixture(t, "http://unused.invalid")
	_, err := v.Execute(context.Background(), &Invocation{
		WorkflowID: workflowID,
		API:        "get_url_report",
		Credential: "vt-api",
		Params:     map[string]interface{}{},
	})

	var missing *errors.MissingParameterError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingParameterError", err)
	}
	if missing.Parameter != "url" {
		t.Errorf("parameter = %q, want url", missing.Parameter)
	}
}
