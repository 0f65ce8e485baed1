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
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/httpclient"
	"github.com/quiverops/quiver/pkg/workflow"
)

// newTestManager returns a credential manager over the in-memory store.
func newTestManager(t *testing.T) *credential.Manager {
	t.Helper()
	cipher, err := credential.NewCipher(bytes.Repeat([]byte{0x2a}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return credential.NewManager(store.NewMemory(), cipher)
}

// seedCredential stores a typed secret for the workflow.
func seedCredential(t *testing.T, creds *credential.Manager, workflowID uuid.UUID, name, secret, credType string) {
	t.Helper()
	var typ *string
	if credType != "" {
		typ = &credType
	}
	if err := creds.UpdateSecret(context.Background(), workflowID, name, []byte(secret), typ); err != nil {
		t.Fatalf("UpdateSecret: %v", err)
	}
}

// newTestClient returns the shared client with retries off so error
// paths stay single-shot.
func newTestClient(t *testing.T) *httpclient.Client {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	return client
}

// staticTokens satisfies the OAuth-refresh verbs with a fixed token.
type staticTokens struct{ token string }

func (s staticTokens) AccessToken(ctx context.Context, workflowID uuid.UUID, credential string) (string, string, error) {
	return "Bearer", s.token, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider scripts Execute results for registry tests.
type stubProvider struct {
	calls int
	last  *Invocation
	err   error
}

func (s *stubProvider) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	s.calls++
	s.last = inv
	if s.err != nil {
		return nil, s.err
	}
	return map[string]interface{}{"ok": true}, nil
}

func TestRegistryDispatchesToProvider(t *testing.T) {
	stub := &stubProvider{}
	reg := newRegistry(map[string]Provider{"STUB": stub}, discardLogger())

	workflowID := uuid.New()
	result, err := reg.Execute(context.Background(), &workflow.IntegrationRequest{
		WorkflowID:  workflowID,
		Integration: "STUB",
		API:         "ping",
		Credential:  "stub-cred",
		Params:      map[string]interface{}{"target": "10.0.0.1"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	body, ok := result.(map[string]interface{})
	if !ok || body["ok"] != true {
		t.Errorf("result = %#v, want the provider's response", result)
	}
	if stub.last.WorkflowID != workflowID {
		t.Errorf("workflow id = %s, want %s", stub.last.WorkflowID, workflowID)
	}
	if stub.last.API != "ping" || stub.last.Credential != "stub-cred" {
		t.Errorf("invocation = %+v, want api ping with stub-cred", stub.last)
	}
	if stub.last.Params["target"] != "10.0.0.1" {
		t.Errorf("params = %#v, want target passed through", stub.last.Params)
	}
}

func TestRegistryUnknownIntegration(t *testing.T) {
	reg := newRegistry(map[string]Provider{}, discardLogger())

	_, err := reg.Execute(context.Background(), &workflow.IntegrationRequest{
		Integration: "PAGERDUTY",
		API:         "create_incident",
	})
	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
	if cfgErr.Key != "integration_type" {
		t.Errorf("key = %q, want integration_type", cfgErr.Key)
	}
	if !strings.Contains(cfgErr.Reason, "PAGERDUTY") {
		t.Errorf("reason = %q, want the unknown tag named", cfgErr.Reason)
	}
}

func TestRegistryBreakerOpensAfterConsecutiveUpstreamFaults(t *testing.T) {
	stub := &stubProvider{err: &errors.HTTPError{
		Method:     "GET",
		URL:        "https://api.example.com/things",
		StatusCode: 502,
		Message:    "bad gateway",
	}}
	reg := newRegistry(map[string]Provider{"STUB": stub}, discardLogger())

	req := &workflow.IntegrationRequest{Integration: "STUB", API: "ping"}
	for i := 0; i < breakerTripThreshold; i++ {
		if _, err := reg.Execute(context.Background(), req); err == nil {
			t.Fatalf("call %d: expected an error", i)
		}
	}
	if stub.calls != breakerTripThreshold {
		t.Fatalf("provider calls = %d, want %d", stub.calls, breakerTripThreshold)
	}

	_, err := reg.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("expected the open breaker to reject the call")
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("error = %v, want ErrOpenState in the chain", err)
	}
	if !strings.Contains(err.Error(), "STUB requests suspended") {
		t.Errorf("error = %v, want the suspension message", err)
	}
	if stub.calls != breakerTripThreshold {
		t.Errorf("provider calls = %d after the breaker opened, want %d", stub.calls, breakerTripThreshold)
	}
}

func TestRegistryCallerFaultsDoNotTripBreaker(t *testing.T) {
	stub := &stubProvider{err: &errors.MissingParameterError{
		Integration: "STUB",
		API:         "ping",
		Parameter:   "target",
	}}
	reg := newRegistry(map[string]Provider{"STUB": stub}, discardLogger())

	req := &workflow.IntegrationRequest{Integration: "STUB", API: "ping"}
	attempts := breakerTripThreshold * 2
	for i := 0; i < attempts; i++ {
		_, err := reg.Execute(context.Background(), req)
		var missing *errors.MissingParameterError
		if !errors.As(err, &missing) {
			t.Fatalf("call %d: error = %v, want MissingParameterError", i, err)
		}
	}
	if stub.calls != attempts {
		t.Errorf("provider calls = %d, want %d (breaker must stay closed)", stub.calls, attempts)
	}
}

func TestRegistryRateLimitHonorsContext(t *testing.T) {
	stub := &stubProvider{}
	reg := newRegistry(map[string]Provider{"STUB": stub}, discardLogger())
	reg.limiters["STUB"] = rate.NewLimiter(rate.Every(time.Hour), 1)

	req := &workflow.IntegrationRequest{Integration: "STUB", API: "ping"}
	if _, err := reg.Execute(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Execute(ctx, req)
	if err == nil {
		t.Fatal("expected the rate limiter to fail the second call")
	}
	if !strings.Contains(err.Error(), "STUB rate limit") {
		t.Errorf("error = %v, want the rate limit named", err)
	}
	if stub.calls != 1 {
		t.Errorf("provider calls = %d, want 1", stub.calls)
	}
}

func TestNewRegistryCoversCatalogue(t *testing.T) {
	reg := NewRegistry(newTestManager(t), newTestClient(t), nil)

	for _, tag := range []string{
		TagSlack, TagJira, TagVirusTotal, TagOpsgenie,
		TagTeams, TagDefender, TagDefenderForCloud, TagSecurityHub,
	} {
		if _, ok := reg.providers[tag]; !ok {
			t.Errorf("no provider registered for %s", tag)
		}
		if _, ok := reg.limiters[tag]; !ok {
			t.Errorf("no rate limiter for %s", tag)
		}
		if _, ok := reg.breakers[tag]; !ok {
			t.Errorf("no circuit breaker for %s", tag)
		}
	}
}

func TestUpstreamFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"missing parameter", &errors.MissingParameterError{Integration: "SLACK", API: "send_message", Parameter: "text"}, false},
		{"wrong parameter type", &errors.ParameterTypeError{Integration: "SLACK", API: "send_message", Parameter: "mrkdwn", Want: "bool"}, false},
		{"validation", &errors.ValidationError{Field: "credential", Message: "required"}, false},
		{"config", &errors.ConfigError{Key: "api", Reason: "unknown"}, false},
		{"missing credential", &errors.MissingCredentialError{WorkflowID: uuid.NewString(), Name: "slack"}, false},
		{"egress denial", &errors.EgressError{Host: "169.254.169.254", Reason: "cloud metadata endpoint"}, false},
		{"http 404", &errors.HTTPError{Method: "GET", URL: "https://api.example.com", StatusCode: 404}, false},
		{"http 429", &errors.HTTPError{Method: "GET", URL: "https://api.example.com", StatusCode: 429}, true},
		{"http 503", &errors.HTTPError{Method: "GET", URL: "https://api.example.com", StatusCode: 503}, true},
		{"wrapped http 500", errors.Wrap(&errors.HTTPError{Method: "GET", URL: "https://api.example.com", StatusCode: 500}, "jira issue lookup"), true},
		{"transport failure", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := upstreamFault(tt.err); got != tt.want {
				t.Errorf("upstreamFault(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
