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

package errors_test

import (
	"errors"
	"fmt"
	"testing"

	quivererrors "github.com/quiverops/quiver/pkg/errors"
)

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *quivererrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &quivererrors.ConfigError{
				Key:    "CREDENTIALS_SECRET",
				Reason: "required variable is not set",
			},
			wantMsg: "config error at CREDENTIALS_SECRET: required variable is not set",
		},
		{
			name: "without key",
			err: &quivererrors.ConfigError{
				Reason: "no writable secret backend",
			},
			wantMsg: "config error: no writable secret backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("open config.yaml: no such file")
	err := &quivererrors.ConfigError{Key: "config", Reason: "unreadable", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &quivererrors.NotFoundError{Resource: "webhook", ID: "2b1c8a90"}
	want := "webhook not found: 2b1c8a90"
	if got := err.Error(); got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestCredentialErrors(t *testing.T) {
	missing := &quivererrors.MissingCredentialError{WorkflowID: "wf-1", Name: "slack_bot"}
	if got := missing.Error(); got != `credential "slack_bot" not found for workflow wf-1` {
		t.Errorf("MissingCredentialError.Error() = %q", got)
	}

	cause := errors.New("unexpected end of JSON input")
	malformed := &quivererrors.MalformedCredentialError{Name: "jira", Cause: cause}
	if !errors.Is(malformed, cause) {
		t.Error("MalformedCredentialError should unwrap to its cause")
	}

	crypto := &quivererrors.CryptoError{Op: "decrypt", Cause: errors.New("cipher: message authentication failed")}
	if got := crypto.Error(); got != "credential decrypt failed: cipher: message authentication failed" {
		t.Errorf("CryptoError.Error() = %q", got)
	}
}

func TestParameterErrors(t *testing.T) {
	missing := &quivererrors.MissingParameterError{
		Integration: "SLACK",
		API:         "send_message",
		Parameter:   "channel_id",
	}
	want := `SLACK send_message: missing required parameter "channel_id"`
	if got := missing.Error(); got != want {
		t.Errorf("MissingParameterError.Error() = %q, want %q", got, want)
	}

	typed := &quivererrors.ParameterTypeError{
		Integration: "VIRUS_TOTAL",
		API:         "get_file_report",
		Parameter:   "hash",
		Want:        "string",
	}
	want = `VIRUS_TOTAL get_file_report: parameter "hash" must be a string`
	if got := typed.Error(); got != want {
		t.Errorf("ParameterTypeError.Error() = %q, want %q", got, want)
	}
}

func TestHTTPError_Error(t *testing.T) {
	err := &quivererrors.HTTPError{
		Method:     "POST",
		URL:        "https://api.example.com/v2/alerts",
		StatusCode: 502,
		Message:    "failed to create alert",
	}
	want := "POST https://api.example.com/v2/alerts returned 502: failed to create alert"
	if got := err.Error(); got != want {
		t.Errorf("HTTPError.Error() = %q, want %q", got, want)
	}
}

func TestErrorsAs_ThroughWrapping(t *testing.T) {
	inner := &quivererrors.RefreshError{
		Credential: "ms_teams",
		Cause:      errors.New("invalid_grant"),
	}
	wrapped := fmt.Errorf("executing node: %w", inner)

	var refreshErr *quivererrors.RefreshError
	if !errors.As(wrapped, &refreshErr) {
		t.Fatal("errors.As should find RefreshError through wrapping")
	}
	if refreshErr.Credential != "ms_teams" {
		t.Errorf("Credential = %q, want %q", refreshErr.Credential, "ms_teams")
	}
}

func TestStateError_Error(t *testing.T) {
	err := &quivererrors.StateError{RunID: "run-9", Reason: "update matched no rows"}
	want := "run state corrupted for run-9: update matched no rows"
	if got := err.Error(); got != want {
		t.Errorf("StateError.Error() = %q, want %q", got, want)
	}
}

func TestEgressError_Error(t *testing.T) {
	err := &quivererrors.EgressError{Host: "169.254.169.254", Reason: "cloud metadata endpoint"}
	want := "egress to 169.254.169.254 denied: cloud metadata endpoint"
	if got := err.Error(); got != want {
		t.Errorf("EgressError.Error() = %q, want %q", got, want)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  quivererrors.ErrorClassifier
		want bool
	}{
		{"server error retries", &quivererrors.HTTPError{StatusCode: 503}, true},
		{"rate limit retries", &quivererrors.HTTPError{StatusCode: 429}, true},
		{"client error does not", &quivererrors.HTTPError{StatusCode: 404}, false},
		{"config never retries", &quivererrors.ConfigError{Reason: "x"}, false},
		{"refresh never retries", &quivererrors.RefreshError{Credential: "c"}, false},
		{"egress denial never retries", &quivererrors.EgressError{Host: "10.0.0.1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
