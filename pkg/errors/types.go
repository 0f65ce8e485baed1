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

package errors

import (
	"fmt"
)

// ConfigError represents configuration problems.
// Use this for missing required settings, unknown enum values in stored
// configuration, or unsupported integration APIs.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "CREDENTIALS_SECRET", "database.url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist (workflow, webhook, run).
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "webhook", "run")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError represents user input validation failures.
// Use this for invalid workflow definitions, malformed data, or constraint
// violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// MissingCredentialError indicates a credential row that does not exist for
// the requesting workflow.
type MissingCredentialError struct {
	// WorkflowID scopes the credential lookup
	WorkflowID string

	// Name is the credential name that was requested
	Name string
}

// Error implements the error interface.
func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("credential %q not found for workflow %s", e.Name, e.WorkflowID)
}

// MalformedCredentialError indicates a credential whose decrypted plaintext
// did not decode into the schema the caller expected.
type MalformedCredentialError struct {
	// Name is the credential name
	Name string

	// Cause is the decode error
	Cause error
}

// Error implements the error interface.
func (e *MalformedCredentialError) Error() string {
	return fmt.Sprintf("credential %q is malformed: %v", e.Name, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *MalformedCredentialError) Unwrap() error {
	return e.Cause
}

// CryptoError represents a failure during credential encryption or decryption.
// Any hex-decode, cipher setup, or authentication failure maps here.
type CryptoError struct {
	// Op describes the failing step (e.g., "decode", "decrypt", "encrypt")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	return fmt.Sprintf("credential %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CryptoError) Unwrap() error {
	return e.Cause
}

// MissingParameterError indicates a required integration parameter that was
// not supplied in the action definition.
type MissingParameterError struct {
	// Integration is the provider tag (e.g., "SLACK")
	Integration string

	// API is the operation being invoked
	API string

	// Parameter is the missing parameter name
	Parameter string
}

// Error implements the error interface.
func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("%s %s: missing required parameter %q", e.Integration, e.API, e.Parameter)
}

// ParameterTypeError indicates a parameter whose resolved value has the wrong
// JSON type for the typed accessor that read it.
type ParameterTypeError struct {
	// Integration is the provider tag
	Integration string

	// API is the operation being invoked
	API string

	// Parameter is the parameter name
	Parameter string

	// Want is the expected type ("string", "number", "bool")
	Want string
}

// Error implements the error interface.
func (e *ParameterTypeError) Error() string {
	return fmt.Sprintf("%s %s: parameter %q must be a %s", e.Integration, e.API, e.Parameter, e.Want)
}

// ComparisonError indicates operands that cannot be compared under the
// condition typing rules (arrays, objects, and nulls never compare).
type ComparisonError struct {
	// Reason explains why the operands are incomparable
	Reason string
}

// Error implements the error interface.
func (e *ComparisonError) Error() string {
	return fmt.Sprintf("invalid comparison: %s", e.Reason)
}

// RefreshError represents an OAuth token refresh failure against the upstream
// identity provider.
type RefreshError struct {
	// Credential is the credential name whose refresh failed
	Credential string

	// Cause is the underlying transport or grant error
	Cause error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for credential %q: %v", e.Credential, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// HTTPError represents an upstream HTTP response that did not match the
// expected status.
type HTTPError struct {
	// Method is the HTTP method of the failing request
	Method string

	// URL is the request URL
	URL string

	// StatusCode is the status the upstream returned
	StatusCode int

	// Message is the caller-supplied failure message
	Message string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.StatusCode)
}

// EgressError represents an outbound request vetoed by the egress policy
// before it left the process.
type EgressError struct {
	// Host is the destination that was denied
	Host string

	// Reason names the rule that denied it
	Reason string
}

// Error implements the error interface.
func (e *EgressError) Error() string {
	return fmt.Sprintf("egress to %s denied: %s", e.Host, e.Reason)
}

// StateError represents a run-state invariant breach, such as updating a
// run-state row that does not exist.
type StateError struct {
	// RunID is the run whose state row was expected
	RunID string

	// Reason describes the breach
	Reason string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("run state corrupted for %s: %s", e.RunID, e.Reason)
}
