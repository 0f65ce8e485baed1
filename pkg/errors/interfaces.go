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

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by category
// for retry logic, circuit-breaker accounting, or HTTP status mapping.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "config", "not_found", "credential", "upstream_http"
	ErrorType() string

	// IsRetryable returns true if the operation may be retried.
	IsRetryable() bool
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier. Configuration problems never
// resolve by retrying.
func (e *ConfigError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *RefreshError) ErrorType() string { return "refresh" }

// IsRetryable implements ErrorClassifier. The caller's operation fails; a
// later run may succeed, but the refresh itself is not retried in place.
func (e *RefreshError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *HTTPError) ErrorType() string { return "upstream_http" }

// IsRetryable implements ErrorClassifier. Server-side failures and rate
// limits are transient; client errors are not.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ErrorType implements ErrorClassifier.
func (e *EgressError) ErrorType() string { return "egress" }

// IsRetryable implements ErrorClassifier. Policy denials do not clear on
// their own.
func (e *EgressError) IsRetryable() bool { return false }
