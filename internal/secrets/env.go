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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority puts environment variables first so they
	// override every stored secret.
	EnvBackendPriority = 100

	// envSecretPrefix namespaces quiver-managed secret variables.
	envSecretPrefix = "QUIVER_SECRET_"
)

// EnvBackend resolves secrets from environment variables. A key is
// looked up first as QUIVER_SECRET_<KEY>, then as the bare <KEY>, the
// form deployment platforms conventionally inject (DATABASE_URL,
// OPENAI_API_KEY, CREDENTIALS_SECRET, ...).
type EnvBackend struct{}

// NewEnvBackend creates the environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from the environment.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	name := normalizeEnvKey(key)
	if value := os.Getenv(envSecretPrefix + name); value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: environment variable not set", ErrSecretNotFound)
}

// Set returns ErrReadOnlyBackend; the process environment is not ours
// to mutate.
func (e *EnvBackend) Set(ctx context.Context, key, value string) error {
	return ErrReadOnlyBackend
}

// Delete returns ErrReadOnlyBackend.
func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

// List returns the keys of all QUIVER_SECRET_* variables. Bare aliases
// are not enumerable: there is no way to tell a secret apart from any
// other environment variable without the prefix.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	for _, entry := range os.Environ() {
		if !strings.HasPrefix(entry, envSecretPrefix) {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		if !ok || value == "" {
			continue
		}
		keys = append(keys, strings.TrimPrefix(name, envSecretPrefix))
	}
	return keys, nil
}

// Available returns true; the environment always exists.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority (highest).
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

// ReadOnly returns true.
func (e *EnvBackend) ReadOnly() bool {
	return true
}

var envKeyReplacer = strings.NewReplacer(".", "_", "/", "_", "-", "_")

// normalizeEnvKey converts a secret key to environment variable form.
// Canonical keys are already SCREAMING_SNAKE ("DATABASE_URL"); dotted
// config-style keys map predictably ("email.api_key" -> EMAIL_API_KEY).
func normalizeEnvKey(key string) string {
	return strings.ToUpper(envKeyReplacer.Replace(key))
}
