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

// Package secrets stores and resolves process-level secrets such as
// DATABASE_URL, JWT_SECRET and CREDENTIALS_SECRET. Values live in one of
// several backends (plain environment variables, an AES-256-GCM
// encrypted file, or the OS keychain) and a Chain queries them in
// priority order so a deployment may keep each secret wherever suits it.
//
// Workflow credentials are a different thing entirely: those are rows in
// the database, encrypted with the process credential key, and are
// handled by internal/credential.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when no backend holds the key.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a backend cannot operate in
	// the current environment, e.g. a locked keychain or a missing
	// master key.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrReadOnlyBackend is returned by write operations on backends
	// that only resolve values.
	ErrReadOnlyBackend = errors.New("backend is read-only")
)

// Backend is one secret store. Implementations are queried by the Chain
// in Priority order, highest first.
type Backend interface {
	// Name returns the backend identifier ("env", "file", "keychain").
	Name() string

	// Get retrieves a secret by key. Returns ErrSecretNotFound when the
	// backend does not hold it.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a secret. Returns ErrReadOnlyBackend when unsupported.
	Set(ctx context.Context, key, value string) error

	// Delete removes a secret. Returns ErrSecretNotFound when absent and
	// ErrReadOnlyBackend when unsupported.
	Delete(ctx context.Context, key string) error

	// List returns the secret keys (never values) this backend holds.
	List(ctx context.Context) ([]string, error)

	// Available reports whether the backend is usable right now.
	Available() bool

	// Priority orders resolution: env (100) > file (50) > keychain (25).
	Priority() int
}

// ReadOnlyBackend marks backends that never accept writes, so the Chain
// can skip them when storing.
type ReadOnlyBackend interface {
	Backend
	ReadOnly() bool
}

// Metadata describes where a listed secret lives.
type Metadata struct {
	Key      string
	Backend  string
	ReadOnly bool
}
