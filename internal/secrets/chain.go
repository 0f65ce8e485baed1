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
	"errors"
	"fmt"
	"sort"
)

// Chain resolves secrets across a priority-ordered list of backends.
type Chain struct {
	backends []Backend
}

// NewChain builds a chain from the given backends, dropping unavailable
// ones and ordering the rest by priority, highest first.
func NewChain(backends ...Backend) *Chain {
	usable := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			usable = append(usable, b)
		}
	}

	sort.Slice(usable, func(i, j int) bool {
		return usable[i].Priority() > usable[j].Priority()
	})

	return &Chain{backends: usable}
}

// DefaultChain assembles the standard backend order: environment
// variables, then the encrypted file store, then the OS keychain. A file
// backend that cannot initialise is left out.
func DefaultChain() *Chain {
	backends := []Backend{NewEnvBackend()}
	if fb, err := NewFileBackend("", ""); err == nil {
		backends = append(backends, fb)
	}
	backends = append(backends, NewKeychainBackend())
	return NewChain(backends...)
}

// Get returns the first backend's value for key. Backends that miss are
// skipped; a backend that fails outright surfaces its error only when
// no later backend holds the key.
func (c *Chain) Get(ctx context.Context, key string) (string, error) {
	if len(c.backends) == 0 {
		return "", fmt.Errorf("%w: no backends in chain", ErrBackendUnavailable)
	}

	var hardErr error
	for _, b := range c.backends {
		value, err := b.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			hardErr = err
		}
	}

	if hardErr != nil {
		return "", fmt.Errorf("get secret %q: %w", key, hardErr)
	}
	return "", fmt.Errorf("%w: %q", ErrSecretNotFound, key)
}

// Set stores a secret in the highest-priority writable backend, or in
// the named backend when backendName is non-empty.
func (c *Chain) Set(ctx context.Context, key, value, backendName string) error {
	if len(c.backends) == 0 {
		return fmt.Errorf("%w: no backends in chain", ErrBackendUnavailable)
	}

	if backendName != "" {
		b := c.byName(backendName)
		if b == nil {
			return fmt.Errorf("backend %q not found or unavailable", backendName)
		}
		if err := b.Set(ctx, key, value); err != nil {
			return fmt.Errorf("set secret in %s: %w", backendName, err)
		}
		return nil
	}

	for _, b := range c.backends {
		if readOnly(b) {
			continue
		}
		if err := b.Set(ctx, key, value); err != nil {
			if errors.Is(err, ErrReadOnlyBackend) {
				continue
			}
			return fmt.Errorf("set secret in %s: %w", b.Name(), err)
		}
		return nil
	}

	return errors.New("no writable backend available")
}

// Delete removes a secret from the named backend, or from every
// writable backend that holds it.
func (c *Chain) Delete(ctx context.Context, key, backendName string) error {
	if len(c.backends) == 0 {
		return fmt.Errorf("%w: no backends in chain", ErrBackendUnavailable)
	}

	if backendName != "" {
		b := c.byName(backendName)
		if b == nil {
			return fmt.Errorf("backend %q not found or unavailable", backendName)
		}
		if err := b.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete secret from %s: %w", backendName, err)
		}
		return nil
	}

	deleted := false
	for _, b := range c.backends {
		if readOnly(b) {
			continue
		}
		if err := b.Delete(ctx, key); err != nil {
			if errors.Is(err, ErrSecretNotFound) || errors.Is(err, ErrReadOnlyBackend) {
				continue
			}
			return fmt.Errorf("delete secret from %s: %w", b.Name(), err)
		}
		deleted = true
	}

	if !deleted {
		return fmt.Errorf("%w: %q", ErrSecretNotFound, key)
	}
	return nil
}

// List returns every listable key with the backend it resolves from.
// When a key exists in several backends only the winning (highest
// priority) entry is reported.
func (c *Chain) List(ctx context.Context) ([]Metadata, error) {
	if len(c.backends) == 0 {
		return nil, fmt.Errorf("%w: no backends in chain", ErrBackendUnavailable)
	}

	seen := make(map[string]Metadata)
	for _, b := range c.backends {
		keys, err := b.List(ctx)
		if err != nil {
			continue
		}
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = Metadata{Key: key, Backend: b.Name(), ReadOnly: readOnly(b)}
		}
	}

	out := make([]Metadata, 0, len(seen))
	for _, meta := range seen {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Backends returns the usable backends in resolution order.
func (c *Chain) Backends() []Backend {
	return c.backends
}

func (c *Chain) byName(name string) Backend {
	for _, b := range c.backends {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

func readOnly(b Backend) bool {
	ro, ok := b.(ReadOnlyBackend)
	return ok && ro.ReadOnly()
}
