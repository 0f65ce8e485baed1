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
	"testing"
)

// memBackend is an in-memory Backend for chain tests.
type memBackend struct {
	name      string
	priority  int
	available bool
	readOnly  bool
	failGet   error
	values    map[string]string
}

func newMemBackend(name string, priority int) *memBackend {
	return &memBackend{
		name:      name,
		priority:  priority,
		available: true,
		values:    make(map[string]string),
	}
}

func (m *memBackend) Name() string { return m.name }

func (m *memBackend) Get(ctx context.Context, key string) (string, error) {
	if m.failGet != nil {
		return "", m.failGet
	}
	if value, ok := m.values[key]; ok {
		return value, nil
	}
	return "", ErrSecretNotFound
}

func (m *memBackend) Set(ctx context.Context, key, value string) error {
	if m.readOnly {
		return ErrReadOnlyBackend
	}
	m.values[key] = value
	return nil
}

func (m *memBackend) Delete(ctx context.Context, key string) error {
	if m.readOnly {
		return ErrReadOnlyBackend
	}
	if _, ok := m.values[key]; !ok {
		return ErrSecretNotFound
	}
	delete(m.values, key)
	return nil
}

func (m *memBackend) List(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memBackend) Available() bool { return m.available }
func (m *memBackend) Priority() int   { return m.priority }
func (m *memBackend) ReadOnly() bool  { return m.readOnly }

func TestChainGetPriorityOrder(t *testing.T) {
	ctx := context.Background()

	high := newMemBackend("high", 100)
	high.values["DATABASE_URL"] = "from-high"
	low := newMemBackend("low", 25)
	low.values["DATABASE_URL"] = "from-low"

	// Construction order must not matter.
	chain := NewChain(low, high)

	got, err := chain.Get(ctx, "DATABASE_URL")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "from-high" {
		t.Errorf("Get() = %q, want %q", got, "from-high")
	}
}

func TestChainGetFallsThrough(t *testing.T) {
	ctx := context.Background()

	high := newMemBackend("high", 100)
	low := newMemBackend("low", 25)
	low.values["JWT_SECRET"] = "from-low"

	chain := NewChain(high, low)

	got, err := chain.Get(ctx, "JWT_SECRET")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "from-low" {
		t.Errorf("Get() = %q, want %q", got, "from-low")
	}
}

func TestChainGetNotFound(t *testing.T) {
	chain := NewChain(newMemBackend("only", 100))

	_, err := chain.Get(context.Background(), "MISSING")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get() error = %v, want ErrSecretNotFound", err)
	}
}

func TestChainGetSurfacesHardError(t *testing.T) {
	broken := newMemBackend("broken", 100)
	broken.failGet = errors.New("vault is on fire")

	chain := NewChain(broken)

	_, err := chain.Get(context.Background(), "ANYTHING")
	if err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get() error = %v, want the backend failure", err)
	}
}

func TestChainGetHardErrorMaskedByLaterHit(t *testing.T) {
	broken := newMemBackend("broken", 100)
	broken.failGet = errors.New("keychain locked")
	low := newMemBackend("low", 25)
	low.values["EMAIL_API_KEY"] = "re_123"

	chain := NewChain(broken, low)

	got, err := chain.Get(context.Background(), "EMAIL_API_KEY")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "re_123" {
		t.Errorf("Get() = %q, want %q", got, "re_123")
	}
}

func TestChainSkipsUnavailableBackends(t *testing.T) {
	down := newMemBackend("down", 100)
	down.available = false
	down.values["KEY"] = "never"
	up := newMemBackend("up", 25)
	up.values["KEY"] = "served"

	chain := NewChain(down, up)

	if n := len(chain.Backends()); n != 1 {
		t.Fatalf("Backends() length = %d, want 1", n)
	}

	got, err := chain.Get(context.Background(), "KEY")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "served" {
		t.Errorf("Get() = %q, want %q", got, "served")
	}
}

func TestChainSetSkipsReadOnly(t *testing.T) {
	ctx := context.Background()

	env := newMemBackend("env", 100)
	env.readOnly = true
	file := newMemBackend("file", 50)

	chain := NewChain(env, file)

	if err := chain.Set(ctx, "TEAMS_CLIENT_SECRET", "s3cret", ""); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if file.values["TEAMS_CLIENT_SECRET"] != "s3cret" {
		t.Error("secret was not written to the writable backend")
	}
	if _, ok := env.values["TEAMS_CLIENT_SECRET"]; ok {
		t.Error("secret leaked into the read-only backend")
	}
}

func TestChainSetTargetsNamedBackend(t *testing.T) {
	ctx := context.Background()

	file := newMemBackend("file", 50)
	keychain := newMemBackend("keychain", 25)

	chain := NewChain(file, keychain)

	if err := chain.Set(ctx, "KEY", "v", "keychain"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if keychain.values["KEY"] != "v" {
		t.Error("secret was not written to the named backend")
	}
	if _, ok := file.values["KEY"]; ok {
		t.Error("secret was written to a backend that was not named")
	}

	if err := chain.Set(ctx, "KEY", "v", "vault"); err == nil {
		t.Error("Set() with unknown backend name should fail")
	}
}

func TestChainDelete(t *testing.T) {
	ctx := context.Background()

	file := newMemBackend("file", 50)
	file.values["KEY"] = "v"
	keychain := newMemBackend("keychain", 25)
	keychain.values["KEY"] = "v"

	chain := NewChain(file, keychain)

	if err := chain.Delete(ctx, "KEY", ""); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(file.values) != 0 || len(keychain.values) != 0 {
		t.Error("Delete() should remove the key from every writable backend")
	}

	if err := chain.Delete(ctx, "KEY", ""); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Delete() of missing key error = %v, want ErrSecretNotFound", err)
	}
}

func TestChainListDeduplicates(t *testing.T) {
	env := newMemBackend("env", 100)
	env.readOnly = true
	env.values["DATABASE_URL"] = "x"
	file := newMemBackend("file", 50)
	file.values["DATABASE_URL"] = "y"
	file.values["OPENAI_API_KEY"] = "z"

	chain := NewChain(env, file)

	metas, err := chain.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("List() length = %d, want 2", len(metas))
	}

	byKey := make(map[string]Metadata, len(metas))
	for _, m := range metas {
		byKey[m.Key] = m
	}
	if got := byKey["DATABASE_URL"]; got.Backend != "env" || !got.ReadOnly {
		t.Errorf("DATABASE_URL metadata = %+v, want env/read-only", got)
	}
	if got := byKey["OPENAI_API_KEY"]; got.Backend != "file" || got.ReadOnly {
		t.Errorf("OPENAI_API_KEY metadata = %+v, want file/writable", got)
	}
}
