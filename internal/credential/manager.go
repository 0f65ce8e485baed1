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

package credential

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/pkg/errors"
)

// Manager is the decrypting view over the credentials table. Integration
// executors fetch typed secrets through it; the token manager reads and
// writes OAuth token records through it.
type Manager struct {
	store  store.Credentials
	cipher *Cipher
}

// NewManager wires a credential store to the process cipher.
func NewManager(st store.Credentials, cipher *Cipher) *Manager {
	return &Manager{store: st, cipher: cipher}
}

// FetchSecret loads and decrypts a credential. A missing row is a
// MissingCredentialError; decryption failures are CryptoErrors.
func (m *Manager) FetchSecret(ctx context.Context, workflowID uuid.UUID, name string) ([]byte, *string, error) {
	cred, err := m.store.GetCredential(ctx, workflowID, name)
	if err != nil {
		if errors.As(err, new(*errors.NotFoundError)) {
			return nil, nil, &errors.MissingCredentialError{WorkflowID: workflowID.String(), Name: name}
		}
		return nil, nil, err
	}

	plaintext, err := m.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, cred.Type, nil
}

// FetchInto decrypts a credential and binds its JSON plaintext to the
// caller's schema. Returns the credential's integration type tag.
func (m *Manager) FetchInto(ctx context.Context, workflowID uuid.UUID, name string, into interface{}) (*string, error) {
	plaintext, credType, err := m.FetchSecret(ctx, workflowID, name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, into); err != nil {
		return nil, &errors.MalformedCredentialError{Name: name, Cause: err}
	}
	return credType, nil
}

// UpdateSecret encrypts plaintext and upserts the credential row. The
// integration type tag is stored as given; pass the previous tag through
// when rewriting an existing credential.
func (m *Manager) UpdateSecret(ctx context.Context, workflowID uuid.UUID, name string, plaintext []byte, credType *string) error {
	encrypted, err := m.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return m.store.SetCredential(ctx, &store.Credential{
		WorkflowID:      workflowID,
		Name:            name,
		EncryptedSecret: encrypted,
		Type:            credType,
	})
}
