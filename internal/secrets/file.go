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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// FileBackendPriority places the encrypted file above the keychain:
	// a file deliberately written by the operator wins over whatever the
	// desktop keyring accumulated.
	FileBackendPriority = 50

	// argon2id parameters for deriving the file key from the master key.
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32

	gcmNonceLen = 12
)

// FileBackend stores secrets as a single AES-256-GCM encrypted JSON
// file. The encryption key is derived with argon2id from a master key,
// resolved from (in order): the constructor argument, QUIVER_MASTER_KEY,
// or a master.key file next to the secrets file. Without a master key
// the backend reports itself unavailable rather than failing.
type FileBackend struct {
	path      string
	masterKey []byte
	available bool
	mu        sync.Mutex
}

// fileEnvelope is the on-disk form: a fresh salt and nonce per write,
// then the sealed secrets map.
type fileEnvelope struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewFileBackend creates the encrypted file backend. An empty path
// defaults to <user config dir>/quiver/secrets.enc.
func NewFileBackend(path, masterKey string) (*FileBackend, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config directory: %w", err)
		}
		path = filepath.Join(configDir, "quiver", "secrets.enc")
	}

	key, err := resolveMasterKey(path, masterKey)
	if err != nil {
		// No master key means the backend sits out; the chain carries on
		// with the others.
		return &FileBackend{path: path}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}

	return &FileBackend{path: path, masterKey: key, available: true}, nil
}

// Name returns the backend identifier.
func (f *FileBackend) Name() string {
	return "file"
}

// Get retrieves a secret from the encrypted file.
func (f *FileBackend) Get(ctx context.Context, key string) (string, error) {
	if !f.available {
		return "", fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", err
	}

	value, ok := values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return value, nil
}

// Set stores a secret, rewriting the whole file.
func (f *FileBackend) Set(ctx context.Context, key, value string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if values == nil {
		values = make(map[string]string)
	}

	values[key] = value
	return f.save(values)
}

// Delete removes a secret from the encrypted file.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return err
	}

	if _, ok := values[key]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}

	delete(values, key)
	return f.save(values)
}

// List returns the keys stored in the encrypted file.
func (f *FileBackend) List(ctx context.Context) ([]string, error) {
	if !f.available {
		return nil, fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return keys, nil
}

// Available reports whether a master key was resolved.
func (f *FileBackend) Available() bool {
	return f.available
}

// Priority returns the backend priority.
func (f *FileBackend) Priority() int {
	return FileBackendPriority
}

// load reads and decrypts the secrets file. The caller holds f.mu.
func (f *FileBackend) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("secrets file is not a valid envelope: %w", err)
	}

	aead, err := f.aead(env.Salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets file (wrong master key or corrupted data): %w", err)
	}
	defer zeroBytes(plaintext)

	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("decrypted payload is not a secrets map: %w", err)
	}
	return values, nil
}

// save encrypts the secrets map and writes it atomically. The caller
// holds f.mu.
func (f *FileBackend) save(values map[string]string) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	defer zeroBytes(plaintext)

	// A fresh salt per write means the derived key rotates with every
	// save even though the master key does not.
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	aead, err := f.aead(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	raw, err := json.Marshal(fileEnvelope{
		Salt:  salt,
		Nonce: nonce,
		Data:  aead.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace secrets file: %w", err)
	}
	return nil
}

// aead derives the file key for the given salt and builds the GCM AEAD.
func (f *FileBackend) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return aead, nil
}

// resolveMasterKey finds the master key for the encrypted file.
func resolveMasterKey(secretsPath, provided string) ([]byte, error) {
	if provided != "" {
		return []byte(provided), nil
	}

	if env := os.Getenv("QUIVER_MASTER_KEY"); env != "" {
		return []byte(env), nil
	}

	keyPath := filepath.Join(filepath.Dir(secretsPath), "master.key")
	if key, err := os.ReadFile(keyPath); err == nil {
		if err := checkFilePermissions(keyPath); err != nil {
			return nil, fmt.Errorf("master key file: %w", err)
		}
		return key, nil
	}

	return nil, errors.New("master key not available (set QUIVER_MASTER_KEY or create master.key)")
}

// checkFilePermissions rejects symlinks and group/other-readable files.
func checkFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.New("must not be a symlink")
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("permissions too open (got %o, want 0600)", perm)
	}
	return nil
}

// zeroBytes overwrites key material after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
