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

// Package credential stores workflow secrets encrypted at rest and hands
// out OAuth access tokens with single-flight refresh.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/quiverops/quiver/pkg/errors"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Cipher encrypts and decrypts credential secrets with AES-256-GCM.
// The wire form is hex(nonce || ciphertext || tag).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, &errors.ConfigError{
			Key:    "CREDENTIALS_SECRET",
			Reason: fmt.Sprintf("encryption key must be %d bytes for AES-256, got %d", KeySize, len(key)),
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errors.CryptoError{Op: "init", Cause: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &errors.CryptoError{Op: "init", Cause: err}
	}
	return &Cipher{aead: aead}, nil
}

// ParseKey decodes a 64-character hex key into raw bytes.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "CREDENTIALS_SECRET",
			Reason: "encryption key is not valid hex",
			Cause:  err,
		}
	}
	if len(key) != KeySize {
		return nil, &errors.ConfigError{
			Key:    "CREDENTIALS_SECRET",
			Reason: fmt.Sprintf("encryption key must be %d hex characters, got %d", KeySize*2, len(hexKey)),
		}
	}
	return key, nil
}

// GenerateKey returns a fresh random key in hex form, suitable for
// CREDENTIALS_SECRET.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", &errors.CryptoError{Op: "generate", Cause: err}
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext and returns the hex-encoded wire form.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &errors.CryptoError{Op: "encrypt", Cause: err}
	}

	// Seal appends ciphertext||tag to the nonce.
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens a hex-encoded nonce||ciphertext||tag blob.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, &errors.CryptoError{Op: "decode", Cause: err}
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, &errors.CryptoError{Op: "decrypt", Cause: fmt.Errorf("ciphertext shorter than nonce")}
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &errors.CryptoError{Op: "decrypt", Cause: err}
	}
	return plaintext, nil
}
