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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverops/quiver/pkg/errors"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	plaintext := []byte(`{"BOT_TOKEN":"xoxb-secret"}`)
	encoded, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "xoxb-secret")

	decrypted, err := c.Decrypt(encoded)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, decrypted))
}

func TestCipher_EncryptProducesFreshNonce(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	first, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCipher_DecryptRejectsTampering(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	encoded, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	// Flip one hex digit of the ciphertext body.
	tampered := []byte(encoded)
	idx := len(tampered) - 3
	if tampered[idx] == '0' {
		tampered[idx] = '1'
	} else {
		tampered[idx] = '0'
	}

	_, err = c.Decrypt(string(tampered))
	var cryptoErr *errors.CryptoError
	require.ErrorAs(t, err, &cryptoErr)
	assert.Equal(t, "decrypt", cryptoErr.Op)
}

func TestCipher_DecryptRejectsBadInput(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	var cryptoErr *errors.CryptoError

	_, err = c.Decrypt("not-hex!")
	require.ErrorAs(t, err, &cryptoErr)
	assert.Equal(t, "decode", cryptoErr.Op)

	_, err = c.Decrypt("abcd")
	require.ErrorAs(t, err, &cryptoErr)
	assert.Equal(t, "decrypt", cryptoErr.Op)

	_, err = c.Decrypt("")
	require.ErrorAs(t, err, &cryptoErr)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	first, err := NewCipher(testKey())
	require.NoError(t, err)

	otherKey := testKey()
	otherKey[0] ^= 0xff
	second, err := NewCipher(otherKey)
	require.NoError(t, err)

	encoded, err := first.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = second.Decrypt(encoded)
	var cryptoErr *errors.CryptoError
	require.ErrorAs(t, err, &cryptoErr)
}

func TestNewCipher_RejectsShortKey(t *testing.T) {
	_, err := NewCipher([]byte("too-short"))
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "CREDENTIALS_SECRET", cfgErr.Key)
}

func TestParseKey(t *testing.T) {
	hexKey, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, hexKey, KeySize*2)

	key, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	var cfgErr *errors.ConfigError
	_, err = ParseKey("zz")
	require.ErrorAs(t, err, &cfgErr)

	_, err = ParseKey("abcd")
	require.ErrorAs(t, err, &cfgErr)
}
