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

package commands

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/internal/store/sqlite"
)

func TestCredentialsSetAndList(t *testing.T) {
	dbPath := testEnv(t)
	workflowID := uuid.New()

	out, err := runCommand(t, `{"BOT_TOKEN":"xoxb-test"}`,
		"credentials", "set", workflowID.String(), "slack_bot", "--type", "SLACK")
	if err != nil {
		t.Fatalf("credentials set: %v\n%s", err, out)
	}
	if !strings.Contains(out, "slack_bot stored") {
		t.Errorf("missing confirmation in output: %q", out)
	}

	// The stored row must decrypt back to the piped value.
	st, err := sqlite.New(sqlite.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cipher, err := credential.NewCipher(mustDecodeKey(t, testKey))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	plaintext, credType, err := credential.NewManager(st, cipher).
		FetchSecret(context.Background(), workflowID, "slack_bot")
	if err != nil {
		t.Fatalf("fetch secret: %v", err)
	}
	if string(plaintext) != `{"BOT_TOKEN":"xoxb-test"}` {
		t.Errorf("plaintext = %q", plaintext)
	}
	if credType == nil || *credType != "SLACK" {
		t.Errorf("type = %v, want SLACK", credType)
	}

	out, err = runCommand(t, "", "credentials", "list")
	if err != nil {
		t.Fatalf("credentials list: %v", err)
	}
	if !strings.Contains(out, "slack_bot") || !strings.Contains(out, "SLACK") {
		t.Errorf("list output missing credential row: %q", out)
	}
	if strings.Contains(out, "xoxb-test") {
		t.Errorf("list output leaked secret material: %q", out)
	}
}

func TestCredentialsSetRejectsInvalidJSON(t *testing.T) {
	testEnv(t)

	_, err := runCommand(t, "not-json",
		"credentials", "set", uuid.NewString(), "vt", "--type", "VIRUS_TOTAL")
	if err == nil {
		t.Fatal("expected rejection of non-JSON typed credential")
	}
	if !strings.Contains(err.Error(), "JSON") {
		t.Errorf("err = %v, want JSON validation message", err)
	}
}

func TestCredentialsSetRejectsEmptyValue(t *testing.T) {
	testEnv(t)

	_, err := runCommand(t, "\n", "credentials", "set", uuid.NewString(), "empty")
	if err == nil {
		t.Fatal("expected rejection of empty secret value")
	}
}

func TestCredentialsSetRejectsBadWorkflowID(t *testing.T) {
	testEnv(t)

	_, err := runCommand(t, "value", "credentials", "set", "not-a-uuid", "name")
	if err == nil {
		t.Fatal("expected rejection of malformed workflow id")
	}
}

func TestCredentialsRemove(t *testing.T) {
	testEnv(t)
	workflowID := uuid.New()

	if _, err := runCommand(t, "token-value",
		"credentials", "set", workflowID.String(), "api_key"); err != nil {
		t.Fatalf("credentials set: %v", err)
	}

	out, err := runCommand(t, "", "credentials", "rm", "--yes", workflowID.String(), "api_key")
	if err != nil {
		t.Fatalf("credentials rm: %v", err)
	}
	if !strings.Contains(out, "api_key deleted") {
		t.Errorf("missing confirmation in output: %q", out)
	}

	out, err = runCommand(t, "", "credentials", "list")
	if err != nil {
		t.Fatalf("credentials list: %v", err)
	}
	if !strings.Contains(out, "no credentials stored") {
		t.Errorf("expected empty list after delete: %q", out)
	}
}

func mustDecodeKey(t *testing.T, hexKey string) []byte {
	t.Helper()
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	return key
}
