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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testKey is a 64-hex-character CREDENTIALS_SECRET that decodes to a
// raw 32-byte AES key.
var testKey = strings.Repeat("ab", 32)

// testEnv makes command runs hermetic: a temp working directory with
// no quiver.yaml, an isolated XDG config home, and every required
// secret injected through the env backend. Returns the SQLite path the
// config points at.
func testEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "quiver.db")

	t.Chdir(dir)
	t.Setenv("QUIVER_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	for key, value := range map[string]string{
		"CREDENTIALS_SECRET":  testKey,
		"DATABASE_URL":        dbPath,
		"JWT_SECRET":          "jwt-signing-secret",
		"TEAMS_CLIENT_ID":     "client-id",
		"TEAMS_CLIENT_SECRET": "client-secret",
		"OPENAI_API_KEY":      "sk-test",
		"EMAIL_API_KEY":       "re_test",
	} {
		t.Setenv("QUIVER_SECRET_"+key, value)
	}
	t.Setenv("QUIVER_EMAIL_SENDER", "soc@example.com")

	configPath = ""
	t.Cleanup(func() { configPath = "" })

	return dbPath
}

// runCommand executes the CLI with args, optionally feeding stdin, and
// returns the combined output.
func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	if stdin != "" {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		if _, err := w.WriteString(stdin); err != nil {
			t.Fatalf("write stdin: %v", err)
		}
		w.Close()
		orig := os.Stdin
		os.Stdin = r
		t.Cleanup(func() {
			os.Stdin = orig
			r.Close()
		})
	}

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}
