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
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/quiverops/quiver/internal/config"
	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/internal/store/postgres"
	"github.com/quiverops/quiver/internal/store/sqlite"
)

// CLI styles.
var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

const (
	symbolOK    = "✓"
	symbolError = "✗"
)

func renderOK(msg string) string {
	return styleOK.Render(symbolOK) + " " + msg
}

func renderError(msg string) string {
	return styleError.Render(symbolError) + " " + msg
}

// loadConfig loads the daemon configuration honouring --config.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DiscoverPath()
	}
	return config.Load(path)
}

// openStore opens the store the configured database URL selects:
// postgres:// and postgresql:// URLs open the PostgreSQL backend,
// anything else is a SQLite path.
func openStore(cfg *config.Config) (store.Store, error) {
	url := cfg.Database.URL
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return postgres.New(postgres.Config{URL: url, MaxOpenConns: cfg.Database.PoolSize})
	}
	return sqlite.New(sqlite.Config{Path: url, MaxOpenConns: cfg.Database.PoolSize})
}

// newCipher builds the workflow credential cipher from config.
func newCipher(cfg *config.Config) (*credential.Cipher, error) {
	key, err := cfg.CredentialKey()
	if err != nil {
		return nil, err
	}
	return credential.NewCipher(key)
}

// readSecretValue reads a secret from stdin. Piped input is read to
// EOF and trimmed; a terminal gets a hidden prompt.
func readSecretValue(prompt string) (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read secret from stdin: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
