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
	"fmt"
	"net/mail"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quiverops/quiver/internal/config"
	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/internal/secrets"
	"github.com/quiverops/quiver/internal/store"
)

// setupAnswers collects the interactive form results.
type setupAnswers struct {
	Listen       string
	DatabaseURL  string
	WorkflowsDir string

	EmailSender string
	EmailAPIKey string
	OpenAIKey   string

	TeamsClientID     string
	TeamsClientSecret string
}

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Long: `Walk through the required quiverd settings and write them out.

Non-secret settings go to the YAML config file; secrets (the JWT
signing secret, the credential encryption secret, API keys) go to the
first writable secrets backend. The credential encryption secret and
JWT secret are generated, not prompted for.`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("Config file %s already exists. Overwrite?", path)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			cmd.Println("aborted")
			return nil
		}
	}

	answers := setupAnswers{
		Listen:      ":8080",
		DatabaseURL: filepath.Join(filepath.Dir(path), "quiver.db"),
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("Address quiverd binds, e.g. :8080 or 127.0.0.1:8080").
				Value(&answers.Listen).
				Validate(required("listen address")),
			huh.NewInput().
				Title("Database").
				Description("postgres:// URL, or a file path for SQLite").
				Value(&answers.DatabaseURL).
				Validate(required("database")),
			huh.NewInput().
				Title("Workflows directory (optional)").
				Description("Directory of workflow YAML files to sync on start").
				Value(&answers.WorkflowsDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Email sender address").
				Description("Verified from-address for send_email actions").
				Value(&answers.EmailSender).
				Validate(validSenderAddress),
			huh.NewInput().
				Title("Email API key").
				EchoMode(huh.EchoModePassword).
				Value(&answers.EmailAPIKey).
				Validate(required("email API key")),
			huh.NewInput().
				Title("OpenAI API key").
				Description("Fallback key for ai_inference actions without a credential").
				EchoMode(huh.EchoModePassword).
				Value(&answers.OpenAIKey).
				Validate(required("OpenAI API key")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("MS Teams client ID").
				Description("Azure AD app registration for the Teams refresh grant").
				Value(&answers.TeamsClientID).
				Validate(required("Teams client ID")),
			huh.NewInput().
				Title("MS Teams client secret").
				EchoMode(huh.EchoModePassword).
				Value(&answers.TeamsClientSecret).
				Validate(required("Teams client secret")),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	return writeSetup(cmd, path, &answers)
}

// writeSetup persists the answers: generated and prompted secrets to
// the backend chain, everything else to the YAML file.
func writeSetup(cmd *cobra.Command, path string, answers *setupAnswers) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	credentialsSecret, err := credential.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate credential secret: %w", err)
	}
	jwtSecret, err := store.NewWebhookSecret()
	if err != nil {
		return fmt.Errorf("generate JWT secret: %w", err)
	}

	chain := secrets.DefaultChain()
	values := map[string]string{
		"CREDENTIALS_SECRET":  credentialsSecret,
		"JWT_SECRET":          jwtSecret,
		"DATABASE_URL":        answers.DatabaseURL,
		"OPENAI_API_KEY":      answers.OpenAIKey,
		"EMAIL_API_KEY":       answers.EmailAPIKey,
		"TEAMS_CLIENT_ID":     answers.TeamsClientID,
		"TEAMS_CLIENT_SECRET": answers.TeamsClientSecret,
	}
	for key, value := range values {
		if err := chain.Set(ctx, key, value, ""); err != nil {
			return fmt.Errorf("store secret %s: %w", key, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Only non-secret settings land in the file; the chain owns the
	// rest, so the file is safe to commit to configuration management.
	fileConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"listen": answers.Listen,
		},
		"email": map[string]interface{}{
			"sender": answers.EmailSender,
		},
	}
	if answers.WorkflowsDir != "" {
		fileConfig["workflows"] = map[string]interface{}{
			"dir": answers.WorkflowsDir,
		}
	}

	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	cmd.Println(renderOK(fmt.Sprintf("config written to %s", path)))
	cmd.Println(renderOK(fmt.Sprintf("%d secrets stored in the %s backend", len(values), firstWritableBackend(chain))))
	cmd.Println(styleMuted.Render("Start the daemon with: quiverd -config " + path))
	return nil
}

// required rejects empty form inputs.
func required(field string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

// validSenderAddress checks the sender parses as an address.
func validSenderAddress(s string) error {
	if s == "" {
		return fmt.Errorf("sender address is required")
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return fmt.Errorf("not a valid email address")
	}
	return nil
}

// firstWritableBackend names where chain.Set with no explicit backend
// lands, for the summary line.
func firstWritableBackend(chain *secrets.Chain) string {
	for _, backend := range chain.Backends() {
		if ro, ok := backend.(secrets.ReadOnlyBackend); ok && ro.ReadOnly() {
			continue
		}
		return backend.Name()
	}
	return "file"
}
