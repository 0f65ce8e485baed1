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
	"encoding/json"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quiverops/quiver/internal/credential"
)

var (
	credentialType string
	credentialYes  bool
)

func newCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage workflow credentials",
		Long: `Manage the encrypted credentials workflows reference by name.

Credentials are encrypted with AES-256-GCM under the process key
(CREDENTIALS_SECRET) before they reach the database; the store only
ever sees ciphertext. Integration credentials carry a type tag
(SLACK, JIRA, MS_TEAMS, ...) matching the provider that reads them.

Examples:
  quiver credentials set 4f9c... slack_bot --type SLACK
  echo -n '{"API_KEY":"..."}' | quiver credentials set 4f9c... vt --type VIRUS_TOTAL
  quiver credentials list
  quiver credentials rm 4f9c... slack_bot`,
	}

	cmd.AddCommand(newCredentialsSetCommand())
	cmd.AddCommand(newCredentialsListCommand())
	cmd.AddCommand(newCredentialsRemoveCommand())

	return cmd
}

func newCredentialsSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <workflow-id> <name>",
		Short: "Store an encrypted credential",
		Long: `Encrypt and store a credential for a workflow.

The secret value is read from a hidden prompt, or from standard input
when piped. OAuth and integration credentials are JSON documents with
SCREAMING_SNAKE keys, for example a Mode-B app registration:

  {"TENANT_ID":"...","CLIENT_ID":"...","CLIENT_SECRET":"..."}`,
		Args: cobra.ExactArgs(2),
		RunE: runCredentialsSet,
	}

	cmd.Flags().StringVar(&credentialType, "type", "", "Integration type tag (e.g. SLACK, JIRA, MS_TEAMS)")

	return cmd
}

func newCredentialsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		Long:  `List every credential row. Secret material is never shown.`,
		Args:  cobra.NoArgs,
		RunE:  runCredentialsList,
	}
}

func newCredentialsRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rm <workflow-id> <name>",
		Aliases: []string{"remove", "delete"},
		Short:   "Delete a credential",
		Args:    cobra.ExactArgs(2),
		RunE:    runCredentialsRemove,
	}

	cmd.Flags().BoolVarP(&credentialYes, "yes", "y", false, "Skip the confirmation prompt")

	return cmd
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	workflowID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid workflow id %q: %w", args[0], err)
	}
	name := args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cipher, err := newCipher(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := readSecretValue(fmt.Sprintf("Secret value for %s: ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty secret value")
	}
	// Typed credentials are JSON documents; catch paste accidents here
	// rather than at run time inside an integration.
	if credentialType != "" && !json.Valid([]byte(value)) {
		return fmt.Errorf("credential with --type %s must be a JSON document", credentialType)
	}

	var credType *string
	if credentialType != "" {
		credType = &credentialType
	}

	mgr := credential.NewManager(st, cipher)
	if err := mgr.UpdateSecret(cmd.Context(), workflowID, name, []byte(value), credType); err != nil {
		return err
	}

	cmd.Println(renderOK(fmt.Sprintf("credential %s stored for workflow %s", name, workflowID)))
	return nil
}

func runCredentialsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ListCredentials(cmd.Context())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		cmd.Println(styleMuted.Render("no credentials stored"))
		return nil
	}

	cmd.Printf("%s  %s  %s\n",
		styleHeader.Render(fmt.Sprintf("%-36s", "WORKFLOW")),
		styleHeader.Render(fmt.Sprintf("%-24s", "NAME")),
		styleHeader.Render("TYPE"),
	)
	for _, row := range rows {
		credType := styleMuted.Render("-")
		if row.Type != nil {
			credType = *row.Type
		}
		cmd.Printf("%-36s  %-24s  %s\n", row.WorkflowID, row.Name, credType)
	}
	return nil
}

func runCredentialsRemove(cmd *cobra.Command, args []string) error {
	workflowID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid workflow id %q: %w", args[0], err)
	}
	name := args[1]

	if !credentialYes {
		confirmed := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Delete credential %q from workflow %s?", name, workflowID),
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			cmd.Println("aborted")
			return nil
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteCredential(cmd.Context(), workflowID, name); err != nil {
		return err
	}

	cmd.Println(renderOK(fmt.Sprintf("credential %s deleted", name)))
	return nil
}
