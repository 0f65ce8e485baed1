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

// Package commands implements the quiver operator CLI: first-run setup,
// workflow credential management, API token minting, workflow file sync
// and the MCP server. Every command loads the same configuration the
// daemon uses, so what the CLI writes is what quiverd reads.
package commands

import (
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	versionMu sync.RWMutex
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configPath holds the --config persistent flag value.
var configPath string

// SetVersion records build-time version information (called from main).
func SetVersion(v, c, b string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version, commit, buildDate = v, c, b
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return version, commit, buildDate
}

// NewRootCommand creates the root Cobra command for quiver.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiver",
		Short: "Quiver - SOAR workflow automation",
		Long: `Quiver runs security-operations workflows: directed graphs of
actions triggered by webhooks or manual starts, with outputs flowing
between actions and run state persisted for forensics.

Run 'quiver setup' to write an initial configuration.
Run 'quiver workflows sync <dir>' to load workflow files into the store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	registerGlobalFlags(cmd.PersistentFlags())

	cmd.AddCommand(newSetupCommand())
	cmd.AddCommand(newCredentialsCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newWorkflowsCommand())
	cmd.AddCommand(newMCPCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// registerGlobalFlags adds the flags every subcommand inherits.
func registerGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configPath, "config", "", "Path to config file (default: $QUIVER_CONFIG, ./quiver.yaml, then the user config dir)")
}
