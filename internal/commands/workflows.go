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

	"github.com/spf13/cobra"

	"github.com/quiverops/quiver/internal/filesync"
)

func newWorkflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Manage workflow definitions",
	}

	cmd.AddCommand(newWorkflowsSyncCommand())
	cmd.AddCommand(newWorkflowsListCommand())

	return cmd
}

func newWorkflowsSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <dir>",
		Short: "Sync workflow YAML files into the store",
		Long: `Parse every workflow file under the directory and upsert it.

Files are matched against the configured globs (default **/*.yaml and
**/*.yml). Workflow and action ids derive from the workflow name, so
re-syncing the same files is idempotent and webhook ingress URLs stay
stable. A broken file is reported and skipped; the rest still sync.`,
		Args: cobra.ExactArgs(1),
		RunE: runWorkflowsSync,
	}
}

func newWorkflowsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows in the store",
		Args:  cobra.NoArgs,
		RunE:  runWorkflowsList,
	}
}

func runWorkflowsSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	syncer, err := filesync.New(filesync.Config{Dir: args[0], Globs: cfg.Workflows.Globs}, st)
	if err != nil {
		return err
	}

	results, err := syncer.SyncOnce(cmd.Context())
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			cmd.Println(renderError(fmt.Sprintf("%s: %v", res.Path, res.Err)))
			continue
		}
		cmd.Println(renderOK(fmt.Sprintf("%s → %s (%s)", res.Path, res.Workflow.Name, res.Workflow.ID)))
		for _, hook := range res.Webhooks {
			cmd.Printf("    %s %s\n",
				styleMuted.Render("webhook "+hook.Handle+":"),
				fmt.Sprintf("/webhooks/%s/%s", hook.ID, hook.Secret),
			)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d workflow files failed to sync", failed, len(results))
	}
	cmd.Printf("synced %d workflow files\n", len(results))
	return nil
}

func runWorkflowsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ListWorkflows(cmd.Context())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		cmd.Println(styleMuted.Render("no workflows stored"))
		return nil
	}

	cmd.Printf("%s  %s  %s\n",
		styleHeader.Render(fmt.Sprintf("%-36s", "ID")),
		styleHeader.Render(fmt.Sprintf("%-32s", "NAME")),
		styleHeader.Render("LIVE"),
	)
	for _, row := range rows {
		live := styleMuted.Render("no")
		if row.IsLive {
			live = styleOK.Render("yes")
		}
		cmd.Printf("%-36s  %-32s  %s\n", row.ID, row.Name, live)
	}
	return nil
}
