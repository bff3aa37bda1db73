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

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matterstack/matterstack/internal/campaign"
	_ "github.com/matterstack/matterstack/internal/campaign/staged"
	"github.com/matterstack/matterstack/internal/config"
	"github.com/matterstack/matterstack/internal/engine"
)

// campaignHeader is just enough of a workspace's campaign.yaml to route
// to the right registered factory; the rest of the file is handed to
// the factory untouched.
type campaignHeader struct {
	Kind string `yaml:"kind"`
}

// loadCampaign reads workspaces/<slug>/campaign.yaml, if present, and
// resolves it through the campaign registry. A workspace with no
// campaign file runs with a nil Campaign: a run whose tasks are added
// entirely by external means (an operator, a human, a later rerun).
func loadCampaign(workspaceRoot string) (campaign.Campaign, error) {
	path := filepath.Join(workspaceRoot, "campaign.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cli: read %s: %w", path, err)
	}

	var header campaignHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("cli: parse %s: %w", path, err)
	}
	if header.Kind == "" {
		return nil, fmt.Errorf("cli: %s: missing required \"kind\" field", path)
	}
	return campaign.Lookup(header.Kind, data)
}

func newInitCommand(flags *globalFlags) *cobra.Command {
	var maxConcurrentGlobal int

	cmd := &cobra.Command{
		Use:   "init <workspace>",
		Short: "Initialize a new run for a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]
			workspacesRoot := flags.resolveWorkspacesRoot()
			workspaceRoot := filepath.Join(workspacesRoot, slug)

			camp, err := loadCampaign(workspaceRoot)
			if err != nil {
				return Classify(err)
			}

			cfg := config.DefaultRunConfig()
			if maxConcurrentGlobal > 0 {
				cfg.MaxConcurrentGlobal = maxConcurrentGlobal
			}

			handle, err := engine.InitializeRun(cmd.Context(), runsRootFor(workspacesRoot, slug), slug, cfg, flags.operatorsPath, engine.Deps{Campaign: camp})
			if err != nil {
				return Classify(err)
			}

			if flags.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"run_id": handle.RunID})
			}
			fmt.Fprintln(cmd.OutOrStdout(), handle.RunID)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxConcurrentGlobal, "max-concurrent", 0, "override the default global concurrency cap")
	return cmd
}
