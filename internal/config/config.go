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

// Package config loads and persists run-scoped configuration: concurrency
// caps, poll interval, and the remote root used for HPC workdirs.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

const (
	// EnvOperatorsConfig names the environment variable carrying an
	// override path to the canonical operators configuration.
	EnvOperatorsConfig = "MATTERSTACK_OPERATORS_CONFIG"
	// EnvOperator names the per-task routing override environment variable.
	EnvOperator = "MATTERSTACK_OPERATOR"
	// EnvWorkspacesRoot names the environment variable carrying the
	// workspaces root directory, used when no explicit root is supplied.
	EnvWorkspacesRoot = "MATTERSTACK_WORKSPACES_ROOT"
)

// RunConfig is the run-scoped configuration persisted at
// <run_root>/config.json. It is read by the engine on every tick and
// never mutated except through explicit control commands.
type RunConfig struct {
	// MaxConcurrentGlobal bounds the number of simultaneously active
	// attempts across the whole run.
	MaxConcurrentGlobal int `json:"max_concurrent_global"`

	// MaxConcurrentPerOperator bounds active attempts per operator key.
	// A key absent from this map is treated as unbounded.
	MaxConcurrentPerOperator map[string]int `json:"max_concurrent_per_operator"`

	// PollIntervalSeconds is the spacing used by run_until_completion
	// between ticks; step_run itself ignores it.
	PollIntervalSeconds int `json:"poll_interval_seconds"`

	// RemoteRoot is the base path under which HPC workdirs are allocated:
	// <remote_root>/<workspace_slug>/<run_id>/<task_id>/<attempt_id>/.
	RemoteRoot string `json:"remote_root"`

	// DefaultOperatorKey is the workspace-level fallback used when a task
	// names no operator_key and no MATTERSTACK_OPERATOR override is set.
	DefaultOperatorKey string `json:"default_operator_key"`
}

// DefaultRunConfig returns conservative defaults: a single global slot,
// no per-operator caps, and a five second poll interval.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		MaxConcurrentGlobal:      1,
		MaxConcurrentPerOperator: map[string]int{},
		PollIntervalSeconds:      5,
		RemoteRoot:               "",
		DefaultOperatorKey:       "",
	}
}

// Load reads a RunConfig from path. A missing file is not an error; it
// resolves to DefaultRunConfig so initialize_run can proceed on a bare
// workspace.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRunConfig(), nil
	}
	if err != nil {
		return nil, &matterrors.ConfigError{Key: path, Reason: "failed to read config file", Cause: err}
	}

	cfg := DefaultRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &matterrors.ConfigError{Key: path, Reason: "invalid JSON", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories
// as needed.
func Save(path string, cfg *RunConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &matterrors.ConfigError{Key: path, Reason: "failed to create config directory", Cause: err}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &matterrors.ConfigError{Key: path, Reason: "failed to marshal config", Cause: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &matterrors.ConfigError{Key: path, Reason: "failed to write config file", Cause: err}
	}
	return nil
}

// Validate rejects configurations that would make the engine's
// concurrency math meaningless.
func (c *RunConfig) Validate() error {
	if c.MaxConcurrentGlobal < 1 {
		return &matterrors.ValidationError{Field: "max_concurrent_global", Message: "must be at least 1"}
	}
	for key, limit := range c.MaxConcurrentPerOperator {
		if limit < 0 {
			return &matterrors.ValidationError{Field: "max_concurrent_per_operator." + key, Message: "must be non-negative"}
		}
	}
	if c.PollIntervalSeconds < 0 {
		return &matterrors.ValidationError{Field: "poll_interval_seconds", Message: "must be non-negative"}
	}
	return nil
}

// OperatorSlotLimit returns the per-operator concurrency cap for key, or
// ok=false when the operator is unbounded.
func (c *RunConfig) OperatorSlotLimit(key string) (limit int, ok bool) {
	limit, ok = c.MaxConcurrentPerOperator[key]
	return limit, ok
}

// WorkspacesRoot resolves the workspaces root directory: explicit arg
// first, then MATTERSTACK_WORKSPACES_ROOT, then "workspaces" relative to
// the current working directory.
func WorkspacesRoot(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(EnvWorkspacesRoot); v != "" {
		return v
	}
	return "workspaces"
}
