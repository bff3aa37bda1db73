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

// Package local implements the Operator contract against a local
// subprocess pool: prepare writes a manifest and submit script, submit
// forks the command in the background, check inspects the recorded
// exit state, and collect is a no-op since outputs land directly in
// the attempt's evidence directory.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/wiring"
)

func init() {
	operator.RegisterFactory(wiring.KindLocal, func(entry wiring.Entry) (operator.Operator, error) {
		return New(), nil
	})
}

// processState is persisted to state.json inside the attempt directory
// so Check survives the orchestrator process restarting between ticks.
type processState struct {
	PID      int  `json:"pid"`
	Exited   bool `json:"exited"`
	ExitCode int  `json:"exit_code"`
}

// Operator runs attempts as local subprocesses. It tracks live
// processes in memory for the owning process's lifetime and falls back
// to state.json + PID liveness checks across restarts.
type Operator struct {
	mu        sync.Mutex
	processes map[string]*exec.Cmd
}

// New returns a ready-to-use local Operator.
func New() *Operator {
	return &Operator{processes: make(map[string]*exec.Cmd)}
}

// Prepare writes manifest.json and submit.sh into the attempt directory.
func (o *Operator) Prepare(ctx context.Context, h *operator.Handle) error {
	dir := h.AttemptDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("local: create attempt dir: %w", err)
	}

	manifest := map[string]any{
		"task_id":    h.TaskID,
		"attempt_id": h.AttemptID,
		"command":    h.Command,
		"cores":      h.Cores,
		"memory_mb":  h.MemoryMB,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("local: marshal manifest: %w", err)
	}
	manifestPath, err := operator.EnsureContained(h.RunRoot, relPath(h.RunRoot, dir, "manifest.json"))
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return fmt.Errorf("local: write manifest: %w", err)
	}

	submitPath, err := operator.EnsureContained(h.RunRoot, relPath(h.RunRoot, dir, "submit.sh"))
	if err != nil {
		return err
	}
	script := "#!/bin/sh\nset -e\n" + h.Command + "\n"
	if err := os.WriteFile(submitPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("local: write submit script: %w", err)
	}
	return nil
}

// Submit forks submit.sh in the background. Idempotent: a handle that
// already has ExternalID set is returned unchanged.
func (o *Operator) Submit(ctx context.Context, h *operator.Handle) error {
	if h.ExternalID != "" {
		return nil
	}

	dir := h.AttemptDir()
	stdout, err := os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return fmt.Errorf("local: open stdout.log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("local: open stderr.log: %w", err)
	}

	cmd := exec.CommandContext(context.Background(), "sh", filepath.Join(dir, "submit.sh"))
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("local: start process: %w", err)
	}

	pid := cmd.Process.Pid
	o.mu.Lock()
	o.processes[h.AttemptID] = cmd
	o.mu.Unlock()

	go func() {
		cmd.Wait()
		stdout.Close()
		stderr.Close()
		writeProcessState(dir, processState{PID: pid, Exited: true, ExitCode: exitCode(cmd)})
	}()

	h.ExternalID = strconv.Itoa(pid)
	return writeProcessState(dir, processState{PID: pid, Exited: false})
}

// Check reports the subprocess's external status from its recorded state.
func (o *Operator) Check(ctx context.Context, h *operator.Handle) (operator.ExternalStatus, error) {
	state, err := readProcessState(h.AttemptDir())
	if err != nil {
		return "", fmt.Errorf("local: read process state: %w", err)
	}
	if !state.Exited {
		return operator.ExternalRunning, nil
	}
	if state.ExitCode == 0 {
		return operator.ExternalCompletedOK, nil
	}
	return operator.ExternalFailed, nil
}

// Collect is a no-op: stdout.log/stderr.log and any output files the
// command wrote already live under the attempt directory.
func (o *Operator) Collect(ctx context.Context, h *operator.Handle) error {
	return nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func writeProcessState(dir string, state processState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "state.json"), data, 0o644)
}

func readProcessState(dir string) (processState, error) {
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		return processState{}, err
	}
	var state processState
	if err := json.Unmarshal(data, &state); err != nil {
		return processState{}, err
	}
	return state, nil
}

func relPath(root, dir, file string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return filepath.Join(dir, file)
	}
	return filepath.Join(rel, file)
}
