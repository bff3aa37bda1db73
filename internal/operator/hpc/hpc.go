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

// Package hpc implements the Operator contract against a remote
// compute backend: a shared-filesystem host driven directly, or a
// Slurm cluster driven over SSH. Site conventions (module loads,
// partition names) and Slurm's state vocabulary are treated as opaque
// strings the backend forwards; MatterStack only needs to know
// whether an attempt is queued, running, or done.
package hpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/wiring"
)

func init() {
	operator.RegisterFactory(wiring.KindHPC, func(entry wiring.Entry) (operator.Operator, error) {
		transport, err := NewTransport(entry.Backend)
		if err != nil {
			return nil, err
		}
		return &Operator{backend: entry.Backend.Type, transport: transport}, nil
	})
}

var sbatchJobID = regexp.MustCompile(`Submitted batch job (\d+)`)

// doneMarker is the completion sentinel every submit wrapper writes,
// local or remote, so Check never needs backend-specific exit-status
// parsing to know an attempt is over.
const doneMarker = "DONE"

// Operator drives attempts through a Transport, which already knows
// how to reach the backend named by its originating wiring entry.
type Operator struct {
	backend   wiring.BackendType
	transport Transport
}

// New returns an hpc Operator bound to an already-constructed
// Transport, for tests and direct wiring outside the factory registry.
func New(backend wiring.BackendType, transport Transport) *Operator {
	return &Operator{backend: backend, transport: transport}
}

func (o *Operator) remoteDir(h *operator.Handle) string {
	if h.WorkdirRemote != "" {
		return h.WorkdirRemote
	}
	return h.AttemptDir()
}

// Prepare stages manifest.json and a wrapper script that runs the
// command, capturing its exit code and signaling completion with a
// DONE marker regardless of backend.
func (o *Operator) Prepare(ctx context.Context, h *operator.Handle) error {
	dir := o.remoteDir(h)
	if _, _, err := o.transport.Run(ctx, fmt.Sprintf("mkdir -p %q", dir)); err != nil {
		return fmt.Errorf("hpc: create remote workdir: %w", err)
	}

	manifest := map[string]any{
		"task_id":    h.TaskID,
		"attempt_id": h.AttemptID,
		"command":    h.Command,
		"cores":      h.Cores,
		"memory_mb":  h.MemoryMB,
		"walltime_s": h.WalltimeSecs,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("hpc: marshal manifest: %w", err)
	}
	if err := o.transport.WriteFile(ctx, filepath.Join(dir, "manifest.json"), data); err != nil {
		return fmt.Errorf("hpc: write manifest: %w", err)
	}

	body := fmt.Sprintf("%s > %s/stdout.log 2> %s/stderr.log\necho $? > %s/exit_code\ntouch %s/%s\n",
		h.Command, dir, dir, dir, dir, doneMarker)

	var script string
	if o.backend == wiring.BackendSlurm || o.backend == wiring.BackendProfile || o.backend == wiring.BackendLegacy {
		script = sbatchHeader(h) + body
	} else {
		script = "#!/bin/sh\n" + body
	}
	if err := o.transport.WriteFile(ctx, filepath.Join(dir, "submit.sh"), []byte(script)); err != nil {
		return fmt.Errorf("hpc: write submit script: %w", err)
	}
	return nil
}

func sbatchHeader(h *operator.Handle) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if h.Cores > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", h.Cores)
	}
	if h.MemoryMB > 0 {
		fmt.Fprintf(&b, "#SBATCH --mem=%dM\n", h.MemoryMB)
	}
	if h.WalltimeSecs > 0 {
		fmt.Fprintf(&b, "#SBATCH --time=%d\n", (h.WalltimeSecs+59)/60)
	}
	return b.String()
}

// Submit dispatches the wrapper script: via sbatch for Slurm-backed
// entries, or as a detached background process for a local-filesystem
// backend. Idempotent.
func (o *Operator) Submit(ctx context.Context, h *operator.Handle) error {
	if h.ExternalID != "" {
		return nil
	}
	dir := o.remoteDir(h)

	if o.backend == wiring.BackendSlurm || o.backend == wiring.BackendProfile || o.backend == wiring.BackendLegacy {
		out, code, err := o.transport.Run(ctx, fmt.Sprintf("cd %q && sbatch submit.sh", dir))
		if err != nil {
			return fmt.Errorf("hpc: sbatch: %w", err)
		}
		if code != 0 {
			return fmt.Errorf("hpc: sbatch exited %d: %s", code, out)
		}
		match := sbatchJobID.FindStringSubmatch(out)
		if match == nil {
			return fmt.Errorf("hpc: could not parse job id from sbatch output: %s", out)
		}
		h.ExternalID = match[1]
		return nil
	}

	out, code, err := o.transport.Run(ctx, fmt.Sprintf("cd %q && chmod +x submit.sh && nohup ./submit.sh >/dev/null 2>&1 & echo $!", dir))
	if err != nil {
		return fmt.Errorf("hpc: launch: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("hpc: launch exited %d: %s", code, out)
	}
	h.ExternalID = strings.TrimSpace(out)
	return nil
}

// Check reports the attempt's external status. The DONE marker is
// authoritative for completion; short of that, Slurm-backed attempts
// are queried with squeue's %T state name, and local-backend
// attempts with a plain liveness check on the recorded PID.
func (o *Operator) Check(ctx context.Context, h *operator.Handle) (operator.ExternalStatus, error) {
	dir := o.remoteDir(h)

	if _, err := o.transport.ReadFile(ctx, filepath.Join(dir, doneMarker)); err == nil {
		code, err := o.readExitCode(ctx, dir)
		if err != nil {
			return "", err
		}
		if code == 0 {
			return operator.ExternalCompletedOK, nil
		}
		return operator.ExternalFailed, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("hpc: check done marker: %w", err)
	}

	if o.backend == wiring.BackendSlurm || o.backend == wiring.BackendProfile || o.backend == wiring.BackendLegacy {
		return o.checkSlurm(ctx, h)
	}
	return o.checkLocal(ctx, h)
}

func (o *Operator) readExitCode(ctx context.Context, dir string) (int, error) {
	raw, err := o.transport.ReadFile(ctx, filepath.Join(dir, "exit_code"))
	if err != nil {
		return 0, fmt.Errorf("hpc: read exit_code: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("hpc: parse exit_code: %w", err)
	}
	return code, nil
}

// slurmStateTable is the decision table for squeue's %T state field.
// States not listed fall through to ExternalRunning: the job is still
// in Slurm's queue, so it is in progress by definition.
var slurmStateTable = map[string]operator.ExternalStatus{
	"PENDING":       operator.ExternalQueued,
	"CONFIGURING":   operator.ExternalQueued,
	"RUNNING":       operator.ExternalRunning,
	"COMPLETING":    operator.ExternalCompleting,
	"CANCELLED":     operator.ExternalCancelled,
	"FAILED":        operator.ExternalFailed,
	"TIMEOUT":       operator.ExternalTimeout,
	"NODE_FAIL":     operator.ExternalNodeFail,
	"PREEMPTED":     operator.ExternalPreempted,
	"OUT_OF_MEMORY": operator.ExternalOutOfMemory,
}

func (o *Operator) checkSlurm(ctx context.Context, h *operator.Handle) (operator.ExternalStatus, error) {
	out, _, err := o.transport.Run(ctx, fmt.Sprintf("squeue -h -j %s -o %%T", h.ExternalID))
	if err != nil {
		return "", fmt.Errorf("hpc: squeue: %w", err)
	}
	state := strings.TrimSpace(out)
	if state == "" {
		// Job has left the queue but the DONE marker has not appeared
		// yet; treat as still running rather than guessing at a final
		// state the queue no longer reports.
		return operator.ExternalRunning, nil
	}
	if status, ok := slurmStateTable[state]; ok {
		return status, nil
	}
	return operator.ExternalRunning, nil
}

func (o *Operator) checkLocal(ctx context.Context, h *operator.Handle) (operator.ExternalStatus, error) {
	_, code, err := o.transport.Run(ctx, fmt.Sprintf("kill -0 %s", h.ExternalID))
	if err != nil {
		return "", fmt.Errorf("hpc: liveness check: %w", err)
	}
	if code == 0 {
		return operator.ExternalRunning, nil
	}
	// Process is gone but the DONE marker never appeared: it was
	// killed or crashed before it could record an exit code.
	return operator.ExternalLost, nil
}

// Collect pulls stdout.log, stderr.log, and exit_code from the
// backend into the attempt's local evidence directory.
func (o *Operator) Collect(ctx context.Context, h *operator.Handle) error {
	remoteDir := o.remoteDir(h)
	localDir := h.AttemptDir()
	outputsDir, err := operator.EnsureContained(h.RunRoot, relPath(h.RunRoot, localDir, "outputs"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return fmt.Errorf("hpc: create outputs dir: %w", err)
	}

	for _, name := range []string{"stdout.log", "stderr.log", "exit_code"} {
		data, err := o.transport.ReadFile(ctx, filepath.Join(remoteDir, name))
		if err != nil {
			return fmt.Errorf("hpc: collect %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(outputsDir, name), data, 0o644); err != nil {
			return fmt.Errorf("hpc: write %s: %w", name, err)
		}
	}
	return nil
}

func relPath(root, dir, file string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return filepath.Join(dir, file)
	}
	return filepath.Join(rel, file)
}
