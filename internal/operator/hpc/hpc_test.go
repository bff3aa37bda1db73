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

package hpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/wiring"
)

// fakeTransport stands in for a real SSH or local connection so these
// tests exercise Operator's state machine without touching a network
// or forking real processes.
type fakeTransport struct {
	files      map[string][]byte
	runOutputs map[string]runResult
	runLog     []string
}

type runResult struct {
	output string
	code   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: map[string][]byte{}, runOutputs: map[string]runResult{}}
}

func (f *fakeTransport) Run(ctx context.Context, command string) (string, int, error) {
	f.runLog = append(f.runLog, command)
	if r, ok := f.runOutputs[command]; ok {
		return r.output, r.code, nil
	}
	return "", 0, nil
}

func (f *fakeTransport) WriteFile(ctx context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeTransport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func TestSlurmLifecycle_SuccessfulJob(t *testing.T) {
	ft := newFakeTransport()
	op := New(wiring.BackendSlurm, ft)
	h := &operator.Handle{TaskID: "t1", AttemptID: "a1", RunRoot: t.TempDir(), Command: "python sim.py", Cores: 4, WorkdirRemote: "/scratch/run1/t1/a1"}
	ctx := context.Background()

	require.NoError(t, op.Prepare(ctx, h))
	_, ok := ft.files["/scratch/run1/t1/a1/submit.sh"]
	require.True(t, ok)

	ft.runOutputs[`cd "/scratch/run1/t1/a1" && sbatch submit.sh`] = runResult{output: "Submitted batch job 4821\n", code: 0}
	require.NoError(t, op.Submit(ctx, h))
	assert.Equal(t, "4821", h.ExternalID)

	require.NoError(t, op.Submit(ctx, h))
	assert.Equal(t, "4821", h.ExternalID)

	ft.runOutputs["squeue -h -j 4821 -o %T"] = runResult{output: "RUNNING\n", code: 0}
	status, err := op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalRunning, status)

	ft.files["/scratch/run1/t1/a1/DONE"] = []byte("")
	ft.files["/scratch/run1/t1/a1/exit_code"] = []byte("0\n")
	status, err = op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalCompletedOK, status)

	ft.files["/scratch/run1/t1/a1/stdout.log"] = []byte("ok\n")
	ft.files["/scratch/run1/t1/a1/stderr.log"] = []byte("")
	require.NoError(t, op.Collect(ctx, h))
	data, err := os.ReadFile(filepath.Join(h.AttemptDir(), "outputs", "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(data))
}

func TestSlurmLifecycle_FailedJobExitCode(t *testing.T) {
	ft := newFakeTransport()
	op := New(wiring.BackendSlurm, ft)
	h := &operator.Handle{TaskID: "t1", AttemptID: "a2", RunRoot: t.TempDir(), Command: "false", WorkdirRemote: "/scratch/run1/t1/a2"}
	ctx := context.Background()

	require.NoError(t, op.Prepare(ctx, h))
	ft.runOutputs[`cd "/scratch/run1/t1/a2" && sbatch submit.sh`] = runResult{output: "Submitted batch job 99\n", code: 0}
	require.NoError(t, op.Submit(ctx, h))

	ft.files["/scratch/run1/t1/a2/DONE"] = []byte("")
	ft.files["/scratch/run1/t1/a2/exit_code"] = []byte("1\n")
	status, err := op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalFailed, status)
}

func TestLocalBackendLifecycle(t *testing.T) {
	ft := newFakeTransport()
	op := New(wiring.BackendLocal, ft)
	h := &operator.Handle{TaskID: "t1", AttemptID: "a3", RunRoot: t.TempDir(), Command: "echo hi", WorkdirRemote: "/tmp/run1/t1/a3"}
	ctx := context.Background()

	require.NoError(t, op.Prepare(ctx, h))

	ft.runOutputs[`cd "/tmp/run1/t1/a3" && chmod +x submit.sh && nohup ./submit.sh >/dev/null 2>&1 & echo $!`] = runResult{output: "5555\n", code: 0}
	require.NoError(t, op.Submit(ctx, h))
	assert.Equal(t, "5555", h.ExternalID)

	ft.runOutputs["kill -0 5555"] = runResult{output: "", code: 0}
	status, err := op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalRunning, status)

	ft.files["/tmp/run1/t1/a3/DONE"] = []byte("")
	ft.files["/tmp/run1/t1/a3/exit_code"] = []byte("0\n")
	status, err = op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalCompletedOK, status)
}

func TestLocalBackendLifecycle_ProcessVanishesWithoutMarker(t *testing.T) {
	ft := newFakeTransport()
	op := New(wiring.BackendLocal, ft)
	h := &operator.Handle{TaskID: "t1", AttemptID: "a4", RunRoot: t.TempDir(), Command: "echo hi", WorkdirRemote: "/tmp/run1/t1/a4", ExternalID: "6666"}
	ctx := context.Background()

	ft.runOutputs["kill -0 6666"] = runResult{output: "", code: 1}
	status, err := op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalLost, status)
}
