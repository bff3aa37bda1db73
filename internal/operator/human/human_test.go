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

package human

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterstack/matterstack/internal/operator"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

func TestCheck_NoResponseYetIsRunning(t *testing.T) {
	h := &operator.Handle{TaskID: "t1", AttemptID: "a1", RunRoot: t.TempDir(), Command: "approve the budget"}
	op := New()
	ctx := context.Background()
	require.NoError(t, op.Prepare(ctx, h))
	require.NoError(t, op.Submit(ctx, h))

	status, err := op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalRunning, status)
}

func TestCheck_SuccessResponse(t *testing.T) {
	h := &operator.Handle{TaskID: "t1", AttemptID: "a1", RunRoot: t.TempDir()}
	op := New()
	ctx := context.Background()
	require.NoError(t, op.Prepare(ctx, h))

	writeResponse(t, h.AttemptDir(), `{"status":"success","data":{"approved":true}}`)

	status, err := op.Check(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, operator.ExternalCompletedOK, status)

	require.NoError(t, op.Collect(ctx, h))
	_, err = os.Stat(filepath.Join(h.AttemptDir(), "outputs", "response.json"))
	require.NoError(t, err)
}

func TestCheck_MalformedResponseFails(t *testing.T) {
	h := &operator.Handle{TaskID: "t1", AttemptID: "a1", RunRoot: t.TempDir()}
	op := New()
	ctx := context.Background()
	require.NoError(t, op.Prepare(ctx, h))

	writeResponse(t, h.AttemptDir(), `not json`)

	_, err := op.Check(ctx, h)
	var verr *matterrors.ManifestValidationError
	require.ErrorAs(t, err, &verr)
}

func writeResponse(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "response.json"), []byte(content), 0o644))
}
