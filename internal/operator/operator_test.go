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

package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status ExternalStatus
		want   Decision
	}{
		{ExternalQueued, DecisionInProgress},
		{ExternalRunning, DecisionInProgress},
		{ExternalCompleting, DecisionInProgress},
		{ExternalCompletedOK, DecisionCollect},
		{ExternalFailed, DecisionFailed},
		{ExternalTimeout, DecisionFailed},
		{ExternalNodeFail, DecisionFailed},
		{ExternalPreempted, DecisionFailed},
		{ExternalOutOfMemory, DecisionFailed},
		{ExternalCancelled, DecisionCancelled},
		{ExternalLost, DecisionFailed},
		{"SOMETHING_UNKNOWN", DecisionRetryableError},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got, _ := Classify(tt.status)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_LostHasJobLostReason(t *testing.T) {
	_, reason := Classify(ExternalLost)
	assert.Equal(t, "Job Lost", reason)
}

func TestEnsureContained_AllowsWithinRoot(t *testing.T) {
	resolved, err := EnsureContained("/run/root", "tasks/t1/attempts/a1/stdout.log")
	require.NoError(t, err)
	assert.Equal(t, "/run/root/tasks/t1/attempts/a1/stdout.log", resolved)
}

func TestEnsureContained_RejectsEscape(t *testing.T) {
	_, err := EnsureContained("/run/root", "../../etc/passwd")
	var pathErr *matterrors.PathSafetyError
	require.ErrorAs(t, err, &pathErr)
}
