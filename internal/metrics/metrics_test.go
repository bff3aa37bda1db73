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

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetActiveAttempts_ReflectsLatestValue(t *testing.T) {
	SetActiveAttempts("local.default", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(activeAttempts.WithLabelValues("local.default")))

	SetActiveAttempts("local.default", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(activeAttempts.WithLabelValues("local.default")))
}

func TestRecordDispatch_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(tasksDispatched.WithLabelValues("hpc.cluster1", "submitted"))
	RecordDispatch("hpc.cluster1", "submitted")
	after := testutil.ToFloat64(tasksDispatched.WithLabelValues("hpc.cluster1", "submitted"))
	assert.Equal(t, before+1, after)
}

func TestHandler_ServesPrometheusTextFormat(t *testing.T) {
	RecordRunStepped("RUNNING")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "matterstack_runs_stepped_total")
}

func TestTimer_ObservesDuration(t *testing.T) {
	before := testutil.CollectAndCount(phaseDuration)
	done := Timer("poll")
	done()
	after := testutil.CollectAndCount(phaseDuration)
	assert.GreaterOrEqual(t, after, before)
}
