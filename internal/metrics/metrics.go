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

// Package metrics registers the orchestrator's Prometheus instruments:
// active attempts per operator key, dispatched task counts, and the
// four tick phases' durations. Every instrument is registered once, at
// package init, via promauto against the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeAttempts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matterstack_active_attempts",
			Help: "Number of non-terminal attempts currently held open, by operator key.",
		},
		[]string{"operator_key"},
	)

	tasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matterstack_tasks_dispatched_total",
			Help: "Total number of task dispatch attempts, by operator key and outcome.",
		},
		[]string{"operator_key", "outcome"},
	)

	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matterstack_tick_phase_duration_seconds",
			Help:    "Duration of a single tick phase (poll, plan, execute, analyze).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	runsStepped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matterstack_runs_stepped_total",
			Help: "Total number of StepRun invocations, by run status after the step.",
		},
		[]string{"status"},
	)
)

// SetActiveAttempts records the current non-terminal attempt count for
// operatorKey. The engine calls this once per EXECUTE phase, after
// recomputing concurrency slots, so the gauge always reflects the same
// snapshot the dispatcher used.
func SetActiveAttempts(operatorKey string, count int) {
	activeAttempts.WithLabelValues(operatorKey).Set(float64(count))
}

// RecordDispatch increments the dispatch counter for operatorKey with
// outcome "submitted" or "failed".
func RecordDispatch(operatorKey, outcome string) {
	tasksDispatched.WithLabelValues(operatorKey, outcome).Inc()
}

// ObservePhaseDuration records how long a tick phase took.
func ObservePhaseDuration(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordRunStepped increments the per-status step counter after a
// StepRun call returns.
func RecordRunStepped(status string) {
	runsStepped.WithLabelValues(status).Inc()
}

// Handler returns the http.Handler the daemon mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer returns a function that, when called, observes the elapsed
// time since Timer was invoked under phase. Typical use:
//
//	done := metrics.Timer("poll")
//	defer done()
func Timer(phase string) func() {
	start := time.Now()
	return func() {
		ObservePhaseDuration(phase, time.Since(start))
	}
}
