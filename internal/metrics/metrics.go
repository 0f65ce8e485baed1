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

// Package metrics exposes the daemon's Prometheus collectors. A single
// Recorder feeds them; it satisfies both the executor's MetricsRecorder
// and the token manager's RefreshRecorder so one value plugs into every
// hook. Collectors register on the default registry and are served by
// the daemon's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_runs_started_total",
		Help: "Total workflow runs started",
	})

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_runs_completed_total",
			Help: "Total workflow runs completed by terminal status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "quiver_run_duration_seconds",
		Help: "Wall-clock duration of workflow runs",
		// Runs block on upstream APIs and model calls, so the spread
		// reaches well past the default 10s ceiling.
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	nodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_node_executions_total",
			Help: "Total action node executions by action type and status",
		},
		[]string{"action_type", "status"},
	)

	oauthRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_oauth_refreshes_total",
			Help: "Total OAuth token refreshes by grant mode and outcome",
		},
		[]string{"mode", "status"},
	)

	webhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_webhook_requests_total",
			Help: "Total webhook trigger requests by outcome",
		},
		[]string{"status"},
	)
)

// Recorder increments the collectors. The zero value is ready to use;
// NewRecorder exists for symmetry with the rest of the wiring.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RunStarted counts a run entering execution.
func (*Recorder) RunStarted() {
	runsStarted.Inc()
}

// RunCompleted counts a finished run under its terminal status and
// observes its duration.
func (*Recorder) RunCompleted(status string, duration time.Duration) {
	runsCompleted.WithLabelValues(status).Inc()
	runDuration.Observe(duration.Seconds())
}

// NodeExecuted counts one action node execution.
func (*Recorder) NodeExecuted(actionType, status string) {
	nodeExecutions.WithLabelValues(actionType, status).Inc()
}

// RecordOAuthRefresh counts a token refresh attempt. mode is the grant
// kind ("refresh_token" or "client_credentials"), status "ok" or
// "error".
func (*Recorder) RecordOAuthRefresh(mode, status string) {
	oauthRefreshes.WithLabelValues(mode, status).Inc()
}

// RecordWebhook counts a webhook trigger request by outcome.
func (*Recorder) RecordWebhook(status string) {
	webhookRequests.WithLabelValues(status).Inc()
}
