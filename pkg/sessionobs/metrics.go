// Package sessionobs carries the Session Agent's ambient metrics and
// tracing, mirroring the shape of aixgo's pkg/observability: package
// level Prometheus collectors registered once, plus OpenTelemetry spans
// around the operations worth watching in production.
package sessionobs

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Actor command metrics
	actorCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionagent_actor_commands_total",
			Help: "Total number of session actor commands processed",
		},
		[]string{"command", "status"},
	)

	actorCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionagent_actor_command_duration_seconds",
			Help:    "Session actor command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// Prompt pipeline metrics
	promptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionagent_prompt_duration_seconds",
			Help:    "End-to-end prompt pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	promptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionagent_prompts_total",
			Help: "Total number of prompts submitted",
		},
		[]string{"outcome"},
	)

	// Sandbox lifecycle metrics
	sandboxOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionagent_sandbox_operations_total",
			Help: "Total number of sandbox provider operations (create, snapshot, pause, resume, terminate)",
		},
		[]string{"operation", "status"},
	)

	sandboxLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionagent_sandbox_lost_total",
			Help: "Total number of times a session's sandbox was found unreachable",
		},
	)

	// DB sync metrics
	dbSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionagent_db_sync_total",
			Help: "Total number of best-effort DB sync attempts",
		},
		[]string{"kind", "status"},
	)

	// Connection gauges
	attachedWebsockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionagent_attached_websockets",
			Help: "Number of WebSocket connections currently attached across all sessions",
		},
	)

	activeActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionagent_active_actors",
			Help: "Number of session actors currently held in the router's cache",
		},
	)

	// HTTP surface metrics, grounded the same way as the teacher's own
	// http_requests_total/http_request_duration_seconds pair.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionagent_http_requests_total",
			Help: "Total number of HTTP requests served by the routing shell",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionagent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	initOnce sync.Once
)

// InitMetrics registers every collector with the default Prometheus
// registry. Safe to call more than once; only the first call registers.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			actorCommandsTotal,
			actorCommandDuration,
			promptDuration,
			promptsTotal,
			sandboxOperationsTotal,
			sandboxLostTotal,
			dbSyncTotal,
			attachedWebsockets,
			activeActors,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler exposing the registered
// collectors in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordActorCommand records the outcome and duration of one actor
// command (initialize, prompt, pause, resume, stop).
func RecordActorCommand(command, status string, duration time.Duration) {
	actorCommandsTotal.WithLabelValues(command, status).Inc()
	actorCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordPrompt records one completed prompt pipeline run. outcome is
// one of "completed", "timeout", "sandbox_lost", "error".
func RecordPrompt(outcome string, duration time.Duration) {
	promptsTotal.WithLabelValues(outcome).Inc()
	promptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSandboxOperation records one sandbox provider call.
func RecordSandboxOperation(operation, status string) {
	sandboxOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordSandboxLost increments the count of sandboxes found unreachable.
func RecordSandboxLost() {
	sandboxLostTotal.Inc()
}

// RecordDBSync records one best-effort DB status or message sync
// attempt. kind is "status" or "message". The actor passes status
// "sent" once the call returns, since UpsertStatus and UpsertMessage
// report no outcome to their caller.
func RecordDBSync(kind, status string) {
	dbSyncTotal.WithLabelValues(kind, status).Inc()
}

// SetAttachedWebsockets sets the attached-websocket gauge.
func SetAttachedWebsockets(count int) {
	attachedWebsockets.Set(float64(count))
}

// SetActiveActors sets the active-actor gauge.
func SetActiveActors(count int) {
	activeActors.Set(float64(count))
}

// RecordHTTPRequest records one HTTP request served by the routing shell.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
