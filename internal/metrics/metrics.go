// Package metrics defines the Prometheus collectors exported by the broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	ConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_connections_open",
		Help: "Number of pooled tool server connections",
	}, []string{"scope"})

	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connects_total",
		Help: "Tool server connection attempts",
	}, []string{"scope", "transport", "result"})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connection_evictions_total",
		Help: "Pooled connections removed, by reason",
	}, []string{"scope", "reason"})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_tool_calls_total",
		Help: "Proxied tool calls by outcome",
	}, []string{"server", "outcome"})

	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_tool_call_duration_seconds",
		Help:    "Proxied tool call duration",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"server"})

	OAuthFlowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_outbound_oauth_total",
		Help: "Outbound OAuth operations by stage and result",
	}, []string{"stage", "result"})

	AuthServerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_authserver_requests_total",
		Help: "Inbound authorization server operations by endpoint and result",
	}, []string{"endpoint", "result"})

	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_tasks_total",
		Help: "Background tasks by kind and final result",
	}, []string{"kind", "result"})

	TaskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_task_retries_total",
		Help: "Background task retry attempts",
	}, []string{"kind"})

	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_task_queue_depth",
		Help: "Tasks waiting in the queue",
	})
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Result returns the result label for err.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RouteFunc resolves the route pattern of a served request so label
// cardinality stays bounded.
type RouteFunc func(r *http.Request) string

// Middleware records request counts and durations.
func Middleware(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			name := route(r)
			if name == "" {
				name = "unmatched"
			}
			HTTPRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(wrapped.status)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
