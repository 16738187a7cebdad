// Package metrics exposes Prometheus counters for deliveries, batch runs and
// the dead-letter queue, plus HTTP middleware for the API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/dispatch"
	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/engine"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outreach"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_connections",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by action, outcome and path (batch or retry)",
		},
		[]string{"action", "outcome", "path"},
	)

	sendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed sends by error type",
		},
		[]string{"error_type"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from claim to commit for one dispatch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	batchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Finished batch runs by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	lastRunSent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_last_run_sent",
			Help:      "Emails sent by the most recent batch run",
		},
	)

	dlqTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_transitions_total",
			Help:      "Dead-letter queue transitions by event and error type",
		},
		[]string{"event", "error_type"},
	)

	repliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Ingested replies by priority",
		},
		[]string{"priority"},
	)
)

// Recorder feeds engine, dispatch, DLQ and reply notifications into the package
// collectors. The zero value is ready to use.
type Recorder struct{}

var (
	_ dispatch.Observer  = Recorder{}
	_ engine.RunObserver = Recorder{}
	_ dlq.Observer       = Recorder{}
)

// Dispatched implements dispatch.Observer.
func (Recorder) Dispatched(res dispatch.Result, elapsed time.Duration) {
	path := "batch"
	if res.Retry {
		path = "retry"
	}
	dispatchesTotal.WithLabelValues(string(res.Action), string(res.Outcome), path).Inc()
	if res.Outcome == dispatch.OutcomeFailed {
		sendFailuresTotal.WithLabelValues(string(res.ErrorType)).Inc()
	}
	if res.Outcome != dispatch.OutcomeSkipped {
		dispatchDuration.WithLabelValues(string(res.Outcome)).Observe(elapsed.Seconds())
	}
}

// RunFinished implements engine.RunObserver.
func (Recorder) RunFinished(run *models.BatchRun) {
	batchRunsTotal.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	lastRunSent.Set(float64(run.Sent))
}

// FailureEnqueued implements dlq.Observer.
func (Recorder) FailureEnqueued(rec *models.FailedEmail) {
	dlqTransitionsTotal.WithLabelValues("enqueued", string(rec.ErrorType)).Inc()
}

// RecordQuarantined implements dlq.Observer.
func (Recorder) RecordQuarantined(rec *models.FailedEmail) {
	dlqTransitionsTotal.WithLabelValues("quarantined", string(rec.ErrorType)).Inc()
}

// RecordResolved implements dlq.Observer.
func (Recorder) RecordResolved(rec *models.FailedEmail) {
	dlqTransitionsTotal.WithLabelValues("resolved", string(rec.ErrorType)).Inc()
}

// ReplyRecorded implements replies.Observer.
func (Recorder) ReplyRecorded(lead *models.Lead) {
	repliesTotal.WithLabelValues(string(lead.Priority)).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies. Paths are labelled with
// the chi route pattern when available to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(rw.statusCode)
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
