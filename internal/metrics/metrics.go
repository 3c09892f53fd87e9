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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_notifications_enqueued_total",
			Help: "Total enqueue calls by result (accepted or duplicate)",
		},
		[]string{"result"},
	)

	outboxClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_outbox_claimed_total",
			Help: "Total outbox rows claimed by workers",
		},
	)

	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatches_total",
			Help: "Total dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	dispatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_dispatch_latency_seconds",
			Help:    "Channel send latency distribution",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	linkTokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_link_tokens_issued_total",
			Help: "Total channel link tokens issued",
		},
	)

	linkRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_link_redemptions_total",
			Help: "Total link token redemptions by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records an enqueue call result ("accepted" or "duplicate")
func RecordEnqueued(result string) {
	notificationsEnqueued.WithLabelValues(result).Inc()
}

// RecordClaimed records rows claimed in one batch
func RecordClaimed(n int) {
	outboxClaimed.Add(float64(n))
}

// RecordDispatch records one dispatch attempt by outcome
func RecordDispatch(outcome string) {
	dispatches.WithLabelValues(outcome).Inc()
}

// RecordDispatchLatency records the channel send round-trip time
func RecordDispatchLatency(d time.Duration) {
	dispatchLatency.Observe(d.Seconds())
}

// RecordLinkTokenIssued records one issued link token
func RecordLinkTokenIssued() {
	linkTokensIssued.Inc()
}

// RecordLinkRedemption records a redemption result ("linked", "invalid", "expired")
func RecordLinkRedemption(result string) {
	linkRedemptions.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
