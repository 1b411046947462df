// Package telemetry exposes prometheus metrics for the messaging core and
// a lightweight request-timing middleware for the HTTP surface.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_appended_total",
		Help: "Messages durably appended to threads.",
	})
	ThreadsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_threads_created_total",
		Help: "Threads created on first exchange.",
	})
	RealtimeDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_realtime_delivered_total",
		Help: "Realtime events delivered to subscribers.",
	})
	RealtimeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_realtime_dropped_total",
		Help: "Realtime events dropped because a subscriber queue was full.",
	})
	MarkReadCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_mark_read_total",
		Help: "Read-cursor advances.",
	})
	UnreadRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_unread_refresh_total",
		Help: "Full unread reconciliation passes.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_send_failures_total",
		Help: "Sends that failed and were surfaced to the caller.",
	})

	UnreadGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_unread_messages",
		Help: "Current unread message count per user, refreshed by the sweep.",
	}, []string{"user"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_http_request_duration_seconds",
		Help:    "HTTP request latency by method and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// Handler returns the /metrics handler.
func Handler() http.Handler { return promhttp.Handler() }

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request timing for every handled request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)
		requestDuration.WithLabelValues(r.Method, strconv.Itoa(srw.status)).
			Observe(time.Since(start).Seconds())
	})
}
