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
			Name: "notify_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_notifications_enqueued_total",
			Help: "Total notifications enqueued by type",
		},
		[]string{"type"},
	)

	notificationsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_notifications_claimed_total",
			Help: "Total notifications claimed by the delivery worker",
		},
	)

	sendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_send_attempts_total",
			Help: "Send attempts by outcome",
		},
		[]string{"outcome", "backend"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_send_latency_seconds",
			Help:    "Provider send call latency",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_retries_scheduled_total",
			Help: "Retries scheduled by reason",
		},
		[]string{"reason"},
	)

	quotaConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_quota_consumed_total",
			Help: "Quota units consumed by source bucket",
		},
		[]string{"source"},
	)

	quotaBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_quota_blocked_total",
			Help: "Sends deferred because the tenant quota was exhausted",
		},
		[]string{"tenant_id"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_webhook_events_total",
			Help: "Delivery status webhook events by mapped status",
		},
		[]string{"status"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"source"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_db_connections_active",
			Help: "Active database connections",
		},
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

// RecordNotificationEnqueued records a notification enqueue event
func RecordNotificationEnqueued(notificationType string) {
	notificationsEnqueued.WithLabelValues(notificationType).Inc()
}

// RecordClaimed records notifications claimed for delivery
func RecordClaimed(count int) {
	notificationsClaimed.Add(float64(count))
}

// RecordSendAttempt records the outcome of a provider send attempt
func RecordSendAttempt(outcome, backend string) {
	sendAttempts.WithLabelValues(outcome, backend).Inc()
}

// RecordSendLatency records provider send call duration
func RecordSendLatency(backend string, latency time.Duration) {
	sendLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// RecordRetryScheduled records a scheduled retry
func RecordRetryScheduled(reason string) {
	retriesScheduled.WithLabelValues(reason).Inc()
}

// RecordQuotaConsumed records a quota unit consumption
func RecordQuotaConsumed(source string) {
	quotaConsumed.WithLabelValues(source).Inc()
}

// RecordQuotaBlocked records a send deferred by quota exhaustion
func RecordQuotaBlocked(tenantID string) {
	quotaBlocked.WithLabelValues(tenantID).Inc()
}

// RecordWebhookEvent records a processed delivery status webhook
func RecordWebhookEvent(status string) {
	webhookEvents.WithLabelValues(status).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(source string) {
	rateLimitRejections.WithLabelValues(source).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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
