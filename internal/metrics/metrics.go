package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notifications_submitted_total",
			Help: "Notification requests accepted by intake, by outcome",
		},
		[]string{"type", "channel", "outcome"},
	)

	jobsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_jobs_settled_total",
			Help: "Processed jobs by queue and disposition",
		},
		[]string{"queue", "disposition"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_job_duration_seconds",
			Help:    "Handler time per job",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_delivery_latency_seconds",
			Help:    "Time from request creation to provider acceptance",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	providerSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_provider_sends_total",
			Help: "Provider calls by provider and result",
		},
		[]string{"provider", "result"},
	)

	queueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_queue_jobs",
			Help: "Jobs per queue and state",
		},
		[]string{"queue", "state"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limited_total",
			Help: "Sends deferred or requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_webhook_events_total",
			Help: "Provider webhook events by event type and result",
		},
		[]string{"event", "result"},
	)

	schedulesFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_schedules_fired_total",
			Help: "Schedule occurrences turned into notification requests",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_outcome_events_dropped_total",
			Help: "Outcome events dropped because a subscriber fell behind",
		},
		[]string{"subscriber"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_redis_connections_active",
			Help: "Open Redis connections",
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

// RecordSubmitted records an intake decision: enqueued, suppressed,
// deferred or duplicate.
func RecordSubmitted(notificationType, channel, outcome string) {
	notificationsSubmitted.WithLabelValues(notificationType, channel, outcome).Inc()
}

// RecordJobSettled records how a job left the active set.
func RecordJobSettled(queue, disposition string, duration time.Duration) {
	jobsSettled.WithLabelValues(queue, disposition).Inc()
	jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordDeliveryLatency records request creation to provider acceptance.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordProviderSend records one provider call.
func RecordProviderSend(provider, result string) {
	providerSends.WithLabelValues(provider, result).Inc()
}

// SetQueueJobs sets the job count of one queue state.
func SetQueueJobs(queue, state string, count int64) {
	queueJobs.WithLabelValues(queue, state).Set(float64(count))
}

// RecordRateLimited records a rate limiter denial.
func RecordRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

// RecordWebhookEvent records the handling of one webhook event.
func RecordWebhookEvent(event, result string) {
	webhookEvents.WithLabelValues(event, result).Inc()
}

// RecordScheduleFired records one fired schedule occurrence.
func RecordScheduleFired() {
	schedulesFired.Inc()
}

// SetCircuitState records a breaker transition.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordEventDropped records an outcome event a subscriber never saw.
func RecordEventDropped(subscriber string) {
	eventsDropped.WithLabelValues(subscriber).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware records request metrics labelled by the matched chi route,
// so ids in paths do not create new series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
