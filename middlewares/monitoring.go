package middlewares

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_saga_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_saga_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	orderOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_saga_order_operations_total",
			Help: "Total number of order operations",
		},
		[]string{"operation", "status"},
	)

	paymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_saga_payment_outcomes_total",
			Help: "Payment attempts by outcome",
		},
		[]string{"method", "outcome"},
	)

	refundOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_saga_refund_outcomes_total",
			Help: "Refunds by final status",
		},
		[]string{"status"},
	)

	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_saga_events_consumed_total",
			Help: "Consumed events by consumer, type and delivery outcome",
		},
		[]string{"consumer", "type", "outcome"},
	)

	eventsPublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_saga_event_publish_failures_total",
			Help: "Events that could not be published after their state change committed",
		},
		[]string{"type"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_saga_dead_letters_total",
			Help: "Events that exhausted their deliveries",
		},
		[]string{"source", "type"},
	)

	retrySweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_saga_retry_sweep_duration_seconds",
			Help:    "Duration of payment retry sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
	}
}

func RecordOrderOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	orderOperations.WithLabelValues(operation, status).Inc()
}

// RecordPaymentOutcome counts a payment attempt. Outcome is one of completed,
// declined, failed or fraud.
func RecordPaymentOutcome(method, outcome string) {
	paymentOutcomes.WithLabelValues(method, outcome).Inc()
}

func RecordRefund(status string) {
	refundOutcomes.WithLabelValues(status).Inc()
}

func RecordEvent(consumer, eventType, outcome string) {
	eventsConsumed.WithLabelValues(consumer, eventType, outcome).Inc()
}

func RecordPublishFailure(eventType string) {
	eventsPublishFailed.WithLabelValues(eventType).Inc()
}

func RecordDeadLetter(source, eventType string) {
	deadLetters.WithLabelValues(source, eventType).Inc()
}

func ObserveRetrySweep(d time.Duration) {
	retrySweepDuration.Observe(d.Seconds())
}
