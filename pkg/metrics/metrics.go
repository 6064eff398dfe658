package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks how many connections are currently active.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poller_active_connections",
			Help: "Number of active connections known to the scheduler",
		},
	)

	// BreakerState is 0 for CLOSED, 1 for HALF_OPEN, 2 for OPEN, per connection.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poller_breaker_state",
			Help: "Circuit breaker state per connection (0=closed 1=half_open 2=open)",
		},
		[]string{"connection_id"},
	)

	// CycleDuration measures one Worker poll cycle end to end.
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poller_cycle_duration_seconds",
			Help:    "Duration of one poll cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connection_id"},
	)

	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_cycles_total",
			Help: "Total poll cycles by outcome (success, failure, skipped)",
		},
		[]string{"connection_id", "outcome"},
	)

	OrdersFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_orders_found_total",
			Help: "Total candidate orders observed from upstream",
		},
		[]string{"connection_id"},
	)

	OrdersSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_orders_sent_total",
			Help: "Total orders successfully delivered to the webhook",
		},
		[]string{"connection_id"},
	)

	RetryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poller_retry_queue_depth",
			Help: "Number of PENDING retry items per connection",
		},
		[]string{"connection_id"},
	)

	RetryExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_retry_exhausted_total",
			Help: "Total retry items that reached max attempts and were marked FAILED",
		},
		[]string{"connection_id"},
	)

	TaskRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_scheduler_task_restarts_total",
			Help: "Total supervised connection tasks restarted after a panic",
		},
		[]string{"connection_id"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		BreakerState,
		CycleDuration,
		CyclesTotal,
		OrdersFoundTotal,
		OrdersSentTotal,
		RetryQueueDepth,
		RetryExhaustedTotal,
		TaskRestartsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// BreakerStateValue maps a breaker state string to the gauge value used by
// the BreakerState metric.
func BreakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}
