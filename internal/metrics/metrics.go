package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters/histograms for booking, HTTP and notification flows.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	bookingOutcomes  *prometheus.CounterVec
	statusChanges    *prometheus.CounterVec
	commitDuration   prometheus.Histogram
	commitRetries    prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	eventsDispatched *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "create_total",
			Help:      "Booking requests by outcome",
		}, []string{"result"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "status_change_total",
			Help:      "Booking status transitions by target status and outcome",
		}, []string{"status", "result"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "commit_duration_seconds",
			Help:      "Latency of one locked commit attempt",
			Buckets:   prometheus.DefBuckets,
		}),
		commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "commit_retries_total",
			Help:      "Commit attempts retried after a transient store error",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Booking events handed to the notification channel",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.bookingOutcomes,
		m.statusChanges,
		m.commitDuration,
		m.commitRetries,
		m.httpRequests,
		m.httpDuration,
		m.eventsDispatched,
	)
	return m
}

func (m *Metrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookingOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveStatusChange(status, result string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status, result).Inc()
}

func (m *Metrics) ObserveCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveCommitRetry() {
	if m == nil {
		return
	}
	m.commitRetries.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveDispatch(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDispatched.WithLabelValues(result).Add(float64(n))
}
