package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one process. A nil *Metrics is a no-op.
type Metrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	Reservations    *prometheus.CounterVec
	Verifications   *prometheus.CounterVec
	Expired         *prometheus.CounterVec
	OutboxPublished *prometheus.CounterVec
}

func New(reg prometheus.Registerer, service string) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketplace",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: service,
			Name:      "reservations_total",
			Help:      "Checkout attempts by outcome (created, existing, insufficient_stock, empty_cart, error).",
		}, []string{"outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: service,
			Name:      "payment_verifications_total",
			Help:      "Payment verifications by outcome.",
		}, []string{"outcome"}),
		Expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: service,
			Name:      "reservations_expired_total",
			Help:      "Reservations reverted, by reason.",
		}, []string{"reason"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: service,
			Name:      "outbox_published_total",
			Help:      "Outbox records written to Kafka, by topic.",
		}, []string{"topic"}),
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.Reservations, m.Verifications, m.Expired, m.OutboxPublished)
	return m
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Expiration(reason string) {
	if m == nil {
		return
	}
	m.Expired.WithLabelValues(reason).Inc()
}

func (m *Metrics) Published(topic string, n int) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(topic).Add(float64(n))
}

func (m *Metrics) Request(route, status string, ms float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, status).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(ms)
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
