package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments. A nil *Metrics is safe to call:
// every method no-ops, so tests don't need a registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	ordersCreated  prometheus.Counter
	ticketsSold    prometheus.Counter
	ordersRefunded prometheus.Counter
	emailsSent     *prometheus.CounterVec
	sweepRuns      *prometheus.CounterVec
	stepAdvances   *prometheus.CounterVec
	pointsAwarded  prometheus.Counter
}

// New creates the metric set on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders created.",
		}),
		ticketsSold: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickets_sold_total",
			Help: "Individual tickets issued.",
		}),
		ordersRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_refunded_total",
			Help: "Orders refunded.",
		}),
		emailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Emails sent by kind.",
		}, []string{"kind"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_sweep_runs_total",
			Help: "Lifecycle sweep runs by campaign.",
		}, []string{"campaign"}),
		stepAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_step_advances_total",
			Help: "Lifecycle step pointer advances by campaign.",
		}, []string{"campaign"}),
		pointsAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "points_awarded_total",
			Help: "Points awarded through sale attribution.",
		}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.ordersCreated,
		m.ticketsSold,
		m.ordersRefunded,
		m.emailsSent,
		m.sweepRuns,
		m.stepAdvances,
		m.pointsAwarded,
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			m.httpRequests.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// OrderCreated records one order and its ticket count.
func (m *Metrics) OrderCreated(tickets int) {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
	m.ticketsSold.Add(float64(tickets))
}

// OrderRefunded records one refund.
func (m *Metrics) OrderRefunded() {
	if m == nil {
		return
	}
	m.ordersRefunded.Inc()
}

// EmailSent records one sent email of a kind.
func (m *Metrics) EmailSent(kind string) {
	if m == nil {
		return
	}
	m.emailsSent.WithLabelValues(kind).Inc()
}

// SweepCompleted records one campaign sweep and its pointer advances.
func (m *Metrics) SweepCompleted(campaign string, advances int) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(campaign).Inc()
	m.stepAdvances.WithLabelValues(campaign).Add(float64(advances))
}

// PointsAwarded records points granted through attribution.
func (m *Metrics) PointsAwarded(points float64) {
	if m == nil {
		return
	}
	m.pointsAwarded.Add(points)
}
