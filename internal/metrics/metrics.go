// Package metrics exposes prometheus collectors for the client engine and
// the push server. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

type Metrics struct {
	registry *prometheus.Registry

	dispatched    *prometheus.CounterVec
	handlerPanics *prometheus.CounterVec
	decodeFails   *prometheus.CounterVec
	reconnects    prometheus.Counter
	connState     prometheus.Gauge
	refetches     *prometheus.CounterVec
	logouts       *prometheus.CounterVec

	pushClients prometheus.Gauge
	published   *prometheus.CounterVec
	slowDrops   prometheus.Counter
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_events_dispatched_total",
		}, []string{"topic"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_handler_panics_total",
		}, []string{"topic"}),
		decodeFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_decode_failures_total",
		}, []string{"topic"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_reconnects_total",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_state",
			Help: "0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 failed, 5 closed",
		}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refetch_total",
		}, []string{"consumer", "outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "guard_forced_logouts_total",
		}, []string{"reason"}),
		pushClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "push_clients",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_published_total",
		}, []string{"topic", "source"}),
		slowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_slow_client_drops_total",
		}),
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
		}, []string{"method", "route"}),
	}
	r.MustRegister(m.dispatched, m.handlerPanics, m.decodeFails, m.reconnects, m.connState,
		m.refetches, m.logouts, m.pushClients, m.published, m.slowDrops, m.httpReqCnt, m.httpDur)
	return m
}

func (m *Metrics) EventDispatched(topic string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(topic).Inc()
}

func (m *Metrics) HandlerPanic(topic string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(topic).Inc()
}

func (m *Metrics) DecodeFailure(topic string) {
	if m == nil {
		return
	}
	m.decodeFails.WithLabelValues(topic).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ConnState(state int) {
	if m == nil {
		return
	}
	m.connState.Set(float64(state))
}

// Refetch records one refetch outcome: applied, stale, failed or discarded.
func (m *Metrics) Refetch(consumer, outcome string) {
	if m == nil {
		return
	}
	m.refetches.WithLabelValues(consumer, outcome).Inc()
}

func (m *Metrics) ForcedLogout(reason string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(reason).Inc()
}

func (m *Metrics) PushClients(n int) {
	if m == nil {
		return
	}
	m.pushClients.Set(float64(n))
}

func (m *Metrics) Published(topic, source string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic, source).Inc()
}

func (m *Metrics) SlowClientDropped() {
	if m == nil {
		return
	}
	m.slowDrops.Inc()
}

// Middleware records per-route request counts and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
