// Package metrics exposes Prometheus counters for the broker, the HTTP API
// and the realtime gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatter"

// Collector implements broker.Metrics and records HTTP and WebSocket traffic.
type Collector struct {
	published   prometheus.Counter
	enqueued    prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	wsConnections prometheus.Gauge
	wsRejected    *prometheus.CounterVec
}

// NewCollector registers all metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Messages published to the broker.",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "enqueued_total",
			Help:      "Events placed on subscription queues.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dropped_total",
			Help:      "Events dropped from full subscription queues.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Active broker subscriptions.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open realtime connections.",
		}),
		wsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Rejected realtime upgrades by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.published,
		c.enqueued,
		c.dropped,
		c.subscribers,
		c.httpRequests,
		c.httpLatency,
		c.wsConnections,
		c.wsRejected,
	)
	return c
}

func (c *Collector) Published()        { c.published.Inc() }
func (c *Collector) Enqueued()         { c.enqueued.Inc() }
func (c *Collector) Dropped()          { c.dropped.Inc() }
func (c *Collector) Subscribers(n int) { c.subscribers.Set(float64(n)) }

// ObserveHTTP records one finished request. route should be the router
// pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveHTTP(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (c *Collector) ConnOpened() { c.wsConnections.Inc() }
func (c *Collector) ConnClosed() { c.wsConnections.Dec() }

func (c *Collector) ConnRejected(reason string) {
	c.wsRejected.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
