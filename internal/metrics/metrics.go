// Package metrics holds the Prometheus instruments for the client pipeline
// and the ingestion server. All recording methods are safe on a nil receiver
// so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "funnelgoat"

// Client instruments one or more pipeline instances.
type Client struct {
	eventsTracked   *prometheus.CounterVec
	flushes         *prometheus.CounterVec
	eventsDelivered prometheus.Counter
	offlineDepth    prometheus.Gauge
	offlineDropped  prometheus.Counter
}

func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		eventsTracked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_tracked_total",
			Help:      "Events enqueued by the collector",
		}, []string{"name", "priority"}),
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "flushes_total",
			Help:      "Batch delivery attempts by trigger and result",
		}, []string{"trigger", "result"}),
		eventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_delivered_total",
			Help:      "Events accepted by the transport",
		}),
		offlineDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "offline_queue_depth",
			Help:      "Events waiting in the offline queue",
		}),
		offlineDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "offline_dropped_total",
			Help:      "Events evicted from the offline queue by the cap",
		}),
	}
}

func (c *Client) EventTracked(name, priority string) {
	if c == nil {
		return
	}
	c.eventsTracked.WithLabelValues(name, priority).Inc()
}

// Flush records one delivery attempt. result is "ok", "failed", "rejected",
// "offline" or "beacon".
func (c *Client) Flush(trigger, result string, events int) {
	if c == nil {
		return
	}
	c.flushes.WithLabelValues(trigger, result).Inc()
	if result == "ok" || result == "beacon" {
		c.eventsDelivered.Add(float64(events))
	}
}

func (c *Client) OfflineDepth(n int) {
	if c == nil {
		return
	}
	c.offlineDepth.Set(float64(n))
}

func (c *Client) OfflineDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.offlineDropped.Add(float64(n))
}

// Server instruments the ingestion endpoints.
type Server struct {
	requests        *prometheus.CounterVec
	eventsIngested  *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	rateLimited     prometheus.Counter
}

func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Ingestion requests by endpoint and status code",
		}, []string{"endpoint", "status"}),
		eventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "events_ingested_total",
			Help:      "Events stored, by event name",
		}, []string{"name"}),
		eventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "events_duplicate_total",
			Help:      "Redelivered events dropped by event id",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Batches rejected by the per-session limiter",
		}),
	}
}

func (s *Server) Request(endpoint string, status int) {
	if s == nil {
		return
	}
	s.requests.WithLabelValues(endpoint, statusLabel(status)).Inc()
}

func (s *Server) Ingested(name string, n int) {
	if s == nil || n <= 0 {
		return
	}
	s.eventsIngested.WithLabelValues(name).Add(float64(n))
}

func (s *Server) Duplicates(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.eventsDuplicate.Add(float64(n))
}

func (s *Server) RateLimited() {
	if s == nil {
		return
	}
	s.rateLimited.Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
