// Package metrics exposes swarm counters to Prometheus. A nil *Collector is
// valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type Collector struct {
	tasksPosted     prometheus.Counter
	tasksCompleted  prometheus.Counter
	bidsTotal       *prometheus.CounterVec
	auctionsClosed  *prometheus.CounterVec
	agentsSpawned   *prometheus.CounterVec
	agentsStopped   prometheus.Counter
	feedObservers   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpRequestTime *prometheus.HistogramVec

	logger *zap.Logger
}

func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.tasksPosted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_posted_total",
		Help:      "Tasks announced to the swarm",
	})
	c.tasksCompleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Tasks marked completed",
	})
	c.bidsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_total",
			Help:      "Bids received from the bus",
		},
		[]string{"result"},
	)
	c.auctionsClosed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_closed_total",
			Help:      "Auctions resolved by outcome",
		},
		[]string{"outcome"},
	)
	c.agentsSpawned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_spawned_total",
			Help:      "Agents started by the coordinator",
		},
		[]string{"mode"},
	)
	c.agentsStopped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agents_stopped_total",
		Help:      "Agents stopped by the coordinator",
	})
	c.feedObservers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_observers",
		Help:      "Live feed observers currently connected",
	})
	c.httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

func (c *Collector) TaskPosted() {
	if c == nil {
		return
	}
	c.tasksPosted.Inc()
}

func (c *Collector) TaskCompleted() {
	if c == nil {
		return
	}
	c.tasksCompleted.Inc()
}

func (c *Collector) Bid(accepted bool) {
	if c == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.bidsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) AuctionClosed(assigned bool) {
	if c == nil {
		return
	}
	outcome := "unassigned"
	if assigned {
		outcome = "assigned"
	}
	c.auctionsClosed.WithLabelValues(outcome).Inc()
}

func (c *Collector) AgentSpawned(mode string) {
	if c == nil {
		return
	}
	c.agentsSpawned.WithLabelValues(mode).Inc()
}

func (c *Collector) AgentStopped() {
	if c == nil {
		return
	}
	c.agentsStopped.Inc()
}

func (c *Collector) SetFeedObservers(n int) {
	if c == nil {
		return
	}
	c.feedObservers.Set(float64(n))
}

func (c *Collector) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestTime.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
