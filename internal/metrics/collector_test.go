package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("swarm", reg, zap.NewNop())

	c.TaskPosted()
	c.TaskPosted()
	c.Bid(true)
	c.Bid(false)
	c.Bid(true)
	c.AuctionClosed(false)
	c.SetFeedObservers(3)
	c.HTTPRequest("GET", "/swarm", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksPosted))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.bidsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bidsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.auctionsClosed.WithLabelValues("unassigned")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.feedObservers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/swarm", "200")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.TaskPosted()
		c.TaskCompleted()
		c.Bid(true)
		c.AuctionClosed(true)
		c.AgentSpawned("process")
		c.AgentStopped()
		c.SetFeedObservers(1)
		c.HTTPRequest("GET", "/", 200, time.Millisecond)
	})
}
