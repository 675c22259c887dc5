package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/messaging"
	"swarm_auction/internal/messaging/inproc"
)

type fakeRegistry struct {
	mu         sync.Mutex
	agents     map[string]domain.AgentRecord
	heartbeats int
	failWith   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{agents: make(map[string]domain.AgentRecord)}
}

func (r *fakeRegistry) RegisterAgent(_ context.Context, name, capabilities, agentID string) (domain.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return domain.AgentRecord{}, r.failWith
	}
	rec := domain.AgentRecord{ID: agentID, Name: name, Capabilities: capabilities, Status: domain.AgentStatusIdle}
	r.agents[agentID] = rec
	return rec, nil
}

func (r *fakeRegistry) UpdateAgentStatus(_ context.Context, agentID string, status domain.AgentStatus) (domain.AgentRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return domain.AgentRecord{}, false, nil
	}
	rec.Status = status
	r.agents[agentID] = rec
	return rec, true, nil
}

func (r *fakeRegistry) HeartbeatAgent(_ context.Context, agentID string) (domain.AgentRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	rec, ok := r.agents[agentID]
	return rec, ok, nil
}

func (r *fakeRegistry) status(agentID string) domain.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[agentID].Status
}

func collectBids(bus messaging.Bus) *[]domain.SwarmMessage {
	var bids []domain.SwarmMessage
	bus.Subscribe(messaging.ChannelBids, func(_ context.Context, msg domain.SwarmMessage) error {
		bids = append(bids, msg)
		return nil
	})
	return &bids
}

func TestNodeBidsOnAnnouncement(t *testing.T) {
	ctx := context.Background()
	bus := inproc.New(nil)
	reg := newFakeRegistry()
	bids := collectBids(bus)

	node := NewNode(NodeConfig{AgentID: "alpha", Name: "Alpha", Strategy: FixedStrategy(42)}, reg, bus, nil)
	require.NoError(t, node.Join(ctx))
	assert.True(t, node.Joined())
	assert.Equal(t, domain.AgentStatusIdle, reg.status("alpha"))

	require.NoError(t, messaging.PublishTaskPosted(ctx, bus, "task-1", "Research X"))

	require.Len(t, *bids, 1)
	bid := (*bids)[0]
	assert.Equal(t, "task-1", bid.Data["task_id"])
	assert.Equal(t, "alpha", bid.Data["agent_id"])
	assert.Equal(t, int64(42), bid.Data["bid_sats"])
}

func TestNodeIgnoresAnnouncementWithoutTaskID(t *testing.T) {
	ctx := context.Background()
	bus := inproc.New(nil)
	bids := collectBids(bus)
	node := NewNode(NodeConfig{AgentID: "alpha", Name: "Alpha"}, newFakeRegistry(), bus, nil)
	require.NoError(t, node.Join(ctx))

	require.NoError(t, bus.Publish(ctx, messaging.ChannelTasks, messaging.EventTaskPosted, map[string]any{"description": "orphan"}))
	require.NoError(t, bus.Publish(ctx, messaging.ChannelTasks, messaging.EventTaskPosted, map[string]any{"task_id": ""}))
	assert.Empty(t, *bids)
}

func TestNodeJoinTwiceSubscribesOnce(t *testing.T) {
	ctx := context.Background()
	bus := inproc.New(nil)
	bids := collectBids(bus)
	node := NewNode(NodeConfig{AgentID: "alpha", Name: "Alpha"}, newFakeRegistry(), bus, nil)
	require.NoError(t, node.Join(ctx))
	require.NoError(t, node.Join(ctx))

	require.NoError(t, messaging.PublishTaskPosted(ctx, bus, "task-1", "x"))
	assert.Len(t, *bids, 1)
}

func TestNodeLeaveStopsBidding(t *testing.T) {
	ctx := context.Background()
	bus := inproc.New(nil)
	reg := newFakeRegistry()
	bids := collectBids(bus)

	var events []string
	bus.Subscribe(messaging.ChannelEvents, func(_ context.Context, msg domain.SwarmMessage) error {
		events = append(events, msg.Event)
		return nil
	})

	node := NewNode(NodeConfig{AgentID: "alpha", Name: "Alpha"}, reg, bus, nil)
	require.NoError(t, node.Join(ctx))
	require.NoError(t, node.Leave(ctx))
	assert.False(t, node.Joined())
	assert.Equal(t, domain.AgentStatusOffline, reg.status("alpha"))

	require.NoError(t, messaging.PublishTaskPosted(ctx, bus, "task-1", "x"))
	assert.Empty(t, *bids)
	assert.Equal(t, []string{messaging.EventAgentJoined, messaging.EventAgentLeft}, events)
}

func TestNodeJoinFailure(t *testing.T) {
	reg := newFakeRegistry()
	reg.failWith = errors.New("disk on fire")
	node := NewNode(NodeConfig{AgentID: "alpha", Name: "Alpha"}, reg, inproc.New(nil), nil)

	err := node.Join(context.Background())
	assert.ErrorIs(t, err, reg.failWith)
	assert.False(t, node.Joined())
}

func TestNodeRunHeartbeatsUntilCancelled(t *testing.T) {
	reg := newFakeRegistry()
	node := NewNode(NodeConfig{AgentID: "alpha", Name: "Alpha"}, reg, inproc.New(nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.heartbeats >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, domain.AgentStatusOffline, reg.status("alpha"))
}

func TestRandomStrategyStaysInRange(t *testing.T) {
	s := NewRandomStrategy(10, 100, 7)
	for i := 0; i < 500; i++ {
		bid := s.Bid("task", "")
		require.GreaterOrEqual(t, bid, int64(10))
		require.LessOrEqual(t, bid, int64(100))
	}

	def := DefaultStrategy()
	for i := 0; i < 100; i++ {
		bid := def.Bid("task", "")
		require.GreaterOrEqual(t, bid, int64(10))
		require.LessOrEqual(t, bid, int64(100))
	}
	assert.Equal(t, int64(5), StrategyFunc(func(string, string) int64 { return 5 }).Bid("", ""))
}
