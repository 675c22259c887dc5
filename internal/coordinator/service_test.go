package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/lifecycle"
	"swarm_auction/internal/messaging"
	"swarm_auction/internal/messaging/inproc"
	sqlitestore "swarm_auction/internal/store/sqlite"
	"swarm_auction/internal/swarm"
)

type fakeLifecycle struct {
	mu      sync.Mutex
	agents  map[string]*lifecycle.ManagedAgent
	nextPID int
	failAll bool
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{agents: make(map[string]*lifecycle.ManagedAgent), nextPID: 4000}
}

func (f *fakeLifecycle) Spawn(name, agentID string) *lifecycle.ManagedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if agentID == "" {
		agentID = fmt.Sprintf("spawned-%d", len(f.agents)+1)
	}
	a := &lifecycle.ManagedAgent{ID: agentID, Name: name}
	if !f.failAll {
		f.nextPID++
		a.PID = f.nextPID
	}
	f.agents[agentID] = a
	return a
}

func (f *fakeLifecycle) Stop(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[agentID]; !ok {
		return false
	}
	delete(f.agents, agentID)
	return true
}

func (f *fakeLifecycle) StopAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.agents)
	f.agents = make(map[string]*lifecycle.ManagedAgent)
	return n
}

type harness struct {
	svc    *Service
	store  *sqlitestore.Store
	bus    *inproc.Bus
	lc     *fakeLifecycle
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.SwarmMessage
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Event)
	}
	return out
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "swarm.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	bus := inproc.New(zap.NewNop())
	log := &eventLog{}
	for _, ch := range messaging.Channels {
		bus.Subscribe(ch, func(_ context.Context, msg domain.SwarmMessage) error {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.events = append(log.events, msg)
			return nil
		})
	}

	lc := newFakeLifecycle()
	return &harness{
		svc:    New(store, bus, lc, cfg, zap.NewNop(), nil),
		store:  store,
		bus:    bus,
		lc:     lc,
		events: log,
	}
}

func fixedBids(amounts map[string]int64) func(string) swarm.Strategy {
	return func(agentID string) swarm.Strategy {
		return swarm.FixedStrategy(amounts[agentID])
	}
}

func TestScenarioSingleInProcessAgentWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	alpha, err := h.svc.SpawnInProcessAgent(ctx, "Alpha", "")
	require.NoError(t, err)
	assert.Nil(t, alpha.PID)

	task, err := h.svc.PostTask(ctx, "Research X")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusBidding, task.Status)

	winner, ok, err := h.svc.RunAuctionAndAssign(ctx, task.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, alpha.AgentID, winner.AgentID)

	got, found, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.TaskStatusAssigned, got.Status)
	require.NotNil(t, got.AssignedAgent)
	assert.Equal(t, alpha.AgentID, *got.AssignedAgent)

	rec, found, err := h.svc.GetAgent(ctx, alpha.AgentID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.AgentStatusBusy, rec.Status)

	assert.Contains(t, h.events.names(), messaging.EventTaskAssigned)
}

func TestScenarioLowestBidWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	task, err := h.svc.PostTask(ctx, "Compare bids")
	require.NoError(t, err)

	require.NoError(t, messaging.PublishBid(ctx, h.bus, task.ID, "agent-1", 100))
	require.NoError(t, messaging.PublishBid(ctx, h.bus, task.ID, "agent-2", 30))

	winner, ok := h.svc.Auctions().Close(task.ID)
	require.True(t, ok)
	assert.Equal(t, "agent-2", winner.AgentID)
	assert.Equal(t, int64(30), winner.BidSats)
}

func TestScenarioNoAgentsFailsTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	task, err := h.svc.PostTask(ctx, "Nobody home")
	require.NoError(t, err)

	_, ok, err := h.svc.RunAuctionAndAssign(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Nil(t, got.AssignedAgent)
}

func TestScenarioCompleteUnknownTask(t *testing.T) {
	h := newHarness(t, Config{})

	_, ok, err := h.svc.CompleteTask(context.Background(), "does-not-exist", "result")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheapestOfManyInProcessAgentsWins(t *testing.T) {
	ctx := context.Background()
	amounts := map[string]int64{"a": 70, "b": 15, "c": 40}
	h := newHarness(t, Config{NodeStrategy: fixedBids(amounts)})

	for id := range amounts {
		_, err := h.svc.SpawnInProcessAgent(ctx, "Agent "+id, id)
		require.NoError(t, err)
	}

	task, err := h.svc.PostTask(ctx, "Pick the cheapest")
	require.NoError(t, err)

	a, ok := h.svc.Auctions().Get(task.ID)
	require.True(t, ok)
	assert.Len(t, a.Bids(), 3)

	winner, ok, err := h.svc.RunAuctionAndAssign(ctx, task.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", winner.AgentID)
	assert.Equal(t, int64(15), winner.BidSats)
}

func TestRunAuctionWaitsForLateBidders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.store.RegisterAgent(ctx, "Remote", "", "remote")
	require.NoError(t, err)

	task, err := h.svc.PostTask(ctx, "Out of process")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = messaging.PublishBid(ctx, h.bus, task.ID, "remote", 55)
	}()

	winner, ok, err := h.svc.RunAuctionAndAssign(ctx, task.ID, 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "remote", winner.AgentID)
}

func TestPostedTaskNeverReturnsToPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.svc.SpawnInProcessAgent(ctx, "Alpha", "alpha")
	require.NoError(t, err)

	task, err := h.svc.PostTask(ctx, "Lifecycle")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusBidding, task.Status)

	_, _, err = h.svc.RunAuctionAndAssign(ctx, task.ID, 0)
	require.NoError(t, err)
	done, ok, err := h.svc.CompleteTask(ctx, task.ID, "all good")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "all good", *done.Result)
	require.NotNil(t, done.CompletedAt)

	pending := domain.TaskStatusPending
	stuck, err := h.svc.ListTasks(ctx, &pending)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	rec, _, err := h.svc.GetAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusIdle, rec.Status)
	assert.Contains(t, h.events.names(), messaging.EventTaskCompleted)
}

func TestCompleteUnassignedTaskLeavesRegistryAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.store.RegisterAgent(ctx, "Bystander", "", "bystander")
	require.NoError(t, err)
	_, _, err = h.store.UpdateAgentStatus(ctx, "bystander", domain.AgentStatusBusy)
	require.NoError(t, err)

	task, err := h.svc.PostTask(ctx, "Manual")
	require.NoError(t, err)

	done, ok, err := h.svc.CompleteTask(ctx, task.ID, "did it myself")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)

	rec, _, err := h.store.GetAgent(ctx, "bystander")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusBusy, rec.Status)
	assert.NotContains(t, h.events.names(), messaging.EventTaskCompleted)
}

func TestCompleteDuringBiddingSettlesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{NodeStrategy: fixedBids(map[string]int64{"alpha": 12})})
	_, err := h.svc.SpawnInProcessAgent(ctx, "Alpha", "alpha")
	require.NoError(t, err)

	task, err := h.svc.PostTask(ctx, "Finished early")
	require.NoError(t, err)
	_, ok, err := h.svc.CompleteTask(ctx, task.ID, "done")
	require.NoError(t, err)
	require.True(t, ok)

	st, err := h.svc.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.ActiveAuctions)
	assert.False(t, h.svc.Auctions().SubmitBid(task.ID, "late", 1))

	_, ok, err = h.svc.RunAuctionAndAssign(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", *got.Result)
	assert.Nil(t, got.AssignedAgent)

	rec, _, err := h.svc.GetAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusIdle, rec.Status)
	assert.NotContains(t, h.events.names(), messaging.EventTaskAssigned)
}

func TestLateBidAfterCloseIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	task, err := h.svc.PostTask(ctx, "Closed door")
	require.NoError(t, err)
	require.NoError(t, messaging.PublishBid(ctx, h.bus, task.ID, "early", 50))

	first, ok, err := h.svc.RunAuctionAndAssign(ctx, task.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, messaging.PublishBid(ctx, h.bus, task.ID, "late", 1))
	second, ok := h.svc.Auctions().Close(task.ID)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestMalformedBidsAreDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	task, err := h.svc.PostTask(ctx, "Junk bids")
	require.NoError(t, err)

	require.NoError(t, h.bus.Publish(ctx, messaging.ChannelBids, messaging.EventBidSubmitted, map[string]any{"task_id": task.ID, "agent_id": "x"}))
	require.NoError(t, h.bus.Publish(ctx, messaging.ChannelBids, messaging.EventBidSubmitted, map[string]any{"task_id": task.ID, "bid_sats": 3}))
	require.NoError(t, h.bus.Publish(ctx, messaging.ChannelBids, messaging.EventBidSubmitted, map[string]any{"task_id": task.ID, "agent_id": "y", "bid_sats": "cheap"}))

	a, _ := h.svc.Auctions().Get(task.ID)
	assert.Empty(t, a.Bids())
}

func TestRunAuctionCancelledStillResolves(t *testing.T) {
	h := newHarness(t, Config{})
	task, err := h.svc.PostTask(context.Background(), "Cancelled wait")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := h.svc.RunAuctionAndAssign(ctx, task.ID, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)

	got, _, err := h.svc.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
}

func TestAuctionTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{NodeStrategy: fixedBids(map[string]int64{"alpha": 33})})
	_, err := h.svc.SpawnInProcessAgent(ctx, "Alpha", "alpha")
	require.NoError(t, err)

	task, bid, err := h.svc.AuctionTask(ctx, "One shot", 0)
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Equal(t, int64(33), bid.BidSats)
	assert.Equal(t, domain.TaskStatusAssigned, task.Status)

	_, err = h.svc.StopAgent(ctx, "alpha")
	require.NoError(t, err)
	task, bid, err = h.svc.AuctionTask(ctx, "Nobody left", 0)
	require.NoError(t, err)
	assert.Nil(t, bid)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
}

func TestSpawnAndStopProcessAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	res, err := h.svc.SpawnAgent(ctx, "Worker", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", res.AgentID)
	require.NotNil(t, res.PID)
	assert.Equal(t, domain.AgentStatusIdle, res.Status)

	stopped, err := h.svc.StopAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, stopped)
	_, found, err := h.svc.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.False(t, found)

	stopped, err = h.svc.StopAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestSpawnFailureReportsNullPID(t *testing.T) {
	h := newHarness(t, Config{})
	h.lc.failAll = true

	res, err := h.svc.SpawnAgent(context.Background(), "Broken", "")
	require.NoError(t, err)
	assert.Nil(t, res.PID)
	assert.NotEmpty(t, res.AgentID)
}

func TestStopInProcessAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.svc.SpawnInProcessAgent(ctx, "Alpha", "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, h.svc.InProcessAgents())

	stopped, err := h.svc.StopAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Empty(t, h.svc.InProcessAgents())

	task, err := h.svc.PostTask(ctx, "After stop")
	require.NoError(t, err)
	a, _ := h.svc.Auctions().Get(task.ID)
	assert.Empty(t, a.Bids())

	names := h.events.names()
	assert.Contains(t, names, messaging.EventAgentJoined)
	assert.Contains(t, names, messaging.EventAgentLeft)
}

func TestStatusReflectsStores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.svc.SpawnInProcessAgent(ctx, "Alpha", "alpha")
	require.NoError(t, err)
	_, err = h.svc.SpawnInProcessAgent(ctx, "Beta", "beta")
	require.NoError(t, err)

	assigned, err := h.svc.PostTask(ctx, "Assigned")
	require.NoError(t, err)
	_, _, err = h.svc.RunAuctionAndAssign(ctx, assigned.ID, 0)
	require.NoError(t, err)

	_, err = h.svc.PostTask(ctx, "Still open")
	require.NoError(t, err)

	st, err := h.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SwarmStatus{
		Agents:         2,
		AgentsIdle:     1,
		AgentsBusy:     1,
		TasksTotal:     2,
		TasksPending:   0,
		TasksRunning:   0,
		TasksCompleted: 0,
		ActiveAuctions: 1,
	}, st)
}

func TestDeleteTaskClosesAuction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	task, err := h.svc.PostTask(ctx, "Short lived")
	require.NoError(t, err)

	deleted, err := h.svc.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, h.svc.Auctions().ActiveAuctions())
	_, found, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweepMarksSilentAgentsOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.store.RegisterAgent(ctx, "Quiet", "", "quiet")
	require.NoError(t, err)

	n, err := h.svc.SweepStaleAgents(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.svc.SweepStaleAgents(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, _, err := h.svc.GetAgent(ctx, "quiet")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOffline, rec.Status)

	_, found, err := h.svc.Heartbeat(ctx, "quiet")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestShutdownStopsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.svc.SpawnInProcessAgent(ctx, "Alpha", "alpha")
	require.NoError(t, err)
	_, err = h.svc.SpawnAgent(ctx, "Worker", "worker")
	require.NoError(t, err)

	assert.Equal(t, 2, h.svc.Shutdown(ctx))
	assert.Empty(t, h.svc.InProcessAgents())
	rec, _, err := h.svc.GetAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOffline, rec.Status)
}
