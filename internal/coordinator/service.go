package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swarm_auction/internal/auction"
	"swarm_auction/internal/domain"
	"swarm_auction/internal/lifecycle"
	"swarm_auction/internal/messaging"
	"swarm_auction/internal/metrics"
	"swarm_auction/internal/swarm"
)

type Store interface {
	CreateTask(ctx context.Context, description string) (domain.Task, error)
	GetTask(ctx context.Context, taskID string) (domain.Task, bool, error)
	ListTasks(ctx context.Context, status *domain.TaskStatus) ([]domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, upd domain.TaskUpdate) (domain.Task, bool, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)

	RegisterAgent(ctx context.Context, name, capabilities, agentID string) (domain.AgentRecord, error)
	UnregisterAgent(ctx context.Context, agentID string) (bool, error)
	GetAgent(ctx context.Context, agentID string) (domain.AgentRecord, bool, error)
	ListAgents(ctx context.Context, status *domain.AgentStatus) ([]domain.AgentRecord, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (domain.AgentRecord, bool, error)
	HeartbeatAgent(ctx context.Context, agentID string) (domain.AgentRecord, bool, error)
	MarkStaleAgentsOffline(ctx context.Context, olderThan time.Time) (int, error)
}

type Lifecycle interface {
	Spawn(name, agentID string) *lifecycle.ManagedAgent
	Stop(agentID string) bool
	StopAll() int
}

type Config struct {
	AuctionWindow time.Duration
	// StaleAfter enables the liveness sweep: agents silent for longer are
	// marked offline. Zero disables it.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	// NodeStrategy prices bids for in-process agents. Nil uses the default
	// random strategy.
	NodeStrategy func(agentID string) swarm.Strategy
}

func (c Config) withDefaults() Config {
	if c.AuctionWindow <= 0 {
		c.AuctionWindow = auction.DefaultWindow
	}
	if c.StaleAfter > 0 && c.SweepInterval <= 0 {
		c.SweepInterval = c.StaleAfter / 2
	}
	return c
}

type SpawnResult struct {
	AgentID string             `json:"agent_id"`
	Name    string             `json:"name"`
	PID     *int               `json:"pid"`
	Status  domain.AgentStatus `json:"status"`
}

type Service struct {
	store     Store
	bus       messaging.Bus
	lifecycle Lifecycle
	auctions  *auction.Manager
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector

	wg sync.WaitGroup

	nodesMu sync.Mutex
	nodes   map[string]*swarm.Node
}

func New(store Store, bus messaging.Bus, lc Lifecycle, cfg Config, logger *zap.Logger, m *metrics.Collector) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		bus:       bus,
		lifecycle: lc,
		auctions:  auction.NewManager(cfg.AuctionWindow, logger),
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "coordinator")),
		metrics:   m,
		nodes:     make(map[string]*swarm.Node),
	}
	bus.Subscribe(messaging.ChannelBids, s.handleBid)
	return s
}

func (s *Service) Auctions() *auction.Manager {
	return s.auctions
}

func (s *Service) BusConnected() bool {
	return s.bus.Connected()
}

// Start runs background maintenance until ctx ends.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.StaleAfter <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) SpawnAgent(ctx context.Context, name, agentID string) (SpawnResult, error) {
	managed := s.lifecycle.Spawn(name, agentID)
	rec, err := s.store.RegisterAgent(ctx, name, "", managed.ID)
	if err != nil {
		return SpawnResult{}, err
	}
	s.metrics.AgentSpawned("process")

	res := SpawnResult{AgentID: rec.ID, Name: rec.Name, Status: rec.Status}
	if managed.PID > 0 {
		pid := managed.PID
		res.PID = &pid
	}
	return res, nil
}

// SpawnInProcessAgent joins a node that shares this coordinator's bus, so its
// bids land synchronously while a task is being announced.
func (s *Service) SpawnInProcessAgent(ctx context.Context, name, agentID string) (SpawnResult, error) {
	if strings.TrimSpace(agentID) == "" {
		agentID = uuid.NewString()
	}

	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	node, exists := s.nodes[agentID]
	if !exists {
		var strategy swarm.Strategy
		if s.cfg.NodeStrategy != nil {
			strategy = s.cfg.NodeStrategy(agentID)
		}
		node = swarm.NewNode(swarm.NodeConfig{AgentID: agentID, Name: name, Strategy: strategy}, s.store, s.bus, s.logger)
	}
	// joining an existing node re-registers it without a second subscription
	if err := node.Join(ctx); err != nil {
		return SpawnResult{}, err
	}
	s.nodes[agentID] = node
	if !exists {
		s.metrics.AgentSpawned("in_process")
	}

	return SpawnResult{AgentID: agentID, Name: name, Status: domain.AgentStatusIdle}, nil
}

// StopAgent unregisters the agent and stops whatever runs it. It reports
// whether a running agent was actually stopped.
func (s *Service) StopAgent(ctx context.Context, agentID string) (bool, error) {
	s.nodesMu.Lock()
	node, inProcess := s.nodes[agentID]
	delete(s.nodes, agentID)
	s.nodesMu.Unlock()

	if inProcess {
		if err := node.Leave(ctx); err != nil {
			s.logger.Warn("in-process agent leave failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if _, err := s.store.UnregisterAgent(ctx, agentID); err != nil {
		return false, err
	}
	stopped := s.lifecycle.Stop(agentID) || inProcess
	if stopped {
		s.metrics.AgentStopped()
	}
	return stopped, nil
}

// PostTask persists a task and announces it. The auction opens before the
// announcement goes out because in-process nodes bid inside Publish.
func (s *Service) PostTask(ctx context.Context, description string) (domain.Task, error) {
	task, err := s.store.CreateTask(ctx, description)
	if err != nil {
		return domain.Task{}, err
	}
	task, ok, err := s.store.UpdateTask(ctx, task.ID, domain.TaskUpdate{Status: domain.StatusPtr(domain.TaskStatusBidding)})
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("post task: task vanished before bidding")
	}

	s.auctions.Open(task.ID)
	if err := messaging.PublishTaskPosted(ctx, s.bus, task.ID, task.Description); err != nil {
		s.logger.Warn("announce task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	s.metrics.TaskPosted()
	s.logger.Info("task posted", zap.String("task_id", task.ID))
	return task, nil
}

// RunAuctionAndAssign closes the task's auction after window and applies the
// outcome. A zero window only yields once, which suits in-process agents
// whose bids are already in; out-of-process agents need a real window.
func (s *Service) RunAuctionAndAssign(ctx context.Context, taskID string, window time.Duration) (domain.Bid, bool, error) {
	winner, found, waitErr := s.auctions.CloseAfter(ctx, taskID, window)

	// the auction is closed either way; record the outcome even if ctx ended
	applyCtx := ctx
	if waitErr != nil {
		applyCtx = context.WithoutCancel(ctx)
	}
	applied, err := s.applyOutcome(applyCtx, taskID, winner, found)
	if err != nil {
		return domain.Bid{}, false, err
	}
	if !applied {
		s.metrics.AuctionClosed(false)
		return domain.Bid{}, false, waitErr
	}
	s.metrics.AuctionClosed(found)
	return winner, found, waitErr
}

// applyOutcome records the auction result on the task. Tasks that were
// completed or deleted while bidding keep their state; it reports false then.
func (s *Service) applyOutcome(ctx context.Context, taskID string, winner domain.Bid, found bool) (bool, error) {
	task, ok, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok || task.Status == domain.TaskStatusCompleted {
		s.logger.Info("auction outcome dropped, task settled", zap.String("task_id", taskID), zap.Bool("exists", ok))
		return false, nil
	}

	if !found {
		if _, _, err := s.store.UpdateTask(ctx, taskID, domain.TaskUpdate{Status: domain.StatusPtr(domain.TaskStatusFailed)}); err != nil {
			return false, err
		}
		s.logger.Info("task unassigned, no bids", zap.String("task_id", taskID))
		return true, nil
	}

	if _, _, err := s.store.UpdateTask(ctx, taskID, domain.TaskUpdate{
		Status:        domain.StatusPtr(domain.TaskStatusAssigned),
		AssignedAgent: domain.StringPtr(winner.AgentID),
	}); err != nil {
		return false, err
	}
	if _, ok, err := s.store.UpdateAgentStatus(ctx, winner.AgentID, domain.AgentStatusBusy); err != nil {
		return false, err
	} else if !ok {
		s.logger.Warn("winning agent not registered", zap.String("agent_id", winner.AgentID))
	}
	if err := messaging.PublishTaskAssigned(ctx, s.bus, taskID, winner.AgentID); err != nil {
		s.logger.Warn("announce assignment failed", zap.String("task_id", taskID), zap.Error(err))
	}
	s.logger.Info("task assigned",
		zap.String("task_id", taskID),
		zap.String("agent_id", winner.AgentID),
		zap.Int64("bid_sats", winner.BidSats),
	)
	return true, nil
}

// AuctionTask posts a task and immediately runs its auction for window.
func (s *Service) AuctionTask(ctx context.Context, description string, window time.Duration) (domain.Task, *domain.Bid, error) {
	task, err := s.PostTask(ctx, description)
	if err != nil {
		return domain.Task{}, nil, err
	}
	winner, found, err := s.RunAuctionAndAssign(ctx, task.ID, window)
	if err != nil {
		return domain.Task{}, nil, err
	}
	final, ok, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	if !ok {
		final = task
	}
	if !found {
		return final, nil, nil
	}
	return final, &winner, nil
}

func (s *Service) CompleteTask(ctx context.Context, taskID, result string) (domain.Task, bool, error) {
	task, ok, err := s.store.GetTask(ctx, taskID)
	if err != nil || !ok {
		return domain.Task{}, false, err
	}
	// a result settles the task; bidding on it is over
	s.auctions.Close(taskID)

	now := time.Now().UTC()
	updated, ok, err := s.store.UpdateTask(ctx, taskID, domain.TaskUpdate{
		Status:      domain.StatusPtr(domain.TaskStatusCompleted),
		Result:      &result,
		CompletedAt: &now,
	})
	if err != nil || !ok {
		return domain.Task{}, false, err
	}
	s.metrics.TaskCompleted()

	if task.AssignedAgent != nil {
		agentID := *task.AssignedAgent
		if _, _, err := s.store.UpdateAgentStatus(ctx, agentID, domain.AgentStatusIdle); err != nil {
			return domain.Task{}, false, err
		}
		if err := messaging.PublishTaskCompleted(ctx, s.bus, taskID, agentID, result); err != nil {
			s.logger.Warn("announce completion failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return updated, true, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (domain.Task, bool, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, status *domain.TaskStatus) ([]domain.Task, error) {
	return s.store.ListTasks(ctx, status)
}

func (s *Service) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	if _, ok := s.auctions.Get(taskID); ok {
		s.auctions.Close(taskID)
	}
	return s.store.DeleteTask(ctx, taskID)
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.AgentRecord, error) {
	return s.store.ListAgents(ctx, nil)
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (domain.AgentRecord, bool, error) {
	return s.store.GetAgent(ctx, agentID)
}

func (s *Service) Heartbeat(ctx context.Context, agentID string) (domain.AgentRecord, bool, error) {
	return s.store.HeartbeatAgent(ctx, agentID)
}

// InProcessAgents lists the ids of agents running inside this process.
func (s *Service) InProcessAgents() []string {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status is read fresh from the stores on every call.
func (s *Service) Status(ctx context.Context) (domain.SwarmStatus, error) {
	agents, err := s.store.ListAgents(ctx, nil)
	if err != nil {
		return domain.SwarmStatus{}, err
	}
	tasks, err := s.store.ListTasks(ctx, nil)
	if err != nil {
		return domain.SwarmStatus{}, err
	}

	st := domain.SwarmStatus{
		Agents:         len(agents),
		TasksTotal:     len(tasks),
		ActiveAuctions: len(s.auctions.ActiveAuctions()),
	}
	for _, a := range agents {
		switch a.Status {
		case domain.AgentStatusIdle:
			st.AgentsIdle++
		case domain.AgentStatusBusy:
			st.AgentsBusy++
		}
	}
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskStatusPending:
			st.TasksPending++
		case domain.TaskStatusRunning:
			st.TasksRunning++
		case domain.TaskStatusCompleted:
			st.TasksCompleted++
		}
	}
	return st, nil
}

func (s *Service) SweepStaleAgents(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := s.store.MarkStaleAgentsOffline(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("marked stale agents offline", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown takes every agent this coordinator started out of the swarm.
func (s *Service) Shutdown(ctx context.Context) int {
	s.nodesMu.Lock()
	nodes := make([]*swarm.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.nodes = make(map[string]*swarm.Node)
	s.nodesMu.Unlock()

	for _, n := range nodes {
		if err := n.Leave(ctx); err != nil {
			s.logger.Warn("in-process agent leave failed", zap.String("agent_id", n.AgentID()), zap.Error(err))
		}
	}
	return len(nodes) + s.lifecycle.StopAll()
}

func (s *Service) handleBid(_ context.Context, msg domain.SwarmMessage) error {
	taskID, ok := messaging.String(msg.Data, "task_id")
	if !ok {
		return nil
	}
	agentID, ok := messaging.String(msg.Data, "agent_id")
	if !ok {
		return nil
	}
	sats, ok := messaging.Int64(msg.Data, "bid_sats")
	if !ok {
		s.logger.Debug("drop bid with bad amount", zap.String("task_id", taskID), zap.Any("bid_sats", msg.Data["bid_sats"]))
		s.metrics.Bid(false)
		return nil
	}
	accepted := s.auctions.SubmitBid(taskID, agentID, sats)
	s.metrics.Bid(accepted)
	if !accepted {
		s.logger.Debug("late or invalid bid", zap.String("task_id", taskID), zap.String("agent_id", agentID))
	}
	return nil
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatLocalNodes(ctx)
			if _, err := s.SweepStaleAgents(ctx, s.cfg.StaleAfter); err != nil && ctx.Err() == nil {
				s.logger.Warn("stale agent sweep failed", zap.Error(err))
			}
		}
	}
}

// heartbeatLocalNodes keeps in-process agents fresh; they live as long as
// the coordinator does.
func (s *Service) heartbeatLocalNodes(ctx context.Context) {
	s.nodesMu.Lock()
	nodes := make([]*swarm.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.nodesMu.Unlock()

	for _, n := range nodes {
		if err := n.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("in-process heartbeat failed", zap.String("agent_id", n.AgentID()), zap.Error(err))
		}
	}
}
