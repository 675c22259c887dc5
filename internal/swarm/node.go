package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/messaging"
)

type Registry interface {
	RegisterAgent(ctx context.Context, name, capabilities, agentID string) (domain.AgentRecord, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (domain.AgentRecord, bool, error)
	HeartbeatAgent(ctx context.Context, agentID string) (domain.AgentRecord, bool, error)
}

type NodeConfig struct {
	AgentID      string
	Name         string
	Capabilities string
	Strategy     Strategy
}

// Node is one worker's swarm membership. While joined it answers every task
// announcement with a single bid.
type Node struct {
	agentID      string
	name         string
	capabilities string
	registry     Registry
	bus          messaging.Bus
	strategy     Strategy
	logger       *zap.Logger

	mu         sync.Mutex
	joined     bool
	subscribed bool
}

func NewNode(cfg NodeConfig, registry Registry, bus messaging.Bus, logger *zap.Logger) *Node {
	if cfg.Strategy == nil {
		cfg.Strategy = DefaultStrategy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		agentID:      cfg.AgentID,
		name:         cfg.Name,
		capabilities: cfg.Capabilities,
		registry:     registry,
		bus:          bus,
		strategy:     cfg.Strategy,
		logger:       logger.With(zap.String("component", "node"), zap.String("agent_id", cfg.AgentID)),
	}
}

func (n *Node) AgentID() string {
	return n.agentID
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Joined() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joined
}

// Join registers the node as idle and starts listening for announcements.
// Joining twice re-registers but never subscribes twice.
func (n *Node) Join(ctx context.Context) error {
	if _, err := n.registry.RegisterAgent(ctx, n.name, n.capabilities, n.agentID); err != nil {
		return fmt.Errorf("join swarm: %w", err)
	}

	n.mu.Lock()
	n.joined = true
	subscribe := !n.subscribed
	n.subscribed = true
	n.mu.Unlock()

	if subscribe {
		n.bus.Subscribe(messaging.ChannelTasks, n.handleTask)
	}
	if err := messaging.PublishAgentJoined(ctx, n.bus, n.agentID, n.name); err != nil {
		n.logger.Warn("announce join failed", zap.Error(err))
	}
	n.logger.Info("joined swarm", zap.String("name", n.name))
	return nil
}

// Leave marks the node offline. Announcements after Leave are ignored.
func (n *Node) Leave(ctx context.Context) error {
	n.mu.Lock()
	wasJoined := n.joined
	n.joined = false
	n.mu.Unlock()

	if _, _, err := n.registry.UpdateAgentStatus(ctx, n.agentID, domain.AgentStatusOffline); err != nil {
		return fmt.Errorf("leave swarm: %w", err)
	}
	if wasJoined {
		if err := messaging.PublishAgentLeft(ctx, n.bus, n.agentID, n.name); err != nil {
			n.logger.Warn("announce leave failed", zap.Error(err))
		}
	}
	n.logger.Info("left swarm")
	return nil
}

func (n *Node) Heartbeat(ctx context.Context) error {
	if _, _, err := n.registry.HeartbeatAgent(ctx, n.agentID); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Run joins, heartbeats every interval until ctx ends, then leaves.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if err := n.Join(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return n.Leave(leaveCtx)
		case <-ticker.C:
			if err := n.Heartbeat(ctx); err != nil {
				n.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) handleTask(ctx context.Context, msg domain.SwarmMessage) error {
	if !n.Joined() {
		return nil
	}
	taskID, ok := messaging.String(msg.Data, "task_id")
	if !ok {
		return nil
	}
	description, _ := msg.Data["description"].(string)

	bid := n.strategy.Bid(taskID, description)
	if err := messaging.PublishBid(ctx, n.bus, taskID, n.agentID, bid); err != nil {
		return fmt.Errorf("submit bid: %w", err)
	}
	n.logger.Debug("bid submitted", zap.String("task_id", taskID), zap.Int64("bid_sats", bid))
	return nil
}
