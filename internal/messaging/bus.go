package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"swarm_auction/internal/domain"
)

const (
	ChannelTasks  = "swarm:tasks"
	ChannelBids   = "swarm:bids"
	ChannelEvents = "swarm:events"
)

const (
	EventTaskPosted    = "task_posted"
	EventBidSubmitted  = "bid_submitted"
	EventTaskAssigned  = "task_assigned"
	EventTaskCompleted = "task_completed"
	EventAgentJoined   = "agent_joined"
	EventAgentLeft     = "agent_left"
)

var Channels = []string{ChannelTasks, ChannelBids, ChannelEvents}

var ErrBusClosed = errors.New("message bus is closed")

// Handler receives every message published on a channel after it subscribed.
// A returned error is logged by the bus and never reaches the publisher.
type Handler func(ctx context.Context, msg domain.SwarmMessage) error

type Bus interface {
	Publish(ctx context.Context, channel, event string, data map[string]any) error
	Subscribe(channel string, fn Handler)
	Connected() bool
	Close() error
}

// Subscribers is the local fan-out table shared by every Bus implementation.
// Delivery is synchronous, in subscription order, and isolates each handler.
type Subscribers struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	logger *zap.Logger
}

func NewSubscribers(logger *zap.Logger) *Subscribers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscribers{
		subs:   make(map[string][]Handler),
		logger: logger,
	}
}

func (s *Subscribers) Add(channel string, fn Handler) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[channel] = append(s.subs[channel], fn)
}

func (s *Subscribers) Count(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[channel])
}

// Deliver invokes the channel's handlers and reports how many returned
// cleanly. Handlers may publish again; the table is not locked while they run.
func (s *Subscribers) Deliver(ctx context.Context, msg domain.SwarmMessage) int {
	s.mu.RLock()
	handlers := append([]Handler(nil), s.subs[msg.Channel]...)
	s.mu.RUnlock()

	ok := 0
	for i, fn := range handlers {
		if err := s.invoke(ctx, fn, msg); err != nil {
			s.logger.Warn("subscriber failed",
				zap.String("channel", msg.Channel),
				zap.String("event", msg.Event),
				zap.Int("subscriber", i),
				zap.Error(err),
			)
			continue
		}
		ok++
	}
	return ok
}

func (s *Subscribers) invoke(ctx context.Context, fn Handler, msg domain.SwarmMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

func PublishTaskPosted(ctx context.Context, bus Bus, taskID, description string) error {
	return bus.Publish(ctx, ChannelTasks, EventTaskPosted, map[string]any{
		"task_id":     taskID,
		"description": description,
	})
}

func PublishBid(ctx context.Context, bus Bus, taskID, agentID string, bidSats int64) error {
	return bus.Publish(ctx, ChannelBids, EventBidSubmitted, map[string]any{
		"task_id":  taskID,
		"agent_id": agentID,
		"bid_sats": bidSats,
	})
}

func PublishTaskAssigned(ctx context.Context, bus Bus, taskID, agentID string) error {
	return bus.Publish(ctx, ChannelEvents, EventTaskAssigned, map[string]any{
		"task_id":  taskID,
		"agent_id": agentID,
	})
}

func PublishTaskCompleted(ctx context.Context, bus Bus, taskID, agentID, result string) error {
	return bus.Publish(ctx, ChannelEvents, EventTaskCompleted, map[string]any{
		"task_id":  taskID,
		"agent_id": agentID,
		"result":   result,
	})
}

func PublishAgentJoined(ctx context.Context, bus Bus, agentID, name string) error {
	return bus.Publish(ctx, ChannelEvents, EventAgentJoined, map[string]any{
		"agent_id": agentID,
		"name":     name,
	})
}

func PublishAgentLeft(ctx context.Context, bus Bus, agentID, name string) error {
	return bus.Publish(ctx, ChannelEvents, EventAgentLeft, map[string]any{
		"agent_id": agentID,
		"name":     name,
	})
}

// String reads a non-empty string field from message data.
func String(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Int64 reads an integral field from message data. Values arrive as Go
// integers from local publishers and as JSON numbers from a broker.
func Int64(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
