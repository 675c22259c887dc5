package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/messaging"
	"swarm_auction/internal/metrics"
)

const (
	DefaultCapacity = 100
	DefaultReplay   = 20
	resultPreview   = 200
)

type Event struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Observer is one live feed consumer. A Send error drops the observer.
type Observer interface {
	Send(ctx context.Context, payload []byte) error
}

// QueueDepth bounds the live events buffered for one observer beyond its
// replay backlog. An observer that falls further behind is dropped.
const QueueDepth = 64

// subscriber owns the write side of one observer. Only its writer
// goroutine calls Send, so events reach the observer in order.
type subscriber struct {
	obs   Observer
	ctx   context.Context
	queue chan []byte
	gone  chan struct{}
}

type Broadcaster struct {
	mu          sync.Mutex
	subscribers []*subscriber
	history     []Event
	capacity    int
	replay      int

	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewBroadcaster(capacity, replay int, logger *zap.Logger, m *metrics.Collector) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if replay <= 0 {
		replay = DefaultReplay
	}
	if replay > capacity {
		replay = capacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		capacity: capacity,
		replay:   replay,
		logger:   logger.With(zap.String("component", "feed")),
		metrics:  m,
	}
}

// Connect registers obs and queues the most recent events for it. Delivery
// happens on a goroutine owned by the observer; ctx bounds its writes.
func (b *Broadcaster) Connect(ctx context.Context, obs Observer) {
	b.mu.Lock()
	start := len(b.history) - b.replay
	if start < 0 {
		start = 0
	}
	sub := &subscriber{
		obs:   obs,
		ctx:   ctx,
		queue: make(chan []byte, b.replay+QueueDepth),
		gone:  make(chan struct{}),
	}
	for _, ev := range b.history[start:] {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		sub.queue <- payload
	}
	b.subscribers = append(b.subscribers, sub)
	count := len(b.subscribers)
	b.mu.Unlock()
	b.metrics.SetFeedObservers(count)

	go b.write(sub)
}

func (b *Broadcaster) write(sub *subscriber) {
	for {
		select {
		case <-sub.gone:
			return
		case payload := <-sub.queue:
			if err := sub.obs.Send(sub.ctx, payload); err != nil {
				b.logger.Debug("send failed, dropping observer", zap.Error(err))
				b.drop(sub)
				return
			}
		}
	}
}

// Disconnect forgets obs. Unknown observers are ignored.
func (b *Broadcaster) Disconnect(obs Observer) {
	b.mu.Lock()
	var sub *subscriber
	for _, s := range b.subscribers {
		if s.obs == obs {
			sub = s
			break
		}
	}
	b.mu.Unlock()
	if sub != nil {
		b.drop(sub)
	}
}

func (b *Broadcaster) drop(sub *subscriber) {
	b.mu.Lock()
	removed := b.removeLocked(sub)
	count := len(b.subscribers)
	b.mu.Unlock()
	if removed {
		b.metrics.SetFeedObservers(count)
	}
}

// removeLocked unlinks sub and stops its writer. b.mu must be held.
func (b *Broadcaster) removeLocked(sub *subscriber) bool {
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub.gone)
			return true
		}
	}
	return false
}

// Broadcast records the event and queues it for every observer without
// waiting on any of them.
func (b *Broadcaster) Broadcast(ctx context.Context, event string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{Event: event, Data: data, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("encode feed event failed", zap.String("event", event), zap.Error(err))
		return
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if over := len(b.history) - b.capacity; over > 0 {
		b.history = append([]Event(nil), b.history[over:]...)
	}
	var lagging []*subscriber
	for _, sub := range b.subscribers {
		select {
		case sub.queue <- payload:
		default:
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		b.removeLocked(sub)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if len(lagging) > 0 {
		b.logger.Warn("feed observer fell behind, dropping",
			zap.String("event", event),
			zap.Int("dropped", len(lagging)),
		)
		b.metrics.SetFeedObservers(count)
	}
}

func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

func (b *Broadcaster) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) AgentJoined(ctx context.Context, agentID, name string) {
	b.Broadcast(ctx, messaging.EventAgentJoined, map[string]any{"agent_id": agentID, "name": name})
}

func (b *Broadcaster) AgentLeft(ctx context.Context, agentID, name string) {
	b.Broadcast(ctx, messaging.EventAgentLeft, map[string]any{"agent_id": agentID, "name": name})
}

func (b *Broadcaster) TaskPosted(ctx context.Context, taskID, description string) {
	b.Broadcast(ctx, messaging.EventTaskPosted, map[string]any{"task_id": taskID, "description": description})
}

func (b *Broadcaster) BidSubmitted(ctx context.Context, taskID, agentID string, bidSats int64) {
	b.Broadcast(ctx, messaging.EventBidSubmitted, map[string]any{"task_id": taskID, "agent_id": agentID, "bid_sats": bidSats})
}

func (b *Broadcaster) TaskAssigned(ctx context.Context, taskID, agentID string) {
	b.Broadcast(ctx, messaging.EventTaskAssigned, map[string]any{"task_id": taskID, "agent_id": agentID})
}

// TaskCompleted carries only a preview of long results.
func (b *Broadcaster) TaskCompleted(ctx context.Context, taskID, agentID, result string) {
	b.Broadcast(ctx, messaging.EventTaskCompleted, map[string]any{
		"task_id":  taskID,
		"agent_id": agentID,
		"result":   preview(result, resultPreview),
	})
}

// Follow rebroadcasts all swarm bus traffic to the feed.
func (b *Broadcaster) Follow(bus messaging.Bus) {
	for _, ch := range messaging.Channels {
		bus.Subscribe(ch, b.relay)
	}
}

func (b *Broadcaster) relay(ctx context.Context, msg domain.SwarmMessage) error {
	if msg.Event == messaging.EventTaskCompleted {
		taskID, _ := msg.Data["task_id"].(string)
		agentID, _ := msg.Data["agent_id"].(string)
		result, _ := msg.Data["result"].(string)
		b.TaskCompleted(ctx, taskID, agentID, result)
		return nil
	}
	b.Broadcast(ctx, msg.Event, msg.Data)
	return nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
