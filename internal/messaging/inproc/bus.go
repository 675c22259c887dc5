package inproc

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/messaging"
)

// Bus fans messages out to subscribers in the publishing goroutine.
type Bus struct {
	subs   *messaging.Subscribers
	closed atomic.Bool
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bus"), zap.String("mode", "inproc"))
	return &Bus{
		subs:   messaging.NewSubscribers(logger),
		logger: logger,
	}
}

func (b *Bus) Publish(ctx context.Context, channel, event string, data map[string]any) error {
	if b.closed.Load() {
		return messaging.ErrBusClosed
	}
	if data == nil {
		data = map[string]any{}
	}
	b.subs.Deliver(ctx, domain.SwarmMessage{
		Channel:   channel,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (b *Bus) Subscribe(channel string, fn messaging.Handler) {
	b.subs.Add(channel, fn)
}

func (b *Bus) Connected() bool {
	return false
}

func (b *Bus) Close() error {
	b.closed.Store(true)
	return nil
}
