package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/messaging"
	"swarm_auction/internal/messaging/inproc"
)

const probeTimeout = 2 * time.Second

// envelope tags broker traffic with the publishing bus so its own receive
// loop can skip messages already delivered locally.
type envelope struct {
	Origin  string              `json:"origin"`
	Message domain.SwarmMessage `json:"message"`
}

// Bus publishes through Redis and also delivers to local subscribers in the
// publishing goroutine, so in-process agents see the same synchronous
// contract as with the inproc bus.
type Bus struct {
	client *redis.Client
	pubsub *redis.PubSub
	subs   *messaging.Subscribers
	origin string
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]bool
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect probes redisURL once. When the broker is absent or unreachable the
// caller gets an in-process bus instead; the choice is final.
func Connect(ctx context.Context, redisURL string, logger *zap.Logger) messaging.Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(redisURL) == "" {
		logger.Info("no redis url configured, using in-process bus")
		return inproc.New(logger)
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-process bus", zap.Error(err))
		return inproc.New(logger)
	}
	client := redis.NewClient(opts)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := client.Ping(probeCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("redis unreachable, using in-process bus", zap.String("addr", opts.Addr), zap.Error(err))
		return inproc.New(logger)
	}

	bus, err := New(ctx, client, logger)
	if err != nil {
		_ = client.Close()
		logger.Warn("redis subscribe failed, using in-process bus", zap.Error(err))
		return inproc.New(logger)
	}
	logger.Info("connected to redis bus", zap.String("addr", opts.Addr))
	return bus
}

// New subscribes client to the swarm channels and starts the receive loop.
// The bus owns client from here on.
func New(ctx context.Context, client *redis.Client, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := uuid.NewString()
	logger = logger.With(zap.String("component", "bus"), zap.String("mode", "redis"), zap.String("origin", origin))

	pubsub := client.Subscribe(ctx, messaging.Channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe swarm channels: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client:   client,
		pubsub:   pubsub,
		subs:     messaging.NewSubscribers(logger),
		origin:   origin,
		logger:   logger,
		channels: make(map[string]bool),
		cancel:   cancel,
	}
	for _, ch := range messaging.Channels {
		b.channels[ch] = true
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiveLoop(loopCtx)
	}()
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, channel, event string, data map[string]any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return messaging.ErrBusClosed
	}
	if data == nil {
		data = map[string]any{}
	}
	msg := domain.SwarmMessage{
		Channel:   channel,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.subs.Deliver(ctx, msg)

	payload, err := json.Marshal(envelope{Origin: b.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("encode swarm message: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.logger.Warn("redis publish failed", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(channel string, fn messaging.Handler) {
	b.subs.Add(channel, fn)

	b.mu.Lock()
	known := b.channels[channel]
	b.channels[channel] = true
	b.mu.Unlock()
	if known {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		b.logger.Warn("redis subscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	psErr := b.pubsub.Close()
	b.wg.Wait()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	if psErr != nil {
		return fmt.Errorf("close redis pubsub: %w", psErr)
	}
	return nil
}

func (b *Bus) receiveLoop(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			b.handleRemote(ctx, raw)
		}
	}
}

func (b *Bus) handleRemote(ctx context.Context, raw *redis.Message) {
	var env struct {
		Origin  string          `json:"origin"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
		b.logger.Warn("drop malformed redis message", zap.String("channel", raw.Channel), zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	msg, err := domain.ParseSwarmMessage(env.Message)
	if err != nil {
		b.logger.Warn("drop malformed swarm message", zap.String("channel", raw.Channel), zap.Error(err))
		return
	}
	msg.Channel = raw.Channel
	b.subs.Deliver(ctx, msg)
}
