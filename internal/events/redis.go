package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var _ core.EventBus = (*RedisBus)(nil)

// RedisBus publishes events on a Redis channel so observers attached to
// any process see them. Each process re-delivers what it receives to its
// local subscribers.
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *Bus
	pubsub  *redis.PubSub
	logger  *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisBus(ctx context.Context, client *redis.Client, channel string, bufferSize int, log *logger.Logger) (*RedisBus, error) {
	pubsub := client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:  client,
		channel: channel,
		local:   NewBus(bufferSize, log),
		pubsub:  pubsub,
		logger:  log.WithComponent("events").WithFields("channel", channel),
		cancel:  cancel,
	}

	b.wg.Add(1)
	go b.relay(runCtx)
	return b, nil
}

func (b *RedisBus) relay(ctx context.Context) {
	defer b.wg.Done()

	msgs := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warnw("Discarding malformed event", "error", err)
				continue
			}
			b.local.deliver(event)
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, event types.Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(sessionID string) (<-chan types.Event, func()) {
	return b.local.Subscribe(sessionID)
}

func (b *RedisBus) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	b.local.Close()
	return err
}
