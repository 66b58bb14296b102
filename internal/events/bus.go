package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var _ core.EventBus = (*Bus)(nil)

const defaultBufferSize = 64

type subscriber struct {
	sessionID string
	ch        chan types.Event
}

// Bus is an in-process fan-out of session events. Slow subscribers lose
// events instead of blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
	logger  *logger.Logger
}

func NewBus(bufferSize int, log *logger.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: bufferSize,
		logger: log.WithComponent("events"),
	}
}

func (b *Bus) Publish(ctx context.Context, event types.Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.deliver(event)
	return nil
}

func (b *Bus) deliver(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warnw("Dropping event for slow subscriber",
				"subscriber", id,
				"session_id", event.SessionID,
				"kind", event.Kind,
			)
		}
	}
}

func (b *Bus) Subscribe(sessionID string) (<-chan types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{sessionID: sessionID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Dropped reports how many events were discarded for full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}
