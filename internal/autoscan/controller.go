package autoscan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// Signal is the control state observed at a checkpoint.
type Signal struct {
	Paused    bool
	Cancelled bool
}

// Controller owns the pause and cancel flags of running sessions. The
// flags live on the session record; the controller writes them, reads
// them at observation points and wakes sleeping loops when they change.
type Controller struct {
	store  core.SessionStore
	bus    core.EventBus
	logger *logger.Logger

	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

func NewController(store core.SessionStore, bus core.EventBus, log *logger.Logger) *Controller {
	return &Controller{
		store:    store,
		bus:      bus,
		logger:   log.WithComponent("controller"),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

// Pause sets the pause flag. The store refuses it once a cancel is
// pending, under the same row lock that guards the cancel flag.
func (c *Controller) Pause(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := c.store.SetPaused(ctx, sessionID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to pause session %s: %w", sessionID, err)
	}
	c.signal(ctx, session, "paused")
	return session, nil
}

// Resume clears the pause flag. A session with a pending cancel cannot be
// resumed.
func (c *Controller) Resume(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := c.store.SetPaused(ctx, sessionID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to resume session %s: %w", sessionID, err)
	}
	c.signal(ctx, session, "resumed")
	return session, nil
}

func (c *Controller) Cancel(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := c.store.RequestCancel(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel session %s: %w", sessionID, err)
	}
	c.signal(ctx, session, string(types.SessionStatusCancelling))
	return session, nil
}

// Check reads the flags. Cancel wins over pause.
func (c *Controller) Check(ctx context.Context, sessionID string) (Signal, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return Signal{}, err
	}
	if session.IsCancelled {
		return Signal{Cancelled: true}, nil
	}
	return Signal{Paused: session.IsPaused}, nil
}

// WaitWhilePaused blocks until the session is neither paused nor waiting
// to be cancelled, re-reading the flags every recheck or when woken.
func (c *Controller) WaitWhilePaused(ctx context.Context, sessionID string, recheck time.Duration) (Signal, error) {
	wake, stop := c.Watch(sessionID)
	defer stop()

	logged := false
	for {
		sig, err := c.Check(ctx, sessionID)
		if err != nil {
			return Signal{}, err
		}
		if !sig.Paused {
			if logged {
				c.logger.Infow("Session resumed", "session_id", sessionID)
			}
			return sig, nil
		}
		if !logged {
			c.logger.Infow("Session paused, holding", "session_id", sessionID)
			logged = true
		}

		if err := sleep(ctx, wake, recheck); err != nil {
			return Signal{}, err
		}
	}
}

// Watch returns a channel that receives whenever a control flag of the
// session changes.
func (c *Controller) Watch(sessionID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	if c.watchers[sessionID] == nil {
		c.watchers[sessionID] = make(map[chan struct{}]struct{})
	}
	c.watchers[sessionID][ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers[sessionID], ch)
		if len(c.watchers[sessionID]) == 0 {
			delete(c.watchers, sessionID)
		}
	}
}

// Notify wakes every watcher of the session.
func (c *Controller) Notify(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.watchers[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// HandleEvent wakes watchers for control events published by other
// processes sharing the event bus.
func (c *Controller) HandleEvent(event types.Event) {
	if event.Kind == types.EventControl {
		c.Notify(event.SessionID)
	}
}

func (c *Controller) signal(ctx context.Context, session *types.Session, action string) {
	c.logger.Infow("Control signal set",
		"session_id", session.ID,
		"action", action,
		"is_paused", session.IsPaused,
		"is_cancelled", session.IsCancelled,
	)
	c.Notify(session.ID)
	publish(ctx, c.bus, c.logger, types.Event{
		SessionID: session.ID,
		TargetID:  session.TargetID,
		Kind:      types.EventControl,
		Step:      session.CurrentStep,
		Status:    action,
	})
}

// sleep waits for d, a wake-up or ctx, whichever comes first.
func sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func publish(ctx context.Context, bus core.EventBus, log *logger.Logger, event types.Event) {
	if bus == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if err := bus.Publish(ctx, event); err != nil {
		log.Warnw("Failed to publish event",
			"error", err,
			"session_id", event.SessionID,
			"kind", event.Kind,
		)
	}
}
