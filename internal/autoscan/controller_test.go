package autoscan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/events"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestControllerFlags(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	session := newSession(t, store)
	bus := events.NewBus(16, logger.NewNop())
	defer bus.Close()
	control := NewController(store, bus, logger.NewNop())

	ch, unsubscribe := bus.Subscribe(session.ID)
	defer unsubscribe()

	paused, err := control.Pause(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)
	assert.Equal(t, types.SessionStatusPaused, paused.Status)

	sig, err := control.Check(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, Signal{Paused: true}, sig)

	event := <-ch
	assert.Equal(t, types.EventControl, event.Kind)
	assert.Equal(t, "paused", event.Status)

	resumed, err := control.Resume(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, resumed.IsPaused)
	assert.Equal(t, types.SessionStatusRunning, resumed.Status)
	assert.Equal(t, "resumed", (<-ch).Status)

	_, err = control.Pause(ctx, session.ID)
	require.NoError(t, err)
	<-ch

	cancelled, err := control.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.IsCancelled)
	assert.Equal(t, types.SessionStatusCancelling, cancelled.ObservedStatus())
	assert.Equal(t, string(types.SessionStatusCancelling), (<-ch).Status)

	// Cancel outranks pause.
	sig, err = control.Check(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, Signal{Cancelled: true}, sig)

	_, err = control.Resume(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionTerminal)
	assert.ErrorIs(t, err, ErrCancelRequested)
	_, err = control.Pause(ctx, session.ID)
	assert.ErrorIs(t, err, ErrCancelRequested)

	_, err = control.Pause(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

// staleReads serves the session as it was before a concurrent cancel
// landed, the window between a read and the following write.
type staleReads struct {
	*database.MemoryStore
	before *types.Session
}

func (s *staleReads) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return s.before.Clone(), nil
}

func TestControllerPauseLosesToConcurrentCancel(t *testing.T) {
	ctx := context.Background()
	mem := database.NewMemoryStore()
	session := newSession(t, mem)
	control := NewController(&staleReads{MemoryStore: mem, before: session}, nil, logger.NewNop())

	_, err := mem.RequestCancel(ctx, session.ID)
	require.NoError(t, err)

	_, err = control.Pause(ctx, session.ID)
	assert.ErrorIs(t, err, ErrCancelRequested)

	got, err := mem.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPaused, "pause overwrote a pending cancel")
	assert.True(t, got.IsCancelled)
}

func TestControllerTerminalSession(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	session := newSession(t, store)
	control := NewController(store, nil, logger.NewNop())

	require.NoError(t, store.FinishSession(ctx, session.ID, types.SessionStatusCancelled, "", types.Tallies{}))

	_, err := control.Resume(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionTerminal)
	_, err = control.Pause(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionTerminal)
	_, err = control.Cancel(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionTerminal)
}

func TestWaitWhilePausedWakesOnResume(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	session := newSession(t, store)
	control := NewController(store, nil, logger.NewNop())

	_, err := control.Pause(ctx, session.ID)
	require.NoError(t, err)

	done := make(chan Signal, 1)
	go func() {
		// A long recheck proves the wake-up comes from Notify.
		sig, err := control.WaitWhilePaused(ctx, session.ID, time.Hour)
		assert.NoError(t, err)
		done <- sig
	}()

	select {
	case <-done:
		t.Fatal("returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = control.Cancel(ctx, session.ID)
	require.NoError(t, err)

	select {
	case sig := <-done:
		assert.True(t, sig.Cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("not woken by cancel")
	}
}

func TestWaitWhilePausedHonoursContext(t *testing.T) {
	store := database.NewMemoryStore()
	session := newSession(t, store)
	control := NewController(store, nil, logger.NewNop())

	_, err := control.Pause(context.Background(), session.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = control.WaitWhilePaused(ctx, session.ID, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleEventWakesWatchers(t *testing.T) {
	control := NewController(database.NewMemoryStore(), nil, logger.NewNop())
	wake, stop := control.Watch("s1")
	defer stop()

	control.HandleEvent(types.Event{SessionID: "s2", Kind: types.EventControl})
	control.HandleEvent(types.Event{SessionID: "s1", Kind: types.EventStepFinished})
	select {
	case <-wake:
		t.Fatal("woken by unrelated event")
	default:
	}

	control.HandleEvent(types.Event{SessionID: "s1", Kind: types.EventControl})
	select {
	case <-wake:
	default:
		t.Fatal("control event did not wake watcher")
	}
}
