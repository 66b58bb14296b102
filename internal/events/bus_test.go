package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.Event{}
}

func TestBusFiltersBySession(t *testing.T) {
	bus := NewBus(8, logger.NewNop())
	defer bus.Close()

	one, cancelOne := bus.Subscribe("s1")
	defer cancelOne()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, types.Event{SessionID: "s2", Kind: types.EventControl, Status: "paused"}))
	require.NoError(t, bus.Publish(ctx, types.Event{SessionID: "s1", Kind: types.EventStepStarted, Step: "amass"}))

	got := receive(t, one)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, types.Step("amass"), got.Step)
	assert.False(t, got.At.IsZero())

	assert.Equal(t, "s2", receive(t, all).SessionID)
	assert.Equal(t, "s1", receive(t, all).SessionID)

	select {
	case ev := <-one:
		t.Fatalf("unexpected event for other session: %+v", ev)
	default:
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(2, logger.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe("")
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), types.Event{SessionID: "s1", Count: i}))
	}

	assert.Len(t, ch, 2)
	assert.Equal(t, int64(3), bus.Dropped())
	assert.Equal(t, 0, receive(t, ch).Count)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1, logger.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe("s1")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	assert.NoError(t, bus.Publish(context.Background(), types.Event{SessionID: "s1"}))
}

func TestBusClose(t *testing.T) {
	bus := NewBus(1, logger.NewNop())
	ch, cancel := bus.Subscribe("")
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe("")
	_, ok = <-late
	assert.False(t, ok)
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(1000, logger.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe("")
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = bus.Publish(context.Background(), types.Event{SessionID: "s1"})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 500)
}

func TestConsumeLogsEvents(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)
	log := &logger.Logger{SugaredLogger: base.Sugar()}

	bus := NewBus(8, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, bus, LogHandler(log))
	}()

	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, types.Event{SessionID: "s1", Kind: types.EventSessionStatus, Status: "completed"})
		return logs.FilterMessage("Session event").Len() > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	bus.Close()

	entry := logs.FilterMessage("Session event").All()[0]
	assert.Equal(t, "s1", entry.ContextMap()["session_id"])
	assert.Equal(t, "completed", entry.ContextMap()["status"])
}
