package events

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// Handler consumes one event. Handlers must not block for long.
type Handler func(event types.Event)

// Consume feeds every event on bus to each handler until ctx is done or
// the bus is closed.
func Consume(ctx context.Context, bus core.EventBus, handlers ...Handler) {
	ch, cancel := bus.Subscribe("")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			for _, h := range handlers {
				h(event)
			}
		}
	}
}

// LogHandler writes each event to the structured log.
func LogHandler(log *logger.Logger) Handler {
	log = log.WithComponent("event_log")
	return func(event types.Event) {
		fields := []interface{}{
			"session_id", event.SessionID,
			"kind", event.Kind,
			"status", event.Status,
		}
		if event.Step != "" {
			fields = append(fields, "step", event.Step)
		}
		if event.ScanID != "" {
			fields = append(fields, "scan_id", event.ScanID)
		}
		if event.Message != "" {
			fields = append(fields, "message", event.Message)
		}
		log.Infow("Session event", fields...)
	}
}
