package services

import (
	"context"

	"github.com/google/uuid"

	redisclient "github.com/odooforge/odooforge-backend/internal/clients/redis"
	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/sse"
)

// Notifier emits pipeline progress events to session subscribers. With a redis
// bus attached events travel through redis so every instance's hub sees them;
// without one they go straight to the local hub.
type Notifier interface {
	Notify(ctx context.Context, sessionID uuid.UUID, event sse.SSEEvent, data any)
}

type notifier struct {
	log *logger.Logger
	hub *sse.SSEHub
	bus redisclient.SSEBus
}

func NewNotifier(log *logger.Logger, hub *sse.SSEHub, bus redisclient.SSEBus) Notifier {
	return &notifier{
		log: log.With("service", "Notifier"),
		hub: hub,
		bus: bus,
	}
}

func (n *notifier) Notify(ctx context.Context, sessionID uuid.UUID, event sse.SSEEvent, data any) {
	msg := sse.SSEMessage{
		Channel: sse.SessionChannel(sessionID),
		Event:   event,
		Data:    data,
	}
	if n.bus != nil {
		if err := n.bus.Publish(ctx, msg); err != nil {
			n.log.Warn("Failed to publish SSE message to redis; falling back to local hub",
				"sessionID", sessionID, "event", event, "error", err)
			n.hub.Broadcast(msg)
		}
		return
	}
	n.hub.Broadcast(msg)
}
