package websocket

import (
	"context"

	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/events"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/session/models"
	ws "github.com/kandev/sessiond/pkg/websocket"
	"go.uber.org/zap"
)

// SessionStreamBroadcaster relays every event published on the session
// wildcard subject to WebSocket clients subscribed to that session, mirroring
// the SSE adapter's framing so either transport sees the same event stream.
type SessionStreamBroadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterSessionStreamNotifications subscribes to the session wildcard
// subject and fans out each event to the Hub's per-session subscribers.
func RegisterSessionStreamNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *SessionStreamBroadcaster {
	b := &SessionStreamBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-session-stream-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	sub, err := eventBus.Subscribe(events.BuildSessionWildcardSubject(), b.handle)
	if err != nil {
		b.logger.Error("failed to subscribe to session events", zap.Error(err))
		return b
	}
	b.subscription = sub

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

func (b *SessionStreamBroadcaster) handle(_ context.Context, event *bus.Event) error {
	sessionID := extractSessionID(event.Data)
	if sessionID == "" {
		return nil
	}

	action := ws.ActionSessionEvent
	if event.Type == string(models.EventStatus) {
		action = ws.ActionSessionStatusChanged
	}

	msg, err := ws.NewNotification(action, event.Data)
	if err != nil {
		b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
		return nil
	}
	b.hub.BroadcastToSession(sessionID, msg)
	return nil
}

// Close unsubscribes from the event bus.
func (b *SessionStreamBroadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
	b.subscription = nil
}

func extractSessionID(data any) string {
	if data == nil {
		return ""
	}
	if typed, ok := data.(interface{ GetSessionID() string }); ok {
		return typed.GetSessionID()
	}
	if m, ok := data.(map[string]any); ok {
		if sessionID, ok := m["session_id"].(string); ok {
			return sessionID
		}
	}
	return ""
}
