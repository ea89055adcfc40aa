package messaging

import (
	"context"
	"time"

	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

// EventHandler handles one delivered event. Handlers must be idempotent:
// events carry no delivery guarantee beyond best-effort pub/sub.
type EventHandler func(ctx context.Context, event aegistypes.Event)

// PublishEvent writes payload to events.<domain>.<type>.
func (m *Messenger) PublishEvent(ctx context.Context, eventType aegistypes.EventType, payload map[string]any) error {
	event := aegistypes.Event{
		MessageID: aegistypes.NewMessageID(), Domain: eventType.Domain(), EventType: eventType.String(),
		Payload: payload, Source: m.instance.String(), Timestamp: time.Now().UTC(),
	}
	data, err := encode(event, m.serialization)
	if err != nil {
		return err
	}
	if err := m.transport.Publish(ctx, transport.EventSubject(eventType.String()), data); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.EventsPublished.Inc()
	}
	return nil
}

// SubscribeEvent subscribes to a wildcard subject pattern under the
// "events." namespace, given without that prefix (e.g. "orders.*" for
// "events.orders.*", or ">" for "events.>"), and delivers
// every matching event to handler, fan-out (no queue group): every
// subscribed instance sees every event.
func (m *Messenger) SubscribeEvent(ctx context.Context, pattern string, handler EventHandler) error {
	subject := "events." + pattern
	sub, err := m.transport.Subscribe(ctx, subject, "", func(ctx context.Context, msg transport.Msg) {
		var event aegistypes.Event
		if err := decode(msg.Data, &event); err != nil {
			m.log.Error().Err(err).Str("subject", msg.Subject).Msg("event: failed to decode payload")
			return
		}
		if m.metrics != nil {
			m.metrics.EventsHandled.Inc()
		}
		handler(ctx, event)
	})
	if err != nil {
		return err
	}
	m.subs = append(m.subs, sub)
	return nil
}
