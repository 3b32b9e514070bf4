package realtime

import (
	"context"
	"time"

	"github.com/loopmarket/dealdesk/internal/dispute"
)

// Publisher adapts the hub to the dispute service's publisher contract,
// pushing lifecycle events to connected dashboard clients.
type Publisher struct {
	hub *Hub
}

// NewPublisher creates a realtime publisher over hub.
func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

var _ dispute.Publisher = (*Publisher)(nil)

// Publish broadcasts a dispute platform event to subscribed clients.
func (p *Publisher) Publish(ctx context.Context, evt dispute.PlatformEvent) {
	if p == nil || p.hub == nil {
		return
	}
	data := make(map[string]interface{}, len(evt.Payload)+1)
	for k, v := range evt.Payload {
		data[k] = v
	}
	if evt.TriggeredBy != "" {
		data["triggeredBy"] = evt.TriggeredBy
	}
	p.hub.Broadcast(&Event{
		Type:          evt.Type,
		NegotiationID: evt.NegotiationID,
		Timestamp:     time.Now(),
		Data:          data,
	})
}
