package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopmarket/dealdesk/internal/dispute"
	"github.com/loopmarket/dealdesk/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealdesk",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealdesk",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Publisher adapts the Dispatcher to the dispute service's publisher
// contract. Fire-and-forget: errors are counted and logged, never
// returned to the dispute flow.
type Publisher struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewPublisher creates a dispute event publisher over d.
func NewPublisher(d *Dispatcher, logger *slog.Logger) *Publisher {
	return &Publisher{d: d, logger: logger}
}

var _ dispute.Publisher = (*Publisher)(nil)

// Publish delivers a dispute platform event to all matching
// subscriptions.
func (p *Publisher) Publish(ctx context.Context, evt dispute.PlatformEvent) {
	if p == nil || p.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(evt.Type).Inc()

	event := &Event{
		ID:            idgen.WithPrefix("whe_"),
		Type:          evt.Type,
		NegotiationID: evt.NegotiationID,
		TriggeredBy:   evt.TriggeredBy,
		Timestamp:     time.Now(),
		Data:          evt.Payload,
	}

	if err := p.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(evt.Type).Inc()
		p.logger.Warn("webhook emit failed", "event", evt.Type, "negotiationId", evt.NegotiationID, "error", err)
	}
}
