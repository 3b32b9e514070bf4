package dispute

import (
	"context"

	"github.com/loopmarket/dealdesk/internal/identity"
	"github.com/loopmarket/dealdesk/internal/negotiation"
)

const (
	defaultQueueLimit = 20
	maxQueueLimit     = 100
)

// Party is a user reference denormalized onto a queue item.
type Party struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// QueueItem is an operator-facing projection of a dispute: the dispute
// itself plus the context an operator needs to triage it without extra
// lookups.
type QueueItem struct {
	*Dispute
	NegotiationStatus string      `json:"negotiationStatus,omitempty"`
	RaisedBy          *Party      `json:"raisedBy,omitempty"`
	AssignedTo        *Party      `json:"assignedTo,omitempty"`
	Evidence          []*Evidence `json:"evidence"`
	LatestEvent       *Event      `json:"latestEvent,omitempty"`
}

// QueuePage is one page of the operator queue.
type QueuePage struct {
	Items  []*QueueItem `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// QueueService builds the operator queue from the dispute store plus the
// negotiation and identity directories. Lookups that fail leave the
// enrichment field empty rather than failing the page: the queue must
// stay usable even when a collaborator record is missing.
type QueueService struct {
	store        Store
	negotiations negotiation.Finder
	users        identity.Directory
}

// NewQueueService creates a queue projection service.
func NewQueueService(store Store, negotiations negotiation.Finder, users identity.Directory) *QueueService {
	return &QueueService{store: store, negotiations: negotiations, users: users}
}

// GetQueue returns one page of open work ordered by severity, then SLA
// due time, then raise time. An empty status filter defaults to all
// active statuses.
func (q *QueueService) GetQueue(ctx context.Context, f QueueFilter) (*QueuePage, error) {
	if f.Limit <= 0 {
		f.Limit = defaultQueueLimit
	}
	if f.Limit > maxQueueLimit {
		f.Limit = maxQueueLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	disputes, total, err := q.store.ListQueue(ctx, f)
	if err != nil {
		return nil, err
	}

	items := make([]*QueueItem, 0, len(disputes))
	for _, d := range disputes {
		items = append(items, q.buildItem(ctx, d))
	}
	return &QueuePage{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func (q *QueueService) buildItem(ctx context.Context, d *Dispute) *QueueItem {
	item := &QueueItem{Dispute: d, Evidence: []*Evidence{}}

	if neg, err := q.negotiations.Get(ctx, d.NegotiationID); err == nil {
		item.NegotiationStatus = string(neg.Status)
	}
	if u, err := q.users.Get(ctx, d.RaisedByUserID); err == nil {
		item.RaisedBy = &Party{ID: u.ID, Name: u.Name, Role: string(u.Role)}
	}
	if d.AssignedToUserID != "" {
		if u, err := q.users.Get(ctx, d.AssignedToUserID); err == nil {
			item.AssignedTo = &Party{ID: u.ID, Name: u.Name, Email: u.Email}
		} else {
			item.AssignedTo = &Party{ID: d.AssignedToUserID}
		}
	}
	if evidence, err := q.store.ListEvidence(ctx, d.ID); err == nil && evidence != nil {
		item.Evidence = evidence
	}
	if evt, err := q.store.LatestEvent(ctx, d.ID); err == nil {
		item.LatestEvent = evt
	}
	return item
}
