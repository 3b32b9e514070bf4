package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/loopmarket/dealdesk/internal/escrow"
	"github.com/loopmarket/dealdesk/internal/money"
)

// PostgresStore is the production Store. Multi-table operations (hold,
// payout, status change) run inside a single serializable transaction;
// escrow ledger writes reuse the same *sql.Tx through escrow.Querier so
// dispute state and ledger state commit or roll back together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, negotiation_id, raised_by_user_id, assigned_to_user_id,
	status, severity, category, summary, description, requested_outcome,
	hold_amount::TEXT, counter_proposal_amount::TEXT, resolution_payout_amount::TEXT,
	raised_at, sla_due_at, sla_breached_at, acknowledged_at, escalated_at,
	resolved_at, closed_at, updated_at`

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute, events []*Event, evidence []*Evidence) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (id, negotiation_id, raised_by_user_id, status,
			severity, category, summary, description, requested_outcome,
			hold_amount, resolution_payout_amount, raised_at, sla_due_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)`,
		d.ID, d.NegotiationID, d.RaisedByUserID, d.Status,
		d.Severity, d.Category, d.Summary, nullString(d.Description), nullString(d.RequestedOutcome),
		d.HoldAmount, d.ResolutionPayoutAmount, d.RaisedAt, d.SLADueAt, d.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateActiveDispute
		}
		return fmt.Errorf("insert dispute: %w", err)
	}

	for _, evt := range events {
		if err := insertEvent(ctx, tx, evt); err != nil {
			return err
		}
	}
	for _, ev := range evidence {
		if err := insertEvidence(ctx, tx, ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) HasActiveDispute(ctx context.Context, negotiationID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE negotiation_id = $1
			  AND status NOT IN ('resolved', 'closed')
		)`, negotiationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active dispute: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time, evt *Event) (*Dispute, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// First entry into a state stamps its timestamp; re-entry (e.g.
	// escalated -> under_review -> escalated) keeps the original.
	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $3,
			acknowledged_at = CASE WHEN $3 = 'under_review' THEN COALESCE(acknowledged_at, $4) ELSE acknowledged_at END,
			escalated_at    = CASE WHEN $3 = 'escalated'    THEN COALESCE(escalated_at, $4)    ELSE escalated_at END,
			resolved_at     = CASE WHEN $3 = 'resolved'     THEN COALESCE(resolved_at, $4)     ELSE resolved_at END,
			closed_at       = CASE WHEN $3 = 'closed'       THEN COALESCE(closed_at, $4)       ELSE closed_at END,
			updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, from, to, at)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, p.missOrConflict(ctx, id, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return nil, err
	}

	d, err := getDisputeTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return d, tx.Commit()
}

func (p *PostgresStore) Assign(ctx context.Context, id, assigneeUserID string, evt *Event) (*Dispute, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE disputes SET assigned_to_user_id = $2, updated_at = $3 WHERE id = $1`,
		id, assigneeUserID, evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("assign dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDisputeNotFound
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return nil, err
	}
	d, err := getDisputeTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return d, tx.Commit()
}

func (p *PostgresStore) AttachEvidence(ctx context.Context, ev *Evidence, evt *Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE disputes SET updated_at = $2 WHERE id = $1`,
		ev.DisputeID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("touch dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDisputeNotFound
	}

	if err := insertEvidence(ctx, tx, ev); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ApplyHold(ctx context.Context, op HoldOp) (*Dispute, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Relative increment: concurrent holds accumulate instead of
	// overwriting each other.
	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			hold_amount = hold_amount + $2::NUMERIC,
			updated_at = $3
		WHERE id = $1`,
		op.DisputeID, op.Amount, op.Event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("increment hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDisputeNotFound
	}

	ledger := escrow.NewPostgresLedger(tx)
	if _, err := ledger.ApplyHold(ctx, op.EscrowAccountID, op.Amount, map[string]interface{}{
		"disputeId": op.DisputeID,
	}); err != nil {
		return nil, err
	}

	if err := insertEvent(ctx, tx, op.Event); err != nil {
		return nil, err
	}
	d, err := getDisputeTx(ctx, tx, op.DisputeID)
	if err != nil {
		return nil, err
	}
	return d, tx.Commit()
}

func (p *PostgresStore) RecordCounterProposal(ctx context.Context, id, amount string, evt *Event) (*Dispute, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE disputes SET counter_proposal_amount = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		id, amount, evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record counter proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDisputeNotFound
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return nil, err
	}
	d, err := getDisputeTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return d, tx.Commit()
}

func (p *PostgresStore) SettlePayout(ctx context.Context, op PayoutOp) (*Dispute, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The hold_amount >= amount guard makes concurrent payouts safe:
	// whichever transaction commits second sees the reduced hold and
	// fails the predicate instead of overdrawing.
	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			hold_amount = hold_amount - $2::NUMERIC,
			resolution_payout_amount = resolution_payout_amount + $2::NUMERIC,
			updated_at = $3
		WHERE id = $1 AND hold_amount >= $2::NUMERIC`,
		op.DisputeID, op.Amount, op.Event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("settle payout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, p.missOrConflict(ctx, op.DisputeID, ErrInsufficientHoldBalance)
	}

	ledger := escrow.NewPostgresLedger(tx)
	if _, err := ledger.ReleasePayout(ctx, op.EscrowAccountID, op.Amount, op.Direction, map[string]interface{}{
		"disputeId": op.DisputeID,
	}); err != nil {
		return nil, err
	}

	d, err := getDisputeTx(ctx, tx, op.DisputeID)
	if err != nil {
		return nil, err
	}

	if op.Event.Metadata == nil {
		op.Event.Metadata = make(map[string]interface{})
	}
	op.Event.Metadata["remainingHold"] = d.HoldAmount
	if err := insertEvent(ctx, tx, op.Event); err != nil {
		return nil, err
	}

	return d, tx.Commit()
}

func (p *PostgresStore) MarkSLABreached(ctx context.Context, id string, at time.Time, evt *Event) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET sla_breached_at = $2, updated_at = $2
		WHERE id = $1
		  AND sla_breached_at IS NULL
		  AND status NOT IN ('resolved', 'closed')`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("mark sla breach: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already marked, terminal, or unknown.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("check dispute: %w", err)
		}
		if !exists {
			return false, ErrDisputeNotFound
		}
		return false, nil
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE sla_due_at <= $1
		  AND sla_breached_at IS NULL
		  AND status NOT IN ('resolved', 'closed')
		ORDER BY sla_due_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, int, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = ActiveStatuses()
	}
	statusArgs := make([]string, len(statuses))
	for i, st := range statuses {
		statusArgs[i] = string(st)
	}

	where := `WHERE status = ANY($1)`
	args := []interface{}{pq.Array(statusArgs)}
	if f.AssignedTo != "" {
		where += ` AND assigned_to_user_id = $2`
		args = append(args, f.AssignedTo)
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM disputes `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT `+disputeColumns+` FROM disputes %s
		ORDER BY
			CASE severity
				WHEN 'critical' THEN 0
				WHEN 'high' THEN 1
				WHEN 'medium' THEN 2
				ELSE 3
			END,
			sla_due_at ASC NULLS LAST,
			raised_at ASC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	disputes, err := scanDisputes(rows)
	if err != nil {
		return nil, 0, err
	}
	return disputes, total, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, disputeID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, actor_user_id, type, status, message, metadata, created_at
		FROM dispute_events
		WHERE dispute_id = $1
		ORDER BY seq ASC
		LIMIT $2`, disputeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (p *PostgresStore) LatestEvent(ctx context.Context, disputeID string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, dispute_id, actor_user_id, type, status, message, metadata, created_at
		FROM dispute_events
		WHERE dispute_id = $1
		ORDER BY seq DESC
		LIMIT 1`, disputeID)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return evt, err
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, uploaded_by_user_id, type, url, label, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at DESC, id DESC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []*Evidence
	for rows.Next() {
		var ev Evidence
		var label sql.NullString
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.UploadedByUserID,
			&ev.Type, &ev.URL, &label, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		ev.Label = label.String
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// missOrConflict distinguishes a missing dispute from a guarded update
// that matched zero rows for another reason.
func (p *PostgresStore) missOrConflict(ctx context.Context, id string, conflict error) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check dispute: %w", err)
	}
	if !exists {
		return ErrDisputeNotFound
	}
	return conflict
}

func getDisputeTx(ctx context.Context, tx *sql.Tx, id string) (*Dispute, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt *Event) error {
	var metadata []byte
	if evt.Metadata != nil {
		b, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = b
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dispute_events (id, dispute_id, actor_user_id, type, status, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, evt.DisputeID, nullString(evt.ActorUserID), evt.Type,
		nullString(string(evt.Status)), nullString(evt.Message), metadata, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func insertEvidence(ctx context.Context, tx *sql.Tx, ev *Evidence) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, uploaded_by_user_id, type, url, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.DisputeID, ev.UploadedByUserID, ev.Type, ev.URL, nullString(ev.Label), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(row scanner) (*Dispute, error) {
	var d Dispute
	var assigned, description, outcome, counter sql.NullString
	var slaDue, slaBreached, acked, escalated, resolved, closed sql.NullTime
	err := row.Scan(&d.ID, &d.NegotiationID, &d.RaisedByUserID, &assigned,
		&d.Status, &d.Severity, &d.Category, &d.Summary, &description, &outcome,
		&d.HoldAmount, &counter, &d.ResolutionPayoutAmount,
		&d.RaisedAt, &slaDue, &slaBreached, &acked, &escalated,
		&resolved, &closed, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.AssignedToUserID = assigned.String
	d.Description = description.String
	d.RequestedOutcome = outcome.String
	if counter.Valid {
		d.CounterProposalAmount = normalizeAmount(counter.String)
	}
	d.HoldAmount = normalizeAmount(d.HoldAmount)
	d.ResolutionPayoutAmount = normalizeAmount(d.ResolutionPayoutAmount)
	d.SLADueAt = nullTime(slaDue)
	d.SLABreachedAt = nullTime(slaBreached)
	d.AcknowledgedAt = nullTime(acked)
	d.EscalatedAt = nullTime(escalated)
	d.ResolvedAt = nullTime(resolved)
	d.ClosedAt = nullTime(closed)
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (*Event, error) {
	var evt Event
	var actor, status, message sql.NullString
	var metadata []byte
	err := row.Scan(&evt.ID, &evt.DisputeID, &actor, &evt.Type, &status, &message, &metadata, &evt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	evt.ActorUserID = actor.String
	evt.Status = Status(status.String)
	evt.Message = message.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return &evt, nil
}

// normalizeAmount reformats NUMERIC::TEXT output (e.g. "250", "250.5")
// to the canonical two-decimal form used everywhere else.
func normalizeAmount(s string) string {
	if v, ok := money.Parse(strings.TrimSpace(s)); ok {
		return money.Format(v)
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
