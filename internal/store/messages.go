package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Message statuses. delivered, failed, bounced, and complained are
// terminal; the reconciler never moves a row back out of them.
const (
	StatusQueued     = "queued"
	StatusSending    = "sending"
	StatusSent       = "sent"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusBounced    = "bounced"
	StatusComplained = "complained"
	StatusOpened     = "opened"
	StatusClicked    = "clicked"
)

// IsTerminalStatus reports whether a message status can never change
// again. UpdateMessageStatus enforces the same set in SQL.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusDelivered, StatusFailed, StatusBounced, StatusComplained:
		return true
	}
	return false
}

// Message is the per-send audit row.
type Message struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	Kind                string
	Direction           string
	ToAddress           string
	FromAddress         string
	Content             string
	Segments            int
	ProviderMessageID   string
	Status              string
	ProviderStatus      string
	Error               string
	ConsentVerifiedAt   *time.Time
	QuietHoursCheckedAt *time.Time
	CampaignID          *uuid.UUID
	DeliveredAt         *time.Time
	StatusUpdatedAt     time.Time
	CreatedAt           time.Time
}

// InsertMessage writes a new audit row and returns its id. Outbound rows
// carry the consent / quiet-hours check timestamps stamped at dispatch
// time; inbound rows leave them nil.
func (s *Store) InsertMessage(ctx context.Context, q Querier, m Message) (uuid.UUID, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	query := `
		INSERT INTO messages (
			id, tenant_id, kind, direction, to_address, from_address, content,
			segments, provider_message_id, status, provider_status, error,
			consent_verified_at, quiet_hours_checked_at, campaign_id, delivered_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,$13,$14,$15,$16)
		RETURNING id
	`
	var id uuid.UUID
	err := q.QueryRow(ctx, query, m.ID, m.TenantID, m.Kind, m.Direction,
		m.ToAddress, m.FromAddress, m.Content, m.Segments, m.ProviderMessageID,
		m.Status, m.ProviderStatus, m.Error,
		m.ConsentVerifiedAt, m.QuietHoursCheckedAt, m.CampaignID, m.DeliveredAt).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: insert message: %w", err)
	}
	return id, nil
}

// MarkMessageSent records a successful provider dispatch.
func (s *Store) MarkMessageSent(ctx context.Context, q Querier, id uuid.UUID, providerMessageID string, segments int) error {
	_, err := q.Exec(ctx, `
		UPDATE messages
		SET status = 'sent', provider_message_id = $2, segments = $3,
			error = '', status_updated_at = now()
		WHERE id = $1
	`, id, providerMessageID, segments)
	if err != nil {
		return fmt.Errorf("store: mark message sent: %w", err)
	}
	return nil
}

// MarkMessageFailed records a provider error. The row stays failed if
// every retry exhausts; a later successful attempt overwrites it.
func (s *Store) MarkMessageFailed(ctx context.Context, q Querier, id uuid.UUID, provErr string) error {
	_, err := q.Exec(ctx, `
		UPDATE messages
		SET status = 'failed', error = $2, status_updated_at = now()
		WHERE id = $1
	`, id, provErr)
	if err != nil {
		return fmt.Errorf("store: mark message failed: %w", err)
	}
	return nil
}

// ResolveMessageByProviderID maps a provider message id back to its
// tenant, row id, campaign, and current status. Provider ids are unique
// across tenants, so this lookup runs through a SECURITY DEFINER
// function rather than a tenant-scoped query.
func (s *Store) ResolveMessageByProviderID(ctx context.Context, providerMessageID string) (tenantID, msgID uuid.UUID, campaignID *uuid.UUID, status string, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, message_id, campaign_id, status
		FROM resolve_message_by_provider_id($1)
	`, providerMessageID)
	if scanErr := row.Scan(&tenantID, &msgID, &campaignID, &status); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			err = ErrNotFound
			return
		}
		err = fmt.Errorf("store: resolve message by provider id: %w", scanErr)
	}
	return
}

// UpdateMessageStatus advances a message's delivery status. Transitions
// out of a terminal state are refused: a late 'sent' callback must not
// regress a row that is already delivered or failed. Returns whether the
// update was applied, so replayed webhooks stay idempotent and campaign
// counters are only bumped once.
func (s *Store) UpdateMessageStatus(ctx context.Context, q Querier, id uuid.UUID, status, providerStatus, provErr string, deliveredAt *time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE messages
		SET status = $2, provider_status = $3, error = $4,
			delivered_at = COALESCE($5, delivered_at),
			status_updated_at = now()
		WHERE id = $1
			AND status <> $2
			AND status NOT IN ('delivered', 'failed', 'bounced', 'complained')
	`, id, status, providerStatus, provErr, deliveredAt)
	if err != nil {
		return false, fmt.Errorf("store: update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountOutboundSince counts outbound messages of a kind sent to an
// address within the tenant since the given instant. The compliance gate
// uses it for the trailing-24h per-recipient cap.
func (s *Store) CountOutboundSince(ctx context.Context, q Querier, toAddress, kind string, since time.Time) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE direction = 'outbound'
			AND kind = $1
			AND to_address = $2
			AND created_at > $3
	`, kind, toAddress, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count outbound: %w", err)
	}
	return n, nil
}
