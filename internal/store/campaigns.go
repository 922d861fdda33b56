package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Campaign statuses. sent is terminal; cancelled and paused are reachable
// from any non-terminal state.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignQueued    = "queued"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignPaused    = "paused"
	CampaignCancelled = "cancelled"
)

// Campaign is a one-time broadcast to a filtered recipient set.
type Campaign struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Kind            string
	SMSContent      string
	EmailSubject    string
	EmailContent    string
	TargetLocations []uuid.UUID
	TargetTags      []string
	Status          string
	TotalRecipients int
	SentCount       int
	DeliveredCount  int
	FailedCount     int
	OpenedCount     int
	ClickedCount    int
	OptedOutCount   int
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (s *Store) GetCampaign(ctx context.Context, q Querier, id uuid.UUID) (*Campaign, error) {
	row := q.QueryRow(ctx, `
		SELECT id, tenant_id, kind, COALESCE(sms_content, ''),
			COALESCE(email_subject, ''), COALESCE(email_content, ''),
			target_locations, target_tags, status,
			total_recipients, sent_count, delivered_count, failed_count,
			opened_count, clicked_count, opted_out_count,
			started_at, completed_at
		FROM campaigns
		WHERE id = $1
	`, id)
	var c Campaign
	err := row.Scan(&c.ID, &c.TenantID, &c.Kind, &c.SMSContent,
		&c.EmailSubject, &c.EmailContent,
		&c.TargetLocations, &c.TargetTags, &c.Status,
		&c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.FailedCount,
		&c.OpenedCount, &c.ClickedCount, &c.OptedOutCount,
		&c.StartedAt, &c.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get campaign: %w", err)
	}
	return &c, nil
}

// MarkCampaignQueued moves a launchable campaign to queued. The status
// check lives in the caller's transaction.
func (s *Store) MarkCampaignQueued(ctx context.Context, q Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE campaigns SET status = 'queued' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark campaign queued: %w", err)
	}
	return nil
}

// MarkCampaignSending stamps the expansion start.
func (s *Store) MarkCampaignSending(ctx context.Context, q Querier, id uuid.UUID, totalRecipients int) error {
	_, err := q.Exec(ctx, `
		UPDATE campaigns
		SET status = 'sending', total_recipients = $2, started_at = now()
		WHERE id = $1
	`, id, totalRecipients)
	if err != nil {
		return fmt.Errorf("store: mark campaign sending: %w", err)
	}
	return nil
}

// MarkCampaignSent stamps expansion completion. Per-send outcomes keep
// updating the counters asynchronously afterwards.
func (s *Store) MarkCampaignSent(ctx context.Context, q Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE campaigns
		SET status = 'sent', completed_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("store: mark campaign sent: %w", err)
	}
	return nil
}

// Campaign counter columns the reconciler may increment.
const (
	CounterSent      = "sent_count"
	CounterDelivered = "delivered_count"
	CounterFailed    = "failed_count"
	CounterOptedOut  = "opted_out_count"
)

var counterColumns = map[string]bool{
	CounterSent:      true,
	CounterDelivered: true,
	CounterFailed:    true,
	CounterOptedOut:  true,
}

// IncrementCampaignCounter bumps one aggregate counter. The increment is
// a single UPDATE, so concurrent webhook deliveries for the same
// campaign serialize on the row without losing updates.
func (s *Store) IncrementCampaignCounter(ctx context.Context, q Querier, id uuid.UUID, counter string) error {
	if !counterColumns[counter] {
		return fmt.Errorf("store: unknown campaign counter %q", counter)
	}
	query := fmt.Sprintf(`UPDATE campaigns SET %s = %s + 1 WHERE id = $1`, counter, counter)
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: increment campaign counter: %w", err)
	}
	return nil
}

// DecrementCampaignCounter undoes one tally when a later carrier
// callback moves a message into a different bucket, floored at zero.
func (s *Store) DecrementCampaignCounter(ctx context.Context, q Querier, id uuid.UUID, counter string) error {
	if !counterColumns[counter] {
		return fmt.Errorf("store: unknown campaign counter %q", counter)
	}
	query := fmt.Sprintf(`UPDATE campaigns SET %s = GREATEST(%s - 1, 0) WHERE id = $1`, counter, counter)
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: decrement campaign counter: %w", err)
	}
	return nil
}
