package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Contact is a tenant-scoped messaging recipient.
type Contact struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	Phone             string
	PrimaryLocationID *uuid.UUID
	SMSConsent        bool
	SMSConsentAt      *time.Time
	SMSConsentMethod  string
	EmailConsent      bool
	EmailConsentAt    *time.Time
	SMSOptedOut       bool
	SMSOptedOutAt     *time.Time
	AgeVerified       bool
	DateOfBirth       *time.Time
	Tags              []string
	Timezone          string
}

const contactColumns = `id, tenant_id, phone, primary_location_id,
	sms_consent, sms_consent_at, sms_consent_method,
	email_consent, email_consent_at,
	sms_opted_out, sms_opted_out_at,
	age_verified, date_of_birth, tags, timezone`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.PrimaryLocationID,
		&c.SMSConsent, &c.SMSConsentAt, &c.SMSConsentMethod,
		&c.EmailConsent, &c.EmailConsentAt,
		&c.SMSOptedOut, &c.SMSOptedOutAt,
		&c.AgeVerified, &c.DateOfBirth, &c.Tags, &c.Timezone)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan contact: %w", err)
	}
	return &c, nil
}

func (s *Store) GetContact(ctx context.Context, q Querier, id uuid.UUID) (*Contact, error) {
	row := q.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

func (s *Store) GetContactByPhone(ctx context.Context, q Querier, e164 string) (*Contact, error) {
	row := q.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE phone = $1`, e164)
	return scanContact(row)
}

// SetOptOut flips the contact-level SMS opt-out flag. Opting back in also
// refreshes consent, which keyword replies are allowed to grant.
func (s *Store) SetOptOut(ctx context.Context, q Querier, contactID uuid.UUID, optedOut bool, method string, at time.Time) error {
	var err error
	if optedOut {
		_, err = q.Exec(ctx, `
			UPDATE contacts
			SET sms_opted_out = TRUE, sms_opted_out_at = $2
			WHERE id = $1
		`, contactID, at)
	} else {
		_, err = q.Exec(ctx, `
			UPDATE contacts
			SET sms_opted_out = FALSE, sms_opted_out_at = NULL,
				sms_consent = TRUE, sms_consent_at = $2, sms_consent_method = $3
			WHERE id = $1
		`, contactID, at, method)
	}
	if err != nil {
		return fmt.Errorf("store: set opt-out: %w", err)
	}
	return nil
}

// RecipientFilter narrows campaign expansion.
type RecipientFilter struct {
	Kind            string
	TargetLocations []uuid.UUID
	TargetTags      []string
}

// ListCampaignRecipients resolves a campaign's audience: age-verified
// contacts holding consent for the channel, minus opt-outs, narrowed by
// location and tag targeting when those sets are nonempty.
func (s *Store) ListCampaignRecipients(ctx context.Context, q Querier, f RecipientFilter) ([]Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts c WHERE c.age_verified = TRUE`
	args := []any{}
	n := 0
	if f.Kind == "sms" || f.Kind == "both" {
		query += ` AND c.sms_consent = TRUE AND c.sms_opted_out = FALSE`
	}
	if f.Kind == "email" || f.Kind == "both" {
		query += ` AND c.email_consent = TRUE`
	}
	if len(f.TargetLocations) > 0 {
		n++
		query += fmt.Sprintf(` AND c.primary_location_id = ANY($%d)`, n)
		args = append(args, f.TargetLocations)
	}
	if len(f.TargetTags) > 0 {
		n++
		query += fmt.Sprintf(` AND c.tags && $%d`, n)
		args = append(args, f.TargetTags)
	}
	query += ` ORDER BY c.created_at`
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list campaign recipients: %w", err)
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
