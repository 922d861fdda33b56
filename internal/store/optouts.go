package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Opt-out log actions and capture methods.
const (
	OptActionOut = "opt_out"
	OptActionIn  = "opt_in"

	OptMethodKeywordReply = "keyword_reply"
	OptMethodLinkClick    = "link_click"
	OptMethodManual       = "manual"
	OptMethodImport       = "import"
)

// OptOutLogEntry is an immutable audit record of a consent change.
type OptOutLogEntry struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ContactID       uuid.UUID
	Channel         string
	Address         string
	Action          string
	Method          string
	SourceMessageID *uuid.UUID
}

// InsertOptOutLog appends an audit row. The log is append-only, so
// repeating an opt-out adds a new row every time.
func (s *Store) InsertOptOutLog(ctx context.Context, q Querier, e OptOutLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO opt_out_log (id, tenant_id, contact_id, channel, address, action, method, source_message_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.TenantID, e.ContactID, e.Channel, e.Address, e.Action, e.Method, e.SourceMessageID)
	if err != nil {
		return fmt.Errorf("store: insert opt-out log: %w", err)
	}
	return nil
}

// UpsertGlobalOptOut records a phone on the cross-tenant blacklist. The
// insert ignores conflicts, so concurrent opt-outs from any tenant
// commute; the first recording tenant wins as source.
func (s *Store) UpsertGlobalOptOut(ctx context.Context, e164 string, sourceTenant uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO global_opt_outs (phone, source_tenant_id)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO NOTHING
	`, e164, sourceTenant)
	if err != nil {
		return fmt.Errorf("store: upsert global opt-out: %w", err)
	}
	return nil
}

// DeleteGlobalOptOut removes a phone from the blacklist on opt-in.
func (s *Store) DeleteGlobalOptOut(ctx context.Context, e164 string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM global_opt_outs WHERE phone = $1`, e164)
	if err != nil {
		return fmt.Errorf("store: delete global opt-out: %w", err)
	}
	return nil
}

// IsGloballyOptedOut reports whether a phone appears on the cross-tenant
// blacklist. global_opt_outs is RLS-exempt; any tenant's gate consults it.
func (s *Store) IsGloballyOptedOut(ctx context.Context, e164 string) (bool, error) {
	var exists int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM global_opt_outs WHERE phone = $1`, e164).Scan(&exists)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check global opt-out: %w", err)
	}
	return true, nil
}
