package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Location is a tenant's physical retail site. SMSPhoneNumber may be
// empty, in which case sends fall back to the default messaging profile.
type Location struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	State          string
	Timezone       string
	SMSPhoneNumber string
}

func (s *Store) GetLocation(ctx context.Context, q Querier, id uuid.UUID) (*Location, error) {
	row := q.QueryRow(ctx, `
		SELECT id, tenant_id, state, timezone, COALESCE(sms_phone_number, '')
		FROM locations
		WHERE id = $1
	`, id)
	var l Location
	if err := row.Scan(&l.ID, &l.TenantID, &l.State, &l.Timezone, &l.SMSPhoneNumber); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get location: %w", err)
	}
	return &l, nil
}

// ResolveLocationByNumber maps an inbound destination number to its
// tenant and location. Inbound webhooks arrive with no tenant context,
// so this goes through a SECURITY DEFINER function instead of punching a
// hole in the locations RLS policy.
func (s *Store) ResolveLocationByNumber(ctx context.Context, e164 string) (*Location, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, location_id, state, timezone, sms_phone_number
		FROM resolve_location_by_number($1)
	`, e164)
	var l Location
	if err := row.Scan(&l.TenantID, &l.ID, &l.State, &l.Timezone, &l.SMSPhoneNumber); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: resolve location by number: %w", err)
	}
	return &l, nil
}
