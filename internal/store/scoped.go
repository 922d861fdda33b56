package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Scoped convenience reads. Each opens a short tenant transaction so
// callers that only need a single row never touch scope plumbing.

func (s *Store) GetContactScoped(ctx context.Context, tenantID, contactID uuid.UUID) (*Contact, error) {
	var c *Contact
	err := s.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		var err error
		c, err = s.GetContact(ctx, tx, contactID)
		return err
	})
	return c, err
}

func (s *Store) GetLocationScoped(ctx context.Context, tenantID, locationID uuid.UUID) (*Location, error) {
	var l *Location
	err := s.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		var err error
		l, err = s.GetLocation(ctx, tx, locationID)
		return err
	})
	return l, err
}

func (s *Store) CountOutboundSinceScoped(ctx context.Context, tenantID uuid.UUID, toAddress, kind string, since time.Time) (int, error) {
	var n int
	err := s.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		var err error
		n, err = s.CountOutboundSince(ctx, tx, toAddress, kind, since)
		return err
	})
	return n, err
}

func (s *Store) GetCampaignScoped(ctx context.Context, tenantID, campaignID uuid.UUID) (*Campaign, error) {
	var c *Campaign
	err := s.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		var err error
		c, err = s.GetCampaign(ctx, tx, campaignID)
		return err
	})
	return c, err
}
