package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/bloomtext/bloomtext/internal/queue"
	"github.com/bloomtext/bloomtext/internal/store"
)

// HandleCampaign expands one campaign into per-recipient send jobs.
// Each recipient goes through the same DEFER-aware QueueSend path as the
// single-send API, so quiet hours produce per-recipient delays instead
// of stalling the whole campaign.
func (s *Service) HandleCampaign(ctx context.Context, job *queue.Job) error {
	var p CampaignJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		s.logger.Error("malformed campaign job dropped", "job_id", job.ID, "error", err)
		return nil
	}

	var campaign *store.Campaign
	var recipients []store.Contact
	err := s.store.InTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
		var txErr error
		campaign, txErr = s.store.GetCampaign(ctx, tx, p.CampaignID)
		if txErr != nil {
			return txErr
		}
		recipients, txErr = s.store.ListCampaignRecipients(ctx, tx, store.RecipientFilter{
			Kind:            campaign.Kind,
			TargetLocations: campaign.TargetLocations,
			TargetTags:      campaign.TargetTags,
		})
		if txErr != nil {
			return txErr
		}
		return s.store.MarkCampaignSending(ctx, tx, p.CampaignID, len(recipients))
	})
	if errors.Is(err, store.ErrNotFound) {
		// Retrying a missing campaign has no value.
		s.logger.Error("campaign not found", "tenant_id", p.TenantID, "campaign_id", p.CampaignID)
		return nil
	}
	if err != nil {
		return err
	}

	campaignID := p.CampaignID
	for i := range recipients {
		contact := &recipients[i]
		_, sendErr := s.QueueSend(ctx, SendJob{
			TenantID:   p.TenantID,
			ContactID:  contact.ID,
			Content:    campaign.SMSContent,
			CampaignID: &campaignID,
		})
		var blocked *BlockedError
		if errors.As(sendErr, &blocked) {
			// The recipient query already filtered consent and opt-outs;
			// an enqueue-time block means state changed underneath us.
			s.logger.Info("campaign recipient blocked",
				"campaign_id", campaignID, "contact_id", contact.ID, "reasons", blocked.Reasons)
			counterErr := s.store.InTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
				return s.store.IncrementCampaignCounter(ctx, tx, campaignID, store.CounterOptedOut)
			})
			if counterErr != nil {
				s.logger.Error("campaign counter update failed", "error", counterErr)
			}
			continue
		}
		if sendErr != nil {
			s.logger.Error("campaign recipient enqueue failed",
				"error", sendErr, "campaign_id", campaignID, "contact_id", contact.ID)
			counterErr := s.store.InTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
				return s.store.IncrementCampaignCounter(ctx, tx, campaignID, store.CounterFailed)
			})
			if counterErr != nil {
				s.logger.Error("campaign counter update failed", "error", counterErr)
			}
		}
	}

	return s.store.InTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
		return s.store.MarkCampaignSent(ctx, tx, p.CampaignID)
	})
}
