package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bloomtext/bloomtext/internal/compliance"
	"github.com/bloomtext/bloomtext/internal/provider"
	"github.com/bloomtext/bloomtext/internal/queue"
	"github.com/bloomtext/bloomtext/internal/store"
)

// HandleSend is the SMS worker body. The compliance gate runs again here
// because the recipient may have opted out, or the clock crossed into
// quiet hours, between enqueue and dispatch.
//
// Outcomes: BLOCK finalizes the job without retry (a block is a business
// outcome, not a transport error); DEFER re-enqueues with the new delay
// and succeeds; ALLOW inserts the audit row, dispatches, and returns the
// provider error so the queue retries transport failures.
func (s *Service) HandleSend(ctx context.Context, job *queue.Job) error {
	var p SendJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		// A payload that never parses will never parse; drop it.
		s.logger.Error("malformed send job dropped", "job_id", job.ID, "error", err)
		return nil
	}
	ev, err := s.gate.Evaluate(ctx, p.TenantID, p.ContactID, compliance.KindSMS)
	if err != nil {
		return err
	}
	s.metrics.ObserveDecision(ev.Decision, "dispatch")

	switch ev.Decision {
	case compliance.DecisionBlock:
		s.logger.Info("send blocked at dispatch",
			"tenant_id", p.TenantID, "contact_id", p.ContactID, "reasons", ev.Reasons)
		s.metrics.ObserveOutbound("blocked")
		s.recordCampaignBlock(ctx, p.TenantID, p.CampaignID, ev)
		return nil
	case compliance.DecisionDefer:
		delay := time.Until(*ev.RetryAfter)
		if delay < 0 {
			delay = 0
		}
		s.logger.Info("send deferred at dispatch",
			"tenant_id", p.TenantID, "contact_id", p.ContactID, "retry_after", ev.RetryAfter)
		return s.smsQueue.Reschedule(ctx, job, delay)
	}

	contact := ev.Contact
	now := s.now()
	var msgID uuid.UUID
	var fromNumber, profileID string
	err = s.store.InTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
		var txErr error
		fromNumber, profileID, txErr = s.resolveFrom(ctx, tx, p, contact)
		if txErr != nil {
			return txErr
		}
		fromAddress := fromNumber
		if fromAddress == "" {
			fromAddress = profileID
		}
		msgID, txErr = s.store.InsertMessage(ctx, tx, store.Message{
			TenantID:            p.TenantID,
			Kind:                compliance.KindSMS,
			Direction:           "outbound",
			ToAddress:           contact.Phone,
			FromAddress:         fromAddress,
			Content:             p.Content,
			Status:              store.StatusQueued,
			ConsentVerifiedAt:   &now,
			QuietHoursCheckedAt: &now,
			CampaignID:          p.CampaignID,
		})
		return txErr
	})
	if err != nil {
		return err
	}

	result, sendErr := s.sender.Send(ctx, provider.SendRequest{
		To:                 contact.Phone,
		From:               fromNumber,
		MessagingProfileID: profileID,
		Text:               p.Content,
	})
	if sendErr != nil {
		s.metrics.ObserveOutbound("failed")
		// The campaign tally only moves on the last try; earlier failures
		// are retried by the queue and may still succeed.
		exhausted := job.Attempt+1 >= job.MaxAttempts
		updateErr := s.store.InTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
			if err := s.store.MarkMessageFailed(ctx, tx, msgID, sendErr.Error()); err != nil {
				return err
			}
			if exhausted && p.CampaignID != nil {
				return s.store.IncrementCampaignCounter(ctx, tx, *p.CampaignID, store.CounterFailed)
			}
			return nil
		})
		if updateErr != nil {
			s.logger.Error("failed to record provider error", "error", updateErr, "message_id", msgID)
		}
		return sendErr
	}
	s.metrics.ObserveOutbound("sent")
	// sent_count is tallied here, not by the carrier's sent receipt: the
	// row is already 'sent' by the time that webhook resolves it, so the
	// reconciler's applied guard would refuse the transition.
	return s.store.InTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
		if err := s.store.MarkMessageSent(ctx, tx, msgID, result.ProviderID, result.Segments); err != nil {
			return err
		}
		if p.CampaignID != nil {
			return s.store.IncrementCampaignCounter(ctx, tx, *p.CampaignID, store.CounterSent)
		}
		return nil
	})
}
