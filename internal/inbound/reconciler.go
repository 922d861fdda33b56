// Package inbound reconciles carrier webhooks with stored state: status
// transitions for outbound messages, inbound texts, and STOP/START
// keyword handling with audited opt-out recording.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bloomtext/bloomtext/internal/observability/metrics"
	"github.com/bloomtext/bloomtext/internal/phone"
	"github.com/bloomtext/bloomtext/internal/provider"
	"github.com/bloomtext/bloomtext/internal/store"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

// statusMap translates provider delivery statuses to internal ones.
// Unknown values pass through untranslated.
var statusMap = map[string]string{
	"queued":               store.StatusQueued,
	"sending":              store.StatusSending,
	"sent":                 store.StatusSent,
	"delivered":            store.StatusDelivered,
	"delivery_failed":      store.StatusFailed,
	"delivery_unconfirmed": store.StatusSent,
}

// InboundResult describes what an inbound text triggered.
type InboundResult struct {
	Action    string // opted_out, opted_in, received, dropped
	TenantID  uuid.UUID
	ContactID uuid.UUID
}

// Sender sends the opt-out / opt-in confirmation texts.
type Sender interface {
	Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error)
}

// Store is the persistence surface the reconciler uses.
type Store interface {
	InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error
	ResolveLocationByNumber(ctx context.Context, e164 string) (*store.Location, error)
	ResolveMessageByProviderID(ctx context.Context, providerMessageID string) (tenantID, msgID uuid.UUID, campaignID *uuid.UUID, status string, err error)
	UpdateMessageStatus(ctx context.Context, q store.Querier, id uuid.UUID, status, providerStatus, provErr string, deliveredAt *time.Time) (bool, error)
	IncrementCampaignCounter(ctx context.Context, q store.Querier, id uuid.UUID, counter string) error
	DecrementCampaignCounter(ctx context.Context, q store.Querier, id uuid.UUID, counter string) error
	GetContactByPhone(ctx context.Context, q store.Querier, e164 string) (*store.Contact, error)
	SetOptOut(ctx context.Context, q store.Querier, contactID uuid.UUID, optedOut bool, method string, at time.Time) error
	InsertMessage(ctx context.Context, q store.Querier, m store.Message) (uuid.UUID, error)
	InsertOptOutLog(ctx context.Context, q store.Querier, e store.OptOutLogEntry) error
	UpsertGlobalOptOut(ctx context.Context, e164 string, sourceTenant uuid.UUID) error
	DeleteGlobalOptOut(ctx context.Context, e164 string) error
}

// Reconciler applies carrier callbacks to stored state.
type Reconciler struct {
	store          Store
	sender         Sender
	optOutKeywords map[string]bool
	optInKeywords  map[string]bool
	optOutReply    string
	optInReply     string
	profileID      string
	logger         *logging.Logger
	metrics        *metrics.PipelineMetrics
	now            func() time.Time
}

// Config configures a Reconciler.
type Config struct {
	Store          Store
	Sender         Sender
	OptOutKeywords []string
	OptInKeywords  []string
	OptOutReply    string
	OptInReply     string
	ProfileID      string
	Logger         *logging.Logger
	Metrics        *metrics.PipelineMetrics
	Now            func() time.Time
}

func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	outKeywords := cfg.OptOutKeywords
	if len(outKeywords) == 0 {
		outKeywords = []string{"STOP", "UNSUBSCRIBE", "CANCEL", "END", "QUIT"}
	}
	inKeywords := cfg.OptInKeywords
	if len(inKeywords) == 0 {
		inKeywords = []string{"START", "YES", "SUBSCRIBE", "UNSTOP"}
	}
	return &Reconciler{
		store:          cfg.Store,
		sender:         cfg.Sender,
		optOutKeywords: keywordSet(outKeywords),
		optInKeywords:  keywordSet(inKeywords),
		optOutReply:    cfg.OptOutReply,
		optInReply:     cfg.OptInReply,
		profileID:      cfg.ProfileID,
		logger:         logger.WithComponent("inbound"),
		metrics:        cfg.Metrics,
		now:            now,
	}
}

func keywordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.ToUpper(strings.TrimSpace(w))] = true
	}
	return set
}

// OnStatus advances a message row from a provider delivery callback. The
// provider id is globally unique, so the tenant is resolved from the row
// itself. Terminal states never regress, and a replayed callback is a
// no-op, which keeps campaign counters exact.
//
// Counter ownership: the dispatch worker tallies sent_count (and
// failed_count on exhaustion) when it talks to the carrier; this path
// owns delivered_count and the failed_count correction when a message
// the worker counted as sent later fails in delivery.
func (r *Reconciler) OnStatus(ctx context.Context, providerMessageID, providerStatus, provErr string) error {
	status, ok := statusMap[strings.ToLower(providerStatus)]
	if !ok {
		status = providerStatus
	}
	tenantID, msgID, campaignID, current, err := r.store.ResolveMessageByProviderID(ctx, providerMessageID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("status callback for unknown provider id", "provider_message_id", providerMessageID)
		return nil
	}
	if err != nil {
		return err
	}
	if store.IsTerminalStatus(current) {
		// Nothing can transition out of a terminal state; skip the tx.
		return nil
	}
	var deliveredAt *time.Time
	if status == store.StatusDelivered {
		now := r.now()
		deliveredAt = &now
	}
	return r.store.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		applied, err := r.store.UpdateMessageStatus(ctx, tx, msgID, status, providerStatus, provErr, deliveredAt)
		if err != nil {
			return err
		}
		if !applied || campaignID == nil {
			return nil
		}
		switch status {
		case store.StatusDelivered:
			return r.store.IncrementCampaignCounter(ctx, tx, *campaignID, store.CounterDelivered)
		case store.StatusFailed:
			if err := r.store.IncrementCampaignCounter(ctx, tx, *campaignID, store.CounterFailed); err != nil {
				return err
			}
			if current == store.StatusSent {
				// The worker tallied this message as sent when the carrier
				// accepted it; move it to the failed bucket.
				return r.store.DecrementCampaignCounter(ctx, tx, *campaignID, store.CounterSent)
			}
			return nil
		default:
			return nil
		}
	})
}

// OnInbound processes an inbound text: persist it, then run keyword
// opt-out/opt-in handling. Texts to numbers we do not own are dropped
// with a warning and nothing is persisted.
func (r *Reconciler) OnInbound(ctx context.Context, from, to, text, providerMessageID string) (*InboundResult, error) {
	fromE164 := phone.NormalizeE164(from)
	toE164 := phone.NormalizeE164(to)

	location, err := r.store.ResolveLocationByNumber(ctx, toE164)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("inbound for unknown destination number", "to", toE164)
		return &InboundResult{Action: "dropped"}, nil
	}
	if err != nil {
		return nil, err
	}
	tenantID := location.TenantID

	var contact *store.Contact
	err = r.store.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		c, err := r.store.GetContactByPhone(ctx, tx, fromE164)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		contact = c
		_, err = r.store.InsertMessage(ctx, tx, store.Message{
			TenantID:          tenantID,
			Kind:              "sms",
			Direction:         "inbound",
			ToAddress:         toE164,
			FromAddress:       fromE164,
			Content:           text,
			ProviderMessageID: providerMessageID,
			Status:            store.StatusDelivered,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inbound: persist message: %w", err)
	}

	keyword := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case r.optOutKeywords[keyword]:
		return r.handleOptOut(ctx, tenantID, location, contact, fromE164, toE164)
	case r.optInKeywords[keyword]:
		return r.handleOptIn(ctx, tenantID, location, contact, fromE164, toE164)
	default:
		return &InboundResult{Action: "received", TenantID: tenantID}, nil
	}
}

// handleOptOut flips the contact flag, appends the audit row, records
// the phone on the cross-tenant blacklist, and confirms by text. Rerun
// for an already-opted-out contact everything is idempotent except the
// extra audit row, which is intentional.
func (r *Reconciler) handleOptOut(ctx context.Context, tenantID uuid.UUID, location *store.Location, contact *store.Contact, fromE164, toE164 string) (*InboundResult, error) {
	now := r.now()
	result := &InboundResult{Action: "opted_out", TenantID: tenantID}
	err := r.store.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		if contact != nil {
			result.ContactID = contact.ID
			if err := r.store.SetOptOut(ctx, tx, contact.ID, true, store.OptMethodKeywordReply, now); err != nil {
				return err
			}
			return r.store.InsertOptOutLog(ctx, tx, store.OptOutLogEntry{
				TenantID:  tenantID,
				ContactID: contact.ID,
				Channel:   "sms",
				Address:   fromE164,
				Action:    store.OptActionOut,
				Method:    store.OptMethodKeywordReply,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inbound: record opt-out: %w", err)
	}
	if err := r.store.UpsertGlobalOptOut(ctx, fromE164, tenantID); err != nil {
		return nil, err
	}
	r.sendConfirmation(ctx, tenantID, toE164, fromE164, r.optOutReply)
	return result, nil
}

// handleOptIn clears the opt-out flag, regrants consent with method
// keyword_reply, and removes the phone from the blacklist.
func (r *Reconciler) handleOptIn(ctx context.Context, tenantID uuid.UUID, location *store.Location, contact *store.Contact, fromE164, toE164 string) (*InboundResult, error) {
	now := r.now()
	result := &InboundResult{Action: "opted_in", TenantID: tenantID}
	err := r.store.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		if contact != nil {
			result.ContactID = contact.ID
			if err := r.store.SetOptOut(ctx, tx, contact.ID, false, store.OptMethodKeywordReply, now); err != nil {
				return err
			}
			return r.store.InsertOptOutLog(ctx, tx, store.OptOutLogEntry{
				TenantID:  tenantID,
				ContactID: contact.ID,
				Channel:   "sms",
				Address:   fromE164,
				Action:    store.OptActionIn,
				Method:    store.OptMethodKeywordReply,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inbound: record opt-in: %w", err)
	}
	if err := r.store.DeleteGlobalOptOut(ctx, fromE164); err != nil {
		return nil, err
	}
	r.sendConfirmation(ctx, tenantID, toE164, fromE164, r.optInReply)
	return result, nil
}

// sendConfirmation replies from the number the recipient texted and
// records the reply as an outbound audit row. This is the one outbound
// path that bypasses the compliance gate: carriers require the
// confirmation even though the contact just opted out, and it targets a
// phone number, not a contact.
func (r *Reconciler) sendConfirmation(ctx context.Context, tenantID uuid.UUID, from, to, body string) {
	if body == "" || r.sender == nil {
		return
	}
	req := provider.SendRequest{From: from, To: to, Text: body}
	if from == "" {
		req.MessagingProfileID = r.profileID
	}
	msg := store.Message{
		TenantID:    tenantID,
		Kind:        "sms",
		Direction:   "outbound",
		ToAddress:   to,
		FromAddress: from,
		Content:     body,
	}
	if msg.FromAddress == "" {
		msg.FromAddress = r.profileID
	}
	result, err := r.sender.Send(ctx, req)
	if err != nil {
		r.logger.Warn("failed to send confirmation reply", "error", err, "to", to)
		msg.Status = store.StatusFailed
		msg.Error = err.Error()
	} else {
		msg.Status = store.StatusSent
		msg.ProviderMessageID = result.ProviderID
		msg.Segments = result.Segments
	}
	insertErr := r.store.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := r.store.InsertMessage(ctx, tx, msg)
		return err
	})
	if insertErr != nil {
		r.logger.Error("failed to record confirmation reply", "error", insertErr, "to", to)
	}
}
