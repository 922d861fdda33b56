package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bloomtext/bloomtext/internal/inbound"
	"github.com/bloomtext/bloomtext/internal/observability/metrics"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

const webhookProvider = "telnyx"

type signatureVerifier interface {
	VerifyWebhookSignature(signature, timestamp string, body []byte) error
}

type reconciler interface {
	OnStatus(ctx context.Context, providerMessageID, providerStatus, provErr string) error
	OnInbound(ctx context.Context, from, to, text, providerMessageID string) (*inbound.InboundResult, error)
}

type processedTracker interface {
	Claim(ctx context.Context, provider, eventID string) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

// TelnyxWebhookHandler receives carrier callbacks. Processing happens
// after the 200 is written: the carrier only needs the ack, and retrying
// on our side (the queue, the provider's redelivery) beats making the
// carrier wait on database work.
type TelnyxWebhookHandler struct {
	verifier       signatureVerifier
	reconciler     reconciler
	processed      processedTracker
	logger         *logging.Logger
	metrics        *metrics.PipelineMetrics
	processTimeout time.Duration
	// wait, when set, blocks until async processing finishes. Tests only.
	wait bool
}

type TelnyxWebhookConfig struct {
	Verifier       signatureVerifier
	Reconciler     reconciler
	Processed      processedTracker
	Logger         *logging.Logger
	Metrics        *metrics.PipelineMetrics
	ProcessTimeout time.Duration
}

func NewTelnyxWebhookHandler(cfg TelnyxWebhookConfig) *TelnyxWebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TelnyxWebhookHandler{
		verifier:       cfg.Verifier,
		reconciler:     cfg.Reconciler,
		processed:      cfg.Processed,
		logger:         logger.WithComponent("http.webhooks"),
		metrics:        cfg.Metrics,
		processTimeout: timeout,
	}
}

type telnyxEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type telnyxEnvelope struct {
	Data telnyxEvent `json:"data"`
}

type telnyxMessagePayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"from"`
	To []struct {
		PhoneNumber string `json:"phone_number"`
		Status      string `json:"status"`
	} `json:"to"`
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func parseTelnyxEvent(body []byte) (telnyxEvent, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return telnyxEvent{}, err
	}
	if env.Data.EventType == "" {
		return telnyxEvent{}, errors.New("missing event_type")
	}
	return env.Data, nil
}

// statusEvents are the delivery lifecycle callbacks we reconcile.
var statusEvents = map[string]bool{
	"message.sent":            true,
	"message.finalized":       true,
	"message.delivered":       true,
	"message.delivery_failed": true,
	"message.failed":          true,
}

// HandleMessages processes Telnyx message webhooks: delivery receipts
// for outbound sends and inbound texts (including STOP/START keywords).
func (h *TelnyxWebhookHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sig := r.Header.Get("Telnyx-Signature-Ed25519")
	ts := r.Header.Get("Telnyx-Timestamp")
	if err := h.verifier.VerifyWebhookSignature(sig, ts, body); err != nil {
		h.logger.Warn("rejected webhook signature", "error", err)
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	evt, err := parseTelnyxEvent(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	h.metrics.ObserveInbound(evt.EventType)

	if evt.ID != "" && h.processed != nil {
		fresh, err := h.processed.Claim(r.Context(), webhookProvider, evt.ID)
		if err != nil {
			h.logger.Error("processed claim failed", "error", err, "event_id", evt.ID)
			respondError(w, http.StatusInternalServerError, "server error")
			return
		}
		if !fresh {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	w.WriteHeader(http.StatusOK)

	run := func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), h.processTimeout)
		defer cancel()
		if err := h.process(ctx, evt); err != nil {
			h.logger.Error("webhook processing failed", "error", err, "event_type", evt.EventType, "event_id", evt.ID)
			if evt.ID != "" && h.processed != nil {
				if relErr := h.processed.Release(ctx, webhookProvider, evt.ID); relErr != nil {
					h.logger.Error("processed release failed", "error", relErr, "event_id", evt.ID)
				}
			}
			return
		}
		h.metrics.ObserveWebhookLatency(evt.EventType, time.Since(start).Seconds())
	}
	if h.wait {
		run()
		return
	}
	go run()
}

func (h *TelnyxWebhookHandler) process(ctx context.Context, evt telnyxEvent) error {
	var payload telnyxMessagePayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}
	switch {
	case evt.EventType == "message.received":
		_, err := h.reconciler.OnInbound(ctx, payload.From.PhoneNumber, firstTo(payload), payload.Text, payload.ID)
		return err
	case statusEvents[evt.EventType]:
		status := deliveryStatus(evt.EventType, payload)
		return h.reconciler.OnStatus(ctx, payload.ID, status, deliveryError(payload))
	default:
		h.logger.Info("ignoring webhook event", "event_type", evt.EventType)
		return nil
	}
}

func firstTo(p telnyxMessagePayload) string {
	if len(p.To) > 0 {
		return p.To[0].PhoneNumber
	}
	return ""
}

// deliveryStatus prefers the per-recipient status from the payload and
// falls back to the event type suffix.
func deliveryStatus(eventType string, p telnyxMessagePayload) string {
	if len(p.To) > 0 && p.To[0].Status != "" {
		return p.To[0].Status
	}
	return strings.TrimPrefix(eventType, "message.")
}

func deliveryError(p telnyxMessagePayload) string {
	if len(p.Errors) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		s := e.Title
		if e.Detail != "" {
			s += ": " + e.Detail
		}
		if e.Code != "" {
			s = e.Code + " " + s
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}
