package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bloomtext/bloomtext/internal/inbound"
)

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) VerifyWebhookSignature(signature, timestamp string, body []byte) error {
	return f.err
}

type statusCall struct {
	providerID string
	status     string
	provErr    string
}

type inboundCall struct {
	from, to, text, providerID string
}

type fakeReconciler struct {
	statusCalls  []statusCall
	inboundCalls []inboundCall
	err          error
}

func (f *fakeReconciler) OnStatus(ctx context.Context, providerMessageID, providerStatus, provErr string) error {
	f.statusCalls = append(f.statusCalls, statusCall{providerMessageID, providerStatus, provErr})
	return f.err
}

func (f *fakeReconciler) OnInbound(ctx context.Context, from, to, text, providerMessageID string) (*inbound.InboundResult, error) {
	f.inboundCalls = append(f.inboundCalls, inboundCall{from, to, text, providerMessageID})
	if f.err != nil {
		return nil, f.err
	}
	return &inbound.InboundResult{Action: "received"}, nil
}

type fakeProcessed struct {
	claimed  map[string]bool
	released []string
}

func newFakeProcessed() *fakeProcessed {
	return &fakeProcessed{claimed: map[string]bool{}}
}

func (f *fakeProcessed) Claim(ctx context.Context, provider, eventID string) (bool, error) {
	key := provider + ":" + eventID
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func (f *fakeProcessed) Release(ctx context.Context, provider, eventID string) error {
	f.released = append(f.released, eventID)
	delete(f.claimed, provider+":"+eventID)
	return nil
}

func newTestWebhookHandler(verifier signatureVerifier, rec reconciler, processed processedTracker) *TelnyxWebhookHandler {
	h := NewTelnyxWebhookHandler(TelnyxWebhookConfig{
		Verifier:   verifier,
		Reconciler: rec,
		Processed:  processed,
	})
	h.wait = true
	return h
}

func postWebhook(h *TelnyxWebhookHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/messages", strings.NewReader(body))
	req.Header.Set("Telnyx-Signature-Ed25519", "sig")
	req.Header.Set("Telnyx-Timestamp", "1700000000")
	rec := httptest.NewRecorder()
	h.HandleMessages(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	rc := &fakeReconciler{}
	h := newTestWebhookHandler(&fakeVerifier{err: errors.New("bad sig")}, rc, newFakeProcessed())

	rec := postWebhook(h, `{"data":{"id":"evt_1","event_type":"message.delivered","payload":{}}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(rc.statusCalls) != 0 {
		t.Fatal("unverified payload must not be processed")
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	h := newTestWebhookHandler(&fakeVerifier{}, &fakeReconciler{}, newFakeProcessed())
	if rec := postWebhook(h, `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec := postWebhook(h, `{"data":{"id":"evt_1"}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing event_type: status = %d, want 400", rec.Code)
	}
}

func TestWebhookStatusEventReconciled(t *testing.T) {
	rc := &fakeReconciler{}
	h := newTestWebhookHandler(&fakeVerifier{}, rc, newFakeProcessed())

	body := `{"data":{"id":"evt_1","event_type":"message.finalized","payload":{
		"id":"msg_1",
		"to":[{"phone_number":"+15551234567","status":"delivered"}],
		"errors":[]
	}}}`
	rec := postWebhook(h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rc.statusCalls) != 1 {
		t.Fatalf("statusCalls = %+v", rc.statusCalls)
	}
	got := rc.statusCalls[0]
	if got.providerID != "msg_1" || got.status != "delivered" {
		t.Fatalf("call = %+v", got)
	}
}

func TestWebhookFailedEventCarriesCarrierError(t *testing.T) {
	rc := &fakeReconciler{}
	h := newTestWebhookHandler(&fakeVerifier{}, rc, newFakeProcessed())

	body := `{"data":{"id":"evt_2","event_type":"message.failed","payload":{
		"id":"msg_2",
		"to":[{"phone_number":"+15551234567","status":"delivery_failed"}],
		"errors":[{"code":"40300","title":"Blocked number","detail":"spam filter"}]
	}}}`
	postWebhook(h, body)
	if len(rc.statusCalls) != 1 {
		t.Fatalf("statusCalls = %+v", rc.statusCalls)
	}
	got := rc.statusCalls[0]
	if got.status != "delivery_failed" {
		t.Fatalf("status = %s", got.status)
	}
	if !strings.Contains(got.provErr, "Blocked number") || !strings.Contains(got.provErr, "40300") {
		t.Fatalf("provErr = %q", got.provErr)
	}
}

func TestWebhookDeliveryFailedEventReconciled(t *testing.T) {
	rc := &fakeReconciler{}
	h := newTestWebhookHandler(&fakeVerifier{}, rc, newFakeProcessed())

	body := `{"data":{"id":"evt_3","event_type":"message.delivery_failed","payload":{
		"id":"msg_3",
		"to":[{"phone_number":"+15551234567"}],
		"errors":[{"code":"40008","title":"Carrier rejected"}]
	}}}`
	postWebhook(h, body)
	if len(rc.statusCalls) != 1 {
		t.Fatalf("statusCalls = %+v", rc.statusCalls)
	}
	got := rc.statusCalls[0]
	if got.providerID != "msg_3" || got.status != "delivery_failed" {
		t.Fatalf("call = %+v", got)
	}
}

func TestWebhookInboundTextRouted(t *testing.T) {
	rc := &fakeReconciler{}
	h := newTestWebhookHandler(&fakeVerifier{}, rc, newFakeProcessed())

	body := `{"data":{"id":"evt_3","event_type":"message.received","payload":{
		"id":"msg_3",
		"text":"STOP",
		"from":{"phone_number":"+15551234567"},
		"to":[{"phone_number":"+15550001111"}]
	}}}`
	rec := postWebhook(h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rc.inboundCalls) != 1 {
		t.Fatalf("inboundCalls = %+v", rc.inboundCalls)
	}
	got := rc.inboundCalls[0]
	if got.from != "+15551234567" || got.to != "+15550001111" || got.text != "STOP" || got.providerID != "msg_3" {
		t.Fatalf("call = %+v", got)
	}
}

func TestWebhookDuplicateEventAckedWithoutProcessing(t *testing.T) {
	rc := &fakeReconciler{}
	processed := newFakeProcessed()
	h := newTestWebhookHandler(&fakeVerifier{}, rc, processed)

	body := `{"data":{"id":"evt_dup","event_type":"message.delivered","payload":{"id":"msg_1"}}}`
	if rec := postWebhook(h, body); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d", rec.Code)
	}
	if rec := postWebhook(h, body); rec.Code != http.StatusOK {
		t.Fatalf("replay: status = %d", rec.Code)
	}
	if len(rc.statusCalls) != 1 {
		t.Fatalf("statusCalls = %d, want 1 (replay must be absorbed)", len(rc.statusCalls))
	}
}

func TestWebhookReleasesClaimOnProcessingFailure(t *testing.T) {
	rc := &fakeReconciler{err: errors.New("db down")}
	processed := newFakeProcessed()
	h := newTestWebhookHandler(&fakeVerifier{}, rc, processed)

	body := `{"data":{"id":"evt_err","event_type":"message.delivered","payload":{"id":"msg_1"}}}`
	rec := postWebhook(h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even on processing failure", rec.Code)
	}
	if len(processed.released) != 1 || processed.released[0] != "evt_err" {
		t.Fatalf("released = %v, want the claim returned for redelivery", processed.released)
	}
}

func TestWebhookIgnoresUnknownEventTypes(t *testing.T) {
	rc := &fakeReconciler{}
	h := newTestWebhookHandler(&fakeVerifier{}, rc, newFakeProcessed())

	rec := postWebhook(h, `{"data":{"id":"evt_4","event_type":"number.order.complete","payload":{}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rc.statusCalls)+len(rc.inboundCalls) != 0 {
		t.Fatal("unrelated events must not be reconciled")
	}
}
