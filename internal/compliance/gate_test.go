package compliance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bloomtext/bloomtext/internal/store"
)

type fakeGateStore struct {
	contact       *store.Contact
	location      *store.Location
	outboundCount int
	globallyOut   bool
}

func (f *fakeGateStore) GetContactScoped(ctx context.Context, tenantID, contactID uuid.UUID) (*store.Contact, error) {
	if f.contact == nil {
		return nil, store.ErrNotFound
	}
	return f.contact, nil
}

func (f *fakeGateStore) GetLocationScoped(ctx context.Context, tenantID, locationID uuid.UUID) (*store.Location, error) {
	if f.location == nil {
		return nil, store.ErrNotFound
	}
	return f.location, nil
}

func (f *fakeGateStore) CountOutboundSinceScoped(ctx context.Context, tenantID uuid.UUID, toAddress, kind string, since time.Time) (int, error) {
	return f.outboundCount, nil
}

func (f *fakeGateStore) IsGloballyOptedOut(ctx context.Context, e164 string) (bool, error) {
	return f.globallyOut, nil
}

func goodContact() *store.Contact {
	consentAt := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	dob := time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC)
	return &store.Contact{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		Phone:        "+15551234567",
		SMSConsent:   true,
		SMSConsentAt: &consentAt,
		EmailConsent: true,
		AgeVerified:  true,
		DateOfBirth:  &dob,
		Timezone:     "UTC",
	}
}

// noonGate evaluates with a fixed clock at 12:00 UTC, safely outside the
// 21:00-08:00 window.
func noonGate(st Store) *Gate {
	return newTestGate(st, time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC))
}

func newTestGate(st Store, now time.Time) *Gate {
	w, _ := ParseWindow("21:00", "08:00")
	return NewGate(GateConfig{
		Store:     st,
		Window:    w,
		DefaultTZ: "UTC",
		MaxPerDay: 3,
		Now:       func() time.Time { return now },
	})
}

func TestGateAllow(t *testing.T) {
	st := &fakeGateStore{contact: goodContact()}
	ev, err := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Decision != DecisionAllow {
		t.Fatalf("decision = %s, reasons %v", ev.Decision, ev.Reasons)
	}
	if len(ev.Checks) != 7 {
		t.Fatalf("expected 7 checks recorded, got %d", len(ev.Checks))
	}
	for name, ok := range ev.Checks {
		if !ok {
			t.Errorf("check %s unexpectedly failed", name)
		}
	}
}

func TestGateBlockNoConsent(t *testing.T) {
	c := goodContact()
	c.SMSConsent = false
	st := &fakeGateStore{contact: c}
	ev, err := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
	if ev.Checks[CheckConsent] {
		t.Fatal("consent check should fail")
	}
	if len(ev.Reasons) != 1 || !strings.Contains(ev.Reasons[0], "consent") {
		t.Fatalf("reasons = %v", ev.Reasons)
	}
}

func TestGateBlockConsentTimestampMissing(t *testing.T) {
	c := goodContact()
	c.SMSConsentAt = nil
	st := &fakeGateStore{contact: c}
	ev, _ := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
}

func TestGateCollectsAllReasons(t *testing.T) {
	c := goodContact()
	c.SMSConsent = false
	c.SMSOptedOut = true
	c.AgeVerified = false
	st := &fakeGateStore{contact: c}
	ev, _ := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
	// No short-circuiting: consent, opt-out, and age all reported.
	if len(ev.Reasons) != 3 {
		t.Fatalf("expected 3 reasons, got %v", ev.Reasons)
	}
}

func TestGateBlockUnder21(t *testing.T) {
	c := goodContact()
	dob := time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)
	c.DateOfBirth = &dob
	st := &fakeGateStore{contact: c}
	ev, _ := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
	if ev.Checks[CheckAgeVerified] {
		t.Fatal("age check should fail for an 18-year-old")
	}
}

func TestGateBlockGlobalOptOut(t *testing.T) {
	st := &fakeGateStore{contact: goodContact(), globallyOut: true}
	ev, _ := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
	if ev.Checks[CheckGlobalOptOut] {
		t.Fatal("global opt-out check should fail")
	}
}

func TestGateBlockRateLimit(t *testing.T) {
	st := &fakeGateStore{contact: goodContact(), outboundCount: 3}
	ev, _ := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
	if ev.Checks[CheckRateLimit] {
		t.Fatal("rate limit check should fail at the cap")
	}
}

func TestGateDeferQuietHours(t *testing.T) {
	st := &fakeGateStore{contact: goodContact()}
	now := time.Date(2026, 6, 15, 23, 0, 0, 0, time.UTC)
	ev, err := newTestGate(st, now).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Decision != DecisionDefer {
		t.Fatalf("decision = %s, want defer (reasons %v)", ev.Decision, ev.Reasons)
	}
	if ev.RetryAfter == nil {
		t.Fatal("defer must carry a retry instant")
	}
	want := time.Date(2026, 6, 16, 8, 0, 0, 0, time.UTC)
	if !ev.RetryAfter.Equal(want) {
		t.Fatalf("RetryAfter = %v, want %v", ev.RetryAfter, want)
	}
}

func TestGateQuietHoursPlusOptOutBlocks(t *testing.T) {
	c := goodContact()
	c.SMSOptedOut = true
	st := &fakeGateStore{contact: c}
	now := time.Date(2026, 6, 15, 23, 0, 0, 0, time.UTC)
	ev, _ := newTestGate(st, now).Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	// Quiet hours only defers when it is the sole failure.
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
}

func TestGateEmailSkipsSMSChecks(t *testing.T) {
	c := goodContact()
	c.SMSOptedOut = true // irrelevant for email
	st := &fakeGateStore{contact: c, globallyOut: true}
	now := time.Date(2026, 6, 15, 23, 0, 0, 0, time.UTC) // inside SMS quiet hours
	ev, err := newTestGate(st, now).Evaluate(context.Background(), uuid.New(), uuid.New(), KindEmail)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Decision != DecisionAllow {
		t.Fatalf("decision = %s, reasons %v", ev.Decision, ev.Reasons)
	}
}

func TestGateEmailNoConsent(t *testing.T) {
	c := goodContact()
	c.EmailConsent = false
	st := &fakeGateStore{contact: c}
	ev, _ := noonGate(st).Evaluate(context.Background(), uuid.New(), uuid.New(), KindEmail)
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
}

type denyAllRule struct{ reason string }

func (r denyAllRule) Check(ctx context.Context, contact *store.Contact, location *store.Location, kind string) []string {
	return []string{r.reason}
}

func TestGateStateRuleHook(t *testing.T) {
	st := &fakeGateStore{contact: goodContact()}
	w, _ := ParseWindow("21:00", "08:00")
	g := NewGate(GateConfig{
		Store:      st,
		Window:     w,
		DefaultTZ:  "UTC",
		MaxPerDay:  3,
		StateRules: []StateRule{denyAllRule{reason: "state moratorium in effect"}},
		Now: func() time.Time {
			return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
		},
	})
	ev, _ := g.Evaluate(context.Background(), uuid.New(), uuid.New(), KindSMS)
	if ev.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", ev.Decision)
	}
	if ev.Checks[CheckStateRules] {
		t.Fatal("state rules check should fail")
	}
}
