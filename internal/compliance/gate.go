// Package compliance is the deterministic policy engine that governs
// every outbound send. Its decision is re-evaluated at dispatch time by
// the queue worker, so state changes between enqueue and dispatch
// (opt-outs, quiet-hour crossings, rate-limit growth) are always caught.
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloomtext/bloomtext/internal/store"
)

// Message kinds the gate evaluates.
const (
	KindSMS   = "sms"
	KindEmail = "email"
)

// Decisions.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
	DecisionDefer = "defer"
)

// Check names, in evaluation order.
const (
	CheckConsent      = "consent"
	CheckOptOut       = "opt_out"
	CheckAgeVerified  = "age_verified"
	CheckGlobalOptOut = "global_opt_out"
	CheckQuietHours   = "quiet_hours"
	CheckRateLimit    = "rate_limit"
	CheckStateRules   = "state_rules"
)

const minimumAgeYears = 21

// Evaluation is the gate's verdict. RetryAfter is set only for DEFER and
// names the soonest UTC instant at which a retry will pass quiet hours.
type Evaluation struct {
	Decision   string
	Reasons    []string
	Checks     map[string]bool
	RetryAfter *time.Time
	Contact    *store.Contact
}

// Allowed reports an ALLOW decision.
func (e *Evaluation) Allowed() bool { return e.Decision == DecisionAllow }

// Store is the persistence surface the gate reads from.
type Store interface {
	GetContactScoped(ctx context.Context, tenantID, contactID uuid.UUID) (*store.Contact, error)
	GetLocationScoped(ctx context.Context, tenantID, locationID uuid.UUID) (*store.Location, error)
	CountOutboundSinceScoped(ctx context.Context, tenantID uuid.UUID, toAddress, kind string, since time.Time) (int, error)
	IsGloballyOptedOut(ctx context.Context, e164 string) (bool, error)
}

// StateRule is a per-state policy hook. No rules ship today; the
// interface exists so new state regulations slot in without touching
// callers.
type StateRule interface {
	Check(ctx context.Context, contact *store.Contact, location *store.Location, kind string) []string
}

// Gate evaluates the policy checks for a (tenant, contact, kind) triple.
type Gate struct {
	store      Store
	window     Window
	defaultTZ  string
	maxPerDay  int
	stateRules []StateRule
	now        func() time.Time
}

// GateConfig configures a Gate.
type GateConfig struct {
	Store      Store
	Window     Window
	DefaultTZ  string
	MaxPerDay  int
	StateRules []StateRule
	Now        func() time.Time
}

func NewGate(cfg GateConfig) *Gate {
	maxPerDay := cfg.MaxPerDay
	if maxPerDay <= 0 {
		maxPerDay = 3
	}
	defaultTZ := cfg.DefaultTZ
	if defaultTZ == "" {
		defaultTZ = "America/Los_Angeles"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		store:      cfg.Store,
		window:     cfg.Window,
		defaultTZ:  defaultTZ,
		maxPerDay:  maxPerDay,
		stateRules: cfg.StateRules,
		now:        now,
	}
}

// Evaluate runs every check in order without short-circuiting, so the
// caller sees all failing reasons at once. Aggregation: quiet hours as
// the sole failure yields DEFER with a retry instant; any other failure
// yields BLOCK; otherwise ALLOW.
func (g *Gate) Evaluate(ctx context.Context, tenantID, contactID uuid.UUID, kind string) (*Evaluation, error) {
	contact, err := g.store.GetContactScoped(ctx, tenantID, contactID)
	if err != nil {
		return nil, fmt.Errorf("compliance: load contact: %w", err)
	}

	var location *store.Location
	if contact.PrimaryLocationID != nil {
		location, err = g.store.GetLocationScoped(ctx, tenantID, *contact.PrimaryLocationID)
		if err != nil && err != store.ErrNotFound {
			return nil, fmt.Errorf("compliance: load location: %w", err)
		}
	}

	now := g.now()
	ev := &Evaluation{
		Checks:  make(map[string]bool, 7),
		Contact: contact,
	}
	fail := func(check string, reason string) {
		ev.Checks[check] = false
		ev.Reasons = append(ev.Reasons, reason)
	}
	pass := func(check string) {
		if _, seen := ev.Checks[check]; !seen {
			ev.Checks[check] = true
		}
	}

	// 1. Consent.
	switch kind {
	case KindEmail:
		if !contact.EmailConsent {
			fail(CheckConsent, "No email consent on file")
		}
	default:
		if !contact.SMSConsent {
			fail(CheckConsent, "No SMS consent on file")
		}
		if contact.SMSConsent && contact.SMSConsentAt == nil {
			fail(CheckConsent, "SMS consent timestamp missing")
		}
	}
	pass(CheckConsent)

	// 2. Contact-level opt-out.
	if kind != KindEmail && contact.SMSOptedOut {
		fail(CheckOptOut, "Contact has opted out of SMS")
	}
	pass(CheckOptOut)

	// 3. Age verification.
	if !contact.AgeVerified {
		fail(CheckAgeVerified, "Age verification required")
	}
	if contact.DateOfBirth != nil && yearsBetween(*contact.DateOfBirth, now) < minimumAgeYears {
		fail(CheckAgeVerified, "Contact is under 21")
	}
	pass(CheckAgeVerified)

	// 4. Global opt-out (SMS only).
	if kind != KindEmail {
		opted, err := g.store.IsGloballyOptedOut(ctx, contact.Phone)
		if err != nil {
			return nil, fmt.Errorf("compliance: global opt-out lookup: %w", err)
		}
		if opted {
			fail(CheckGlobalOptOut, "Phone number is on the global opt-out list")
		}
	}
	pass(CheckGlobalOptOut)

	// 5. Quiet hours (SMS only).
	if kind != KindEmail {
		var locationTZ string
		if location != nil {
			locationTZ = location.Timezone
		}
		zone := ResolveZone(contact.Timezone, locationTZ, g.defaultTZ)
		if g.window.Contains(now, zone) {
			retry := g.window.NextEnd(now, zone)
			ev.RetryAfter = &retry
			fail(CheckQuietHours, fmt.Sprintf("Inside quiet hours for %s", zone.String()))
		}
	}
	pass(CheckQuietHours)

	// 6. Per-recipient daily rate limit.
	count, err := g.store.CountOutboundSinceScoped(ctx, tenantID, contact.Phone, kind, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("compliance: rate limit count: %w", err)
	}
	if count >= g.maxPerDay {
		fail(CheckRateLimit, fmt.Sprintf("Daily limit of %d messages reached for this contact", g.maxPerDay))
	}
	pass(CheckRateLimit)

	// 7. State rules hook.
	for _, rule := range g.stateRules {
		for _, reason := range rule.Check(ctx, contact, location, kind) {
			fail(CheckStateRules, reason)
		}
	}
	pass(CheckStateRules)

	onlyQuietHours := !ev.Checks[CheckQuietHours]
	for check, ok := range ev.Checks {
		if !ok && check != CheckQuietHours {
			onlyQuietHours = false
		}
	}
	switch {
	case onlyQuietHours && ev.RetryAfter != nil:
		ev.Decision = DecisionDefer
	case len(ev.Reasons) > 0:
		ev.Decision = DecisionBlock
	default:
		ev.Decision = DecisionAllow
	}
	return ev, nil
}

// yearsBetween returns full years elapsed from dob to now.
func yearsBetween(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	anniversary := dob.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	return years
}
