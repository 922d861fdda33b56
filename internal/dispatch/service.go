// Package dispatch owns the outbound send path: gate evaluation at
// enqueue time, the SMS worker body that re-evaluates at dispatch time,
// and campaign expansion into per-recipient jobs.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bloomtext/bloomtext/internal/compliance"
	"github.com/bloomtext/bloomtext/internal/observability/metrics"
	"github.com/bloomtext/bloomtext/internal/provider"
	"github.com/bloomtext/bloomtext/internal/queue"
	"github.com/bloomtext/bloomtext/internal/store"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

// Queue kinds.
const (
	QueueSMS      = "sms"
	QueueCampaign = "campaign"
)

// BlockedError is the structured rejection for a compliance BLOCK. The
// HTTP layer renders it as 422; it never reaches the queue.
type BlockedError struct {
	Reasons []string
}

func (e *BlockedError) Error() string {
	return "dispatch: send blocked: " + strings.Join(e.Reasons, "; ")
}

// SendJob is the payload of one queued SMS delivery.
type SendJob struct {
	TenantID   uuid.UUID  `json:"tenant_id"`
	ContactID  uuid.UUID  `json:"contact_id"`
	LocationID *uuid.UUID `json:"location_id,omitempty"`
	Content    string     `json:"content"`
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`
}

// CampaignJob triggers expansion of one campaign.
type CampaignJob struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
}

// Gate is the compliance surface the pipeline consults.
type Gate interface {
	Evaluate(ctx context.Context, tenantID, contactID uuid.UUID, kind string) (*compliance.Evaluation, error)
}

// Sender dispatches one message to the carrier.
type Sender interface {
	Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error)
}

// JobQueue is the queue surface the service needs.
type JobQueue interface {
	Enqueue(ctx context.Context, payload any, opts queue.Options) (string, error)
	Reschedule(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// Store is the persistence surface the pipeline writes through.
type Store interface {
	InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error
	GetLocation(ctx context.Context, q store.Querier, id uuid.UUID) (*store.Location, error)
	GetCampaign(ctx context.Context, q store.Querier, id uuid.UUID) (*store.Campaign, error)
	ListCampaignRecipients(ctx context.Context, q store.Querier, f store.RecipientFilter) ([]store.Contact, error)
	MarkCampaignSending(ctx context.Context, q store.Querier, id uuid.UUID, totalRecipients int) error
	MarkCampaignSent(ctx context.Context, q store.Querier, id uuid.UUID) error
	IncrementCampaignCounter(ctx context.Context, q store.Querier, id uuid.UUID, counter string) error
	InsertMessage(ctx context.Context, q store.Querier, m store.Message) (uuid.UUID, error)
	MarkMessageSent(ctx context.Context, q store.Querier, id uuid.UUID, providerMessageID string, segments int) error
	MarkMessageFailed(ctx context.Context, q store.Querier, id uuid.UUID, provErr string) error
}

// Service wires the gate, queues, store, and carrier into the pipeline.
type Service struct {
	gate          Gate
	store         Store
	sender        Sender
	smsQueue      JobQueue
	campaignQueue JobQueue
	profileID     string
	maxAttempts   int
	backoffBase   time.Duration
	logger        *logging.Logger
	metrics       *metrics.PipelineMetrics
	now           func() time.Time
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Gate          Gate
	Store         Store
	Sender        Sender
	SMSQueue      JobQueue
	CampaignQueue JobQueue
	ProfileID     string
	MaxAttempts   int
	BackoffBase   time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.PipelineMetrics
	Now           func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		gate:          cfg.Gate,
		store:         cfg.Store,
		sender:        cfg.Sender,
		smsQueue:      cfg.SMSQueue,
		campaignQueue: cfg.CampaignQueue,
		profileID:     cfg.ProfileID,
		maxAttempts:   maxAttempts,
		backoffBase:   backoff,
		logger:        logger.WithComponent("dispatch"),
		metrics:       cfg.Metrics,
		now:           now,
	}
}

// QueueSend gates a single send and enqueues the delivery job: ALLOW
// enqueues immediately, DEFER enqueues with the quiet-hours delay, BLOCK
// returns a BlockedError and touches nothing.
func (s *Service) QueueSend(ctx context.Context, job SendJob) (string, error) {
	ev, err := s.gate.Evaluate(ctx, job.TenantID, job.ContactID, compliance.KindSMS)
	if err != nil {
		return "", err
	}
	s.metrics.ObserveDecision(ev.Decision, "enqueue")
	if result := compliance.ScanContent(job.Content, ""); !result.Approved {
		s.logger.Warn("content scan flagged send",
			"tenant_id", job.TenantID, "contact_id", job.ContactID, "issues", result.Issues)
	}
	switch ev.Decision {
	case compliance.DecisionBlock:
		return "", &BlockedError{Reasons: ev.Reasons}
	case compliance.DecisionDefer:
		delay := time.Until(*ev.RetryAfter)
		if delay < 0 {
			delay = 0
		}
		return s.smsQueue.Enqueue(ctx, job, queue.Options{
			Delay:       delay,
			MaxAttempts: s.maxAttempts,
			BackoffBase: s.backoffBase,
		})
	default:
		return s.smsQueue.Enqueue(ctx, job, queue.Options{
			MaxAttempts: s.maxAttempts,
			BackoffBase: s.backoffBase,
		})
	}
}

// QueueCampaign enqueues a campaign expansion job.
func (s *Service) QueueCampaign(ctx context.Context, tenantID, campaignID uuid.UUID) (string, error) {
	return s.campaignQueue.Enqueue(ctx, CampaignJob{
		TenantID:   tenantID,
		CampaignID: campaignID,
	}, queue.Options{MaxAttempts: 1})
}

// blockCounter picks which campaign counter a dispatch-time block feeds.
func blockCounter(ev *compliance.Evaluation) string {
	if !ev.Checks[compliance.CheckOptOut] || !ev.Checks[compliance.CheckGlobalOptOut] {
		return store.CounterOptedOut
	}
	return store.CounterFailed
}

func (s *Service) recordCampaignBlock(ctx context.Context, tenantID uuid.UUID, campaignID *uuid.UUID, ev *compliance.Evaluation) {
	if campaignID == nil {
		return
	}
	counter := blockCounter(ev)
	err := s.store.InTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		return s.store.IncrementCampaignCounter(ctx, tx, *campaignID, counter)
	})
	if err != nil {
		s.logger.Error("campaign block counter update failed",
			"error", err, "campaign_id", campaignID, "counter", counter)
	}
}

// resolveFrom picks the sending identity: the job's location number if
// assigned, otherwise the contact's primary location number, otherwise
// the default messaging profile.
func (s *Service) resolveFrom(ctx context.Context, tx pgx.Tx, job SendJob, contact *store.Contact) (fromNumber, profileID string, err error) {
	locationID := job.LocationID
	if locationID == nil {
		locationID = contact.PrimaryLocationID
	}
	if locationID != nil {
		loc, locErr := s.store.GetLocation(ctx, tx, *locationID)
		if locErr != nil && locErr != store.ErrNotFound {
			return "", "", fmt.Errorf("dispatch: resolve from number: %w", locErr)
		}
		if loc != nil && loc.SMSPhoneNumber != "" {
			return loc.SMSPhoneNumber, "", nil
		}
	}
	return "", s.profileID, nil
}
