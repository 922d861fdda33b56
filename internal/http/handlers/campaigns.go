package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bloomtext/bloomtext/internal/store"
	"github.com/bloomtext/bloomtext/internal/tenancy"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

type campaignService interface {
	QueueCampaign(ctx context.Context, tenantID, campaignID uuid.UUID) (string, error)
}

type campaignStore interface {
	InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error
	GetCampaign(ctx context.Context, q store.Querier, id uuid.UUID) (*store.Campaign, error)
	MarkCampaignQueued(ctx context.Context, q store.Querier, id uuid.UUID) error
}

// CampaignHandler triggers campaign expansion.
type CampaignHandler struct {
	service campaignService
	store   campaignStore
	logger  *logging.Logger
}

func NewCampaignHandler(service campaignService, st campaignStore, logger *logging.Logger) *CampaignHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CampaignHandler{service: service, store: st, logger: logger.WithComponent("http.campaigns")}
}

// Trigger handles POST /api/campaigns/{campaignID}/send. Only draft and
// scheduled campaigns can be launched; re-triggering one that already
// ran is a conflict, not a duplicate send.
func (h *CampaignHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "tenant required")
		return
	}
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	txErr := h.store.InTenantTx(r.Context(), tenantID, func(tx pgx.Tx) error {
		campaign, err := h.store.GetCampaign(r.Context(), tx, campaignID)
		if err != nil {
			return err
		}
		switch campaign.Status {
		case store.CampaignDraft, store.CampaignScheduled:
			return h.store.MarkCampaignQueued(r.Context(), tx, campaignID)
		default:
			return errCampaignNotLaunchable
		}
	})
	switch {
	case errors.Is(txErr, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	case errors.Is(txErr, errCampaignNotLaunchable):
		respondError(w, http.StatusConflict, "campaign already launched")
		return
	case txErr != nil:
		h.logger.Error("campaign launch check failed", "error", txErr, "campaign_id", campaignID)
		respondError(w, http.StatusInternalServerError, "failed to launch campaign")
		return
	}

	jobID, err := h.service.QueueCampaign(r.Context(), tenantID, campaignID)
	if err != nil {
		h.logger.Error("queue campaign failed", "error", err, "campaign_id", campaignID)
		respondError(w, http.StatusInternalServerError, "failed to queue campaign")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"jobId":   jobID,
	})
}

var errCampaignNotLaunchable = errors.New("campaign not launchable")
