package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bloomtext/bloomtext/internal/dispatch"
	"github.com/bloomtext/bloomtext/internal/store"
	"github.com/bloomtext/bloomtext/internal/tenancy"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

type sendService interface {
	QueueSend(ctx context.Context, job dispatch.SendJob) (string, error)
}

// SendHandler accepts single-send requests and hands them to the
// dispatch service.
type SendHandler struct {
	service sendService
	logger  *logging.Logger
}

func NewSendHandler(service sendService, logger *logging.Logger) *SendHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SendHandler{service: service, logger: logger.WithComponent("http.send")}
}

type sendRequest struct {
	ContactID  uuid.UUID  `json:"contact_id"`
	Content    string     `json:"content"`
	LocationID *uuid.UUID `json:"location_id,omitempty"`
}

// Send handles POST /api/sms/send. A compliance BLOCK is a 422 with the
// human-readable reasons; anything accepted returns the queue job id.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "tenant required")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContactID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "contact_id is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	jobID, err := h.service.QueueSend(r.Context(), dispatch.SendJob{
		TenantID:   tenantID,
		ContactID:  req.ContactID,
		LocationID: req.LocationID,
		Content:    req.Content,
	})
	var blocked *dispatch.BlockedError
	switch {
	case errors.As(err, &blocked):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success": false,
			"blocked": true,
			"reasons": blocked.Reasons,
		})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "contact not found")
	case err != nil:
		h.logger.Error("queue send failed", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to queue message")
	default:
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"jobId":   jobID,
		})
	}
}
