// Package handler exposes the mutation ingestion endpoint the mobile sync
// queue replays against.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carebridge/internal/mutation"
	"carebridge/internal/mutation/service"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/platform/httputil"
	"carebridge/pkg/requestcontext"
)

// Service defines the mutation operations the handler exposes.
type Service interface {
	Apply(ctx context.Context, req service.ApplyRequest) (*service.Outcome, error)
}

// Handler wires the sync endpoint to the mutation service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a mutation handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the sync endpoint on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/sync/mutations", h.HandleApply)
}

type applyRequest struct {
	VisitID           string          `json:"visit_id"`
	OperationType     string          `json:"operation_type"`
	ClientGeneratedID string          `json:"client_generated_id"`
	Sequence          int64           `json:"sequence"`
	Payload           json.RawMessage `json:"payload"`
}

type applyResponse struct {
	Status   string          `json:"status"`
	Replayed bool            `json:"replayed,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// HandleApply handles POST /sync/mutations. Applied mutations (including
// replays) answer 200; mutations parked behind a sequence gap answer 202.
func (h *Handler) HandleApply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	caregiverID := requestcontext.CaregiverID(ctx)
	if caregiverID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[applyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	visitID, err := id.ParseVisitID(req.VisitID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	outcome, err := h.service.Apply(ctx, service.ApplyRequest{
		VisitID:           visitID,
		CaregiverID:       caregiverID,
		Operation:         mutation.OperationType(req.OperationType),
		ClientGeneratedID: req.ClientGeneratedID,
		Sequence:          req.Sequence,
		Payload:           req.Payload,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "mutation rejected",
			"request_id", requestID,
			"visit_id", req.VisitID,
			"operation", req.OperationType,
			"sequence", req.Sequence,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if outcome.Status == mutation.StatusDeferred {
		status = http.StatusAccepted
	}
	h.logger.InfoContext(ctx, "mutation ingested",
		"request_id", requestID,
		"visit_id", req.VisitID,
		"operation", req.OperationType,
		"sequence", req.Sequence,
		"status", outcome.Status,
		"replayed", outcome.Replayed,
	)
	httputil.WriteJSON(w, status, applyResponse{
		Status:   string(outcome.Status),
		Replayed: outcome.Replayed,
		Result:   outcome.Result,
	})
}
