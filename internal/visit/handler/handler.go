package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"carebridge/internal/evv"
	"carebridge/internal/visit"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/platform/httputil"
	"carebridge/pkg/requestcontext"
)

// Service defines the visit operations the handler exposes.
type Service interface {
	Get(ctx context.Context, visitID id.VisitID) (*visit.Visit, error)
	ClockIn(ctx context.Context, visitID id.VisitID, reading evv.ClockVerification, override bool) (*visit.Visit, error)
	CompleteTask(ctx context.Context, visitID id.VisitID, taskID uuid.UUID) (*visit.Visit, error)
	AddNote(ctx context.Context, visitID id.VisitID, text string) (*visit.Visit, error)
	CaptureSignature(ctx context.Context, visitID id.VisitID) (*visit.Visit, error)
	ClockOut(ctx context.Context, visitID id.VisitID, reading evv.ClockVerification) (*evv.Record, error)
	Cancel(ctx context.Context, visitID id.VisitID, reason string) (*visit.Visit, error)
	ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID, limit int) ([]*visit.Visit, error)
}

// Handler wires visit endpoints to the visit service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a visit handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts visit endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/visits", h.HandleList)
	r.Get("/visits/{visitID}", h.HandleGet)
	r.Post("/visits/{visitID}/clock-in", h.HandleClockIn)
	r.Post("/visits/{visitID}/clock-out", h.HandleClockOut)
	r.Post("/visits/{visitID}/tasks/{taskID}/complete", h.HandleCompleteTask)
	r.Post("/visits/{visitID}/notes", h.HandleAddNote)
	r.Post("/visits/{visitID}/signature", h.HandleSignature)
	r.Post("/visits/{visitID}/cancel", h.HandleCancel)
}

// HandleList handles GET /visits for the authenticated caregiver.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caregiverID := requestcontext.CaregiverID(ctx)
	if caregiverID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	visits, err := h.service.ListByCaregiver(ctx, caregiverID, 0)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]visitResponse, 0, len(visits))
	for _, v := range visits {
		out = append(out, toVisitResponse(v))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /visits/{visitID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	v, err := h.service.Get(ctx, visitID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVisitResponse(v))
}

// HandleClockIn handles POST /visits/{visitID}/clock-in.
func (h *Handler) HandleClockIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[clockRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	v, err := h.service.ClockIn(ctx, visitID, req.verification(), req.Override)
	if err != nil {
		h.logger.WarnContext(ctx, "clock-in rejected",
			"request_id", requestID,
			"visit_id", visitID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "clock-in accepted",
		"request_id", requestID,
		"visit_id", visitID,
		"method", req.Method,
	)
	httputil.WriteJSON(w, http.StatusOK, toVisitResponse(v))
}

// HandleClockOut handles POST /visits/{visitID}/clock-out. On success the
// response body is the finalized EVV record, not the visit.
func (h *Handler) HandleClockOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[clockRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	rec, err := h.service.ClockOut(ctx, visitID, req.verification())
	if err != nil {
		h.logger.WarnContext(ctx, "clock-out rejected",
			"request_id", requestID,
			"visit_id", visitID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "clock-out accepted",
		"request_id", requestID,
		"visit_id", visitID,
		"evv_record_id", rec.ID,
		"compliance_status", rec.ComplianceStatus,
	)
	httputil.WriteJSON(w, http.StatusOK, toRecordResponse(rec))
}

// HandleCompleteTask handles POST /visits/{visitID}/tasks/{taskID}/complete.
func (h *Handler) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid task id"))
		return
	}
	v, err := h.service.CompleteTask(ctx, visitID, taskID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVisitResponse(v))
}

// HandleAddNote handles POST /visits/{visitID}/notes.
func (h *Handler) HandleAddNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[noteRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	v, err := h.service.AddNote(ctx, visitID, req.Text)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVisitResponse(v))
}

// HandleSignature handles POST /visits/{visitID}/signature.
func (h *Handler) HandleSignature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	v, err := h.service.CaptureSignature(ctx, visitID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVisitResponse(v))
}

// HandleCancel handles POST /visits/{visitID}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[cancelRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	v, err := h.service.Cancel(ctx, visitID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "visit cancelled",
		"request_id", requestID,
		"visit_id", visitID,
		"reason", req.Reason,
	)
	httputil.WriteJSON(w, http.StatusOK, toVisitResponse(v))
}
