// Package handler exposes the agency-facing submission surface: delivery
// status per record, the exception queue of rejected submissions, manual
// requeue, and corrections.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"carebridge/internal/aggregator"
	"carebridge/internal/evv"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/platform/httputil"
	"carebridge/pkg/platform/sentinel"
	"carebridge/pkg/requestcontext"
)

// Service defines the pipeline operations the handler exposes.
type Service interface {
	Latest(ctx context.Context, recordID id.EVVRecordID) (*aggregator.Submission, error)
	ListRejected(ctx context.Context, limit int) ([]*aggregator.Submission, error)
	Requeue(ctx context.Context, subID id.SubmissionID) (*aggregator.Submission, error)
	SubmitCorrection(ctx context.Context, rec *evv.Record, state id.StateCode, reason string) (*aggregator.Submission, error)
}

// Records loads finalized EVV records for correction submission.
type Records interface {
	Get(ctx context.Context, recordID id.EVVRecordID) (*evv.Record, error)
}

// Handler wires submission endpoints to the aggregator pipeline.
type Handler struct {
	service Service
	records Records
	logger  *slog.Logger
}

func New(service Service, records Records, logger *slog.Logger) *Handler {
	return &Handler{service: service, records: records, logger: logger}
}

// Register mounts submission endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/submissions/rejected", h.HandleListRejected)
	r.Post("/submissions/{submissionID}/requeue", h.HandleRequeue)
	r.Get("/records/{recordID}/submission", h.HandleLatest)
	r.Post("/records/{recordID}/corrections", h.HandleCorrection)
}

type correctionRequest struct {
	Reason string `json:"reason"`
}

type submissionResponse struct {
	ID             string     `json:"id"`
	EVVRecordID    string     `json:"evv_record_id"`
	VisitID        string     `json:"visit_id"`
	Aggregator     string     `json:"aggregator"`
	StateCode      string     `json:"state_code"`
	Kind           string     `json:"kind"`
	Reason         string     `json:"reason,omitempty"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	ConfirmationID string     `json:"confirmation_id,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toSubmissionResponse(sub *aggregator.Submission) submissionResponse {
	return submissionResponse{
		ID:             sub.ID.String(),
		EVVRecordID:    sub.EVVRecordID.String(),
		VisitID:        sub.VisitID.String(),
		Aggregator:     sub.Aggregator,
		StateCode:      string(sub.StateCode),
		Kind:           string(sub.Kind),
		Reason:         sub.Reason,
		Status:         string(sub.Status),
		RetryCount:     sub.RetryCount,
		NextRetryAt:    sub.NextRetryAt,
		ConfirmationID: sub.ConfirmationID,
		ErrorCode:      sub.ErrorCode,
		ErrorMessage:   sub.ErrorMessage,
		CreatedAt:      sub.CreatedAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}

// HandleListRejected handles GET /submissions/rejected.
func (h *Handler) HandleListRejected(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	subs, err := h.service.ListRejected(ctx, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]submissionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubmissionResponse(sub))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleRequeue handles POST /submissions/{submissionID}/requeue.
func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID, err := id.ParseSubmissionID(chi.URLParam(r, "submissionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	sub, err := h.service.Requeue(ctx, subID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "submission requeued via api",
		"request_id", requestcontext.RequestID(ctx),
		"submission_id", subID,
	)
	httputil.WriteJSON(w, http.StatusOK, toSubmissionResponse(sub))
}

// HandleLatest handles GET /records/{recordID}/submission.
func (h *Handler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordID, err := id.ParseEVVRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	sub, err := h.service.Latest(ctx, recordID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSubmissionResponse(sub))
}

// HandleCorrection handles POST /records/{recordID}/corrections. The record
// is re-snapshotted so the correction carries its current contents; the body
// carries the agency's reason for amending an accepted submission.
func (h *Handler) HandleCorrection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordID, err := id.ParseEVVRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[correctionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rec, err := h.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "evv record not found"))
			return
		}
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "load evv record"))
		return
	}
	sub, err := h.service.SubmitCorrection(ctx, rec, "", req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "correction submitted",
		"request_id", requestcontext.RequestID(ctx),
		"evv_record_id", recordID,
		"submission_id", sub.ID,
	)
	httputil.WriteJSON(w, http.StatusAccepted, toSubmissionResponse(sub))
}
