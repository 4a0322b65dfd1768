// Package service drives the submission pipeline: write-ahead enqueue at
// clock-out, asynchronous delivery with bounded retries, and corrections
// for already-accepted submissions.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carebridge/internal/aggregator"
	"carebridge/internal/aggregator/adapters"
	"carebridge/internal/aggregator/metrics"
	"carebridge/internal/aggregator/store"
	"carebridge/internal/audit"
	"carebridge/internal/evv"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/platform/sentinel"
	"carebridge/pkg/requestcontext"
)

// AuditPublisher emits audit trail events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event)
}

// Service owns submission state. All transitions out of SUBMITTING happen
// here, on submissions claimed from the store.
type Service struct {
	subs     store.Store
	registry *adapters.Registry

	auditor AuditPublisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	backoff    []time.Duration
	maxRetries int
	staleAfter time.Duration
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(a AuditPublisher) Option {
	return func(s *Service) { s.auditor = a }
}

// WithRetryPolicy overrides the retry schedule. Retry N waits
// backoff[N-1] (the last entry repeats when retries outnumber entries).
func WithRetryPolicy(maxRetries int, backoff []time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = maxRetries
		s.backoff = backoff
	}
}

// WithStaleClaimTimeout overrides how long a SUBMITTING claim may sit before
// the sweep treats its owner as dead and reclaims it.
func WithStaleClaimTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func New(subs store.Store, registry *adapters.Registry, opts ...Option) (*Service, error) {
	if subs == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	svc := &Service{
		subs:       subs,
		registry:   registry,
		logger:     slog.Default(),
		tracer:     otel.Tracer("carebridge/internal/aggregator"),
		backoff:    []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second},
		maxRetries: 3,
		staleAfter: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.maxRetries < 0 || len(svc.backoff) == 0 {
		return nil, fmt.Errorf("retry policy requires a non-negative max and at least one backoff step")
	}
	return svc, nil
}

// Enqueue records a PENDING submission for the record and returns. This is
// the visit service's Submitter: it must stay a DB write so clock-out never
// waits on an aggregator. A background goroutine makes the first delivery
// attempt; the sweep picks up anything that goroutine does not finish.
func (s *Service) Enqueue(ctx context.Context, rec *evv.Record, state id.StateCode) error {
	adapter, err := s.registry.ForState(state)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "route submission")
	}
	payload, err := buildPayload(rec, "")
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "snapshot record payload")
	}

	now := requestcontext.Now(ctx)
	sub := &aggregator.Submission{
		ID:          id.NewSubmissionID(),
		EVVRecordID: rec.ID,
		VisitID:     rec.VisitID,
		OrgID:       rec.OrgID,
		Aggregator:  adapter.Name(),
		StateCode:   state,
		Kind:        aggregator.KindVisit,
		Payload:     payload,
		Status:      aggregator.StatusPending,
		MaxRetries:  s.maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeConflict, "record already has a submission in flight")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist submission")
	}

	go s.deliverAsync(context.WithoutCancel(ctx))
	return nil
}

// SubmitCorrection enqueues a correction for a record whose original
// submission was accepted. The correction chains to the original so the
// adapter can reference the aggregator-side confirmation. State aggregators
// audit amendments, so every correction carries the agency's stated reason.
func (s *Service) SubmitCorrection(ctx context.Context, rec *evv.Record, state id.StateCode, reason string) (*aggregator.Submission, error) {
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "correction reason is required")
	}
	orig, err := s.subs.LatestByRecord(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeInvalidState, "record has never been submitted")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load original submission")
	}
	if orig.Status != aggregator.StatusAccepted {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "corrections require an accepted submission, latest is %s", orig.Status)
	}
	if state != "" && state != orig.StateCode {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "correction state %s does not match original submission state %s", state, orig.StateCode)
	}

	payload, err := buildPayload(rec, reason)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "snapshot record payload")
	}

	now := requestcontext.Now(ctx)
	parentID := orig.ID
	sub := &aggregator.Submission{
		ID:          id.NewSubmissionID(),
		EVVRecordID: rec.ID,
		VisitID:     rec.VisitID,
		OrgID:       rec.OrgID,
		Aggregator:  orig.Aggregator,
		StateCode:   orig.StateCode,
		Kind:        aggregator.KindCorrection,
		ParentID:    &parentID,
		Reason:      reason,
		Payload:     payload,
		Status:      aggregator.StatusPending,
		MaxRetries:  s.maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "record already has a submission in flight")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist correction")
	}

	s.emit(ctx, audit.Event{
		Action:   audit.ActionCorrectionSubmitted,
		OrgID:    rec.OrgID,
		VisitID:  rec.VisitID,
		RecordID: rec.ID,
		Reason:   reason,
		Detail:   orig.ConfirmationID,
	})
	go s.deliverAsync(context.WithoutCancel(ctx))
	return sub, nil
}

// Latest returns the most recent submission for a record.
func (s *Service) Latest(ctx context.Context, recordID id.EVVRecordID) (*aggregator.Submission, error) {
	sub, err := s.subs.LatestByRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "record has no submissions")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load latest submission")
	}
	return sub, nil
}

// ListRejected returns the exception queue: terminally rejected submissions
// awaiting agency review, oldest first.
func (s *Service) ListRejected(ctx context.Context, limit int) ([]*aggregator.Submission, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	subs, err := s.subs.ListByStatus(ctx, aggregator.StatusRejected, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list rejected submissions")
	}
	return subs, nil
}

// Requeue puts a REJECTED submission back into the delivery pipeline with a
// fresh retry budget. Used after an agency fixes the underlying data problem
// or an aggregator outage passes.
func (s *Service) Requeue(ctx context.Context, subID id.SubmissionID) (*aggregator.Submission, error) {
	sub, err := s.subs.Get(ctx, subID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "submission not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load submission")
	}
	if sub.Status != aggregator.StatusRejected {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "only rejected submissions can be requeued, submission is %s", sub.Status)
	}
	// A newer chain may have started since the rejection; requeueing then
	// would put two submissions in flight for the record.
	latest, err := s.subs.LatestByRecord(ctx, sub.EVVRecordID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load latest submission")
	}
	if latest.ID != sub.ID {
		return nil, dErrors.New(dErrors.CodeConflict, "record has a newer submission")
	}

	now := time.Now().UTC()
	sub.Status = aggregator.StatusPending
	sub.RetryCount = 0
	sub.NextRetryAt = nil
	sub.ErrorCode = ""
	sub.ErrorMessage = ""
	sub.UpdatedAt = now
	if err := s.finalize(ctx, sub); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "requeue submission")
	}

	s.logger.InfoContext(ctx, "submission requeued",
		slog.String("submission_id", sub.ID.String()),
		slog.String("aggregator", sub.Aggregator),
	)
	go s.deliverAsync(context.WithoutCancel(ctx))
	return sub, nil
}

// DeliverDue claims due submissions and attempts each. Returns the number
// attempted. Used by the sweep and by the post-enqueue goroutine.
func (s *Service) DeliverDue(ctx context.Context, limit int) (int, error) {
	due, err := s.subs.ClaimDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("claim due submissions: %w", err)
	}
	for _, sub := range due {
		s.attempt(ctx, sub)
	}
	return len(due), nil
}

// ReclaimStale returns SUBMITTING claims older than the stale timeout to
// RETRY. A process that crashed mid-attempt leaves its claim stuck; the
// partial unique index then blocks any new submission for the record, so
// the sweep has to put abandoned claims back into the due set.
func (s *Service) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	n, err := s.subs.ReclaimStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale submissions: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "stale submission claims reclaimed",
			slog.Int("count", n),
			slog.Duration("stale_after", s.staleAfter),
		)
	}
	return n, nil
}

func (s *Service) deliverAsync(ctx context.Context) {
	if _, err := s.DeliverDue(ctx, 1); err != nil {
		s.logger.ErrorContext(ctx, "async delivery failed", slog.String("error", err.Error()))
	}
}

// attempt runs one delivery for a claimed submission and finalizes the
// outcome. The submission is SUBMITTING on entry, so this goroutine is its
// only writer until Finalize.
func (s *Service) attempt(ctx context.Context, sub *aggregator.Submission) {
	ctx, span := s.tracer.Start(ctx, "aggregator.submit",
		trace.WithAttributes(
			attribute.String("aggregator", sub.Aggregator),
			attribute.String("state", string(sub.StateCode)),
			attribute.String("kind", string(sub.Kind)),
			attribute.Int("retry_count", sub.RetryCount),
		),
	)
	defer span.End()

	adapter, err := s.registry.ForState(sub.StateCode)
	if err != nil {
		// An adapter that existed at enqueue time has been unconfigured.
		// Keep retrying on the normal schedule until it comes back or the
		// budget runs out.
		s.scheduleRetryOrReject(ctx, sub, "NO_ADAPTER", err.Error())
		return
	}

	start := time.Now()
	res, err := s.submit(ctx, adapter, sub)
	if s.metrics != nil {
		s.metrics.AttemptDuration.WithLabelValues(sub.Aggregator).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		s.scheduleRetryOrReject(ctx, sub, "TRANSPORT_ERROR", err.Error())
		return
	}

	switch {
	case res.Accepted:
		s.accept(ctx, sub, res.ConfirmationID)
	case res.Retryable:
		s.scheduleRetryOrReject(ctx, sub, res.ErrorCode, res.ErrorMessage)
	default:
		s.reject(ctx, sub, res.ErrorCode, res.ErrorMessage)
	}
}

func (s *Service) submit(ctx context.Context, adapter adapters.Adapter, sub *aggregator.Submission) (adapters.Result, error) {
	if sub.Kind != aggregator.KindCorrection {
		return adapter.SubmitVisit(ctx, sub.Payload)
	}
	if sub.ParentID == nil {
		return adapters.Result{}, fmt.Errorf("correction has no parent submission")
	}
	orig, err := s.subs.Get(ctx, *sub.ParentID)
	if err != nil {
		return adapters.Result{}, fmt.Errorf("load parent submission: %w", err)
	}
	return adapter.SubmitCorrection(ctx, orig.ConfirmationID, sub.Payload)
}

func (s *Service) accept(ctx context.Context, sub *aggregator.Submission, confirmationID string) {
	now := time.Now().UTC()
	sub.Status = aggregator.StatusAccepted
	sub.ConfirmationID = confirmationID
	sub.ErrorCode = ""
	sub.ErrorMessage = ""
	sub.NextRetryAt = nil
	sub.UpdatedAt = now
	if err := s.finalize(ctx, sub); err != nil {
		return
	}

	s.count(sub, "accepted")
	s.countTerminal(sub)
	s.emit(ctx, audit.Event{
		Action:   audit.ActionSubmissionAccepted,
		OrgID:    sub.OrgID,
		VisitID:  sub.VisitID,
		RecordID: sub.EVVRecordID,
		Detail:   confirmationID,
	})
	s.logger.InfoContext(ctx, "submission accepted",
		slog.String("submission_id", sub.ID.String()),
		slog.String("aggregator", sub.Aggregator),
		slog.String("confirmation_id", confirmationID),
		slog.Int("retry_count", sub.RetryCount),
	)
}

func (s *Service) reject(ctx context.Context, sub *aggregator.Submission, code, msg string) {
	now := time.Now().UTC()
	sub.Status = aggregator.StatusRejected
	sub.ErrorCode = code
	sub.ErrorMessage = msg
	sub.NextRetryAt = nil
	sub.UpdatedAt = now
	if err := s.finalize(ctx, sub); err != nil {
		return
	}

	s.count(sub, "rejected")
	s.countTerminal(sub)
	s.emit(ctx, audit.Event{
		Action:   audit.ActionSubmissionRejected,
		OrgID:    sub.OrgID,
		VisitID:  sub.VisitID,
		RecordID: sub.EVVRecordID,
		Reason:   code,
		Detail:   msg,
	})
	s.logger.WarnContext(ctx, "submission rejected",
		slog.String("submission_id", sub.ID.String()),
		slog.String("aggregator", sub.Aggregator),
		slog.String("error_code", code),
		slog.String("error_message", msg),
	)
}

func (s *Service) scheduleRetryOrReject(ctx context.Context, sub *aggregator.Submission, code, msg string) {
	// The budget counts attempts, not scheduled retries: the attempt that
	// just failed is RetryCount+1.
	if sub.RetryCount+1 >= sub.MaxRetries {
		s.reject(ctx, sub, code, "Max retries exceeded: "+msg)
		return
	}

	now := time.Now().UTC()
	sub.RetryCount++
	next := now.Add(s.backoffFor(sub.RetryCount))
	sub.Status = aggregator.StatusRetry
	sub.ErrorCode = code
	sub.ErrorMessage = msg
	sub.NextRetryAt = &next
	sub.UpdatedAt = now
	if err := s.finalize(ctx, sub); err != nil {
		return
	}

	s.count(sub, "retry")
	s.logger.InfoContext(ctx, "submission retry scheduled",
		slog.String("submission_id", sub.ID.String()),
		slog.String("aggregator", sub.Aggregator),
		slog.Int("retry_count", sub.RetryCount),
		slog.Time("next_retry_at", next),
		slog.String("error_code", code),
	)
}

func (s *Service) backoffFor(retry int) time.Duration {
	idx := retry - 1
	if idx >= len(s.backoff) {
		idx = len(s.backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return s.backoff[idx]
}

func (s *Service) finalize(ctx context.Context, sub *aggregator.Submission) error {
	if err := s.subs.Finalize(ctx, sub); err != nil {
		s.logger.ErrorContext(ctx, "finalize submission failed",
			slog.String("submission_id", sub.ID.String()),
			slog.String("status", string(sub.Status)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func buildPayload(rec *evv.Record, correctionReason string) (json.RawMessage, error) {
	clockIn, err := json.Marshal(rec.ClockInVerification)
	if err != nil {
		return nil, err
	}
	clockOut, err := json.Marshal(rec.ClockOutVerification)
	if err != nil {
		return nil, err
	}
	return json.Marshal(aggregator.VisitPayload{
		EVVRecordID:       rec.ID.String(),
		VisitID:           rec.VisitID.String(),
		ClockInTime:       rec.ClockInTime,
		ClockOutTime:      rec.ClockOutTime,
		ClockIn:           clockIn,
		ClockOut:          clockOut,
		VerificationLevel: string(rec.VerificationLevel),
		ComplianceStatus:  string(rec.ComplianceStatus),
		TotalDurationS:    int64(rec.TotalDuration.Seconds()),
		IntegrityHash:     rec.IntegrityHash,
		CorrectionReason:  correctionReason,
	})
}

func (s *Service) count(sub *aggregator.Submission, result string) {
	if s.metrics != nil {
		s.metrics.Attempts.WithLabelValues(sub.Aggregator, result).Inc()
	}
}

func (s *Service) countTerminal(sub *aggregator.Submission) {
	if s.metrics != nil {
		s.metrics.Outcomes.WithLabelValues(sub.Aggregator, string(sub.Status)).Inc()
	}
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	s.auditor.Emit(ctx, event)
}
