// Package service applies ingested mutations to the visit state machine,
// enforcing idempotence and per-visit ordering.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"carebridge/internal/audit"
	"carebridge/internal/evv"
	"carebridge/internal/mutation"
	"carebridge/internal/mutation/metrics"
	"carebridge/internal/mutation/store"
	"carebridge/internal/visit"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/platform/sentinel"
	"carebridge/pkg/requestcontext"
)

// Applier is the slice of the visit service that mutations dispatch into.
type Applier interface {
	ClockIn(ctx context.Context, visitID id.VisitID, reading evv.ClockVerification, override bool) (*visit.Visit, error)
	ClockOut(ctx context.Context, visitID id.VisitID, reading evv.ClockVerification) (*evv.Record, error)
	CompleteTask(ctx context.Context, visitID id.VisitID, taskID uuid.UUID) (*visit.Visit, error)
	AddNote(ctx context.Context, visitID id.VisitID, text string) (*visit.Visit, error)
}

// AuditPublisher emits audit trail events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event)
}

// ApplyRequest is one mutation as received from the sync queue.
type ApplyRequest struct {
	VisitID           id.VisitID
	CaregiverID       id.CaregiverID
	Operation         mutation.OperationType
	ClientGeneratedID string
	Sequence          int64
	Payload           json.RawMessage
}

// Outcome reports what happened to the mutation. Replayed means the key had
// already been seen and the stored result was returned untouched.
type Outcome struct {
	Status   mutation.Status
	Replayed bool
	Result   json.RawMessage
}

// Service ingests mutations. Replays are answered from the mutation log;
// fresh mutations either apply in order or park as DEFERRED until the
// sequence gap ahead of them closes.
type Service struct {
	mutations store.Store
	applier   Applier
	auditor   AuditPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(a AuditPublisher) Option {
	return func(s *Service) { s.auditor = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(mutations store.Store, applier Applier, opts ...Option) (*Service, error) {
	if mutations == nil {
		return nil, fmt.Errorf("mutation store is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	svc := &Service{
		mutations: mutations,
		applier:   applier,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Apply ingests one mutation.
//
// Replaying the same (visit, operation, client-generated id) key returns the
// originally stored outcome without touching visit state. A mutation whose
// sequence is ahead of the next expected one is parked as DEFERRED; applying
// the mutation that closes the gap drains parked successors in order.
//
// A business-rule rejection persists as a REJECTED row that still consumes
// its sequence. The device already spent that sequence at enqueue time;
// without the row every later mutation for the visit would sit behind a gap
// that nothing can ever close. Only transient failures leave no row, so the
// device can replay the same mutation once the fault clears.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*Outcome, error) {
	if req.VisitID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "visit id is required")
	}
	if !req.Operation.Valid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown operation type %q", req.Operation)
	}
	if req.ClientGeneratedID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "client generated id is required")
	}
	if req.Sequence < 1 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "sequence must be positive")
	}

	existing, err := s.mutations.GetByKey(ctx, req.VisitID, req.Operation, req.ClientGeneratedID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up mutation")
	}
	if existing != nil {
		s.countReplay(req.Operation)
		s.emit(ctx, audit.Event{
			Action:      audit.ActionMutationReplayed,
			VisitID:     req.VisitID,
			CaregiverID: req.CaregiverID,
			Detail:      string(req.Operation),
		})
		if existing.Status == mutation.StatusRejected {
			return nil, dErrors.New(dErrors.Code(existing.ErrorCode), existing.ErrorMessage)
		}
		return &Outcome{Status: existing.Status, Replayed: true, Result: existing.Result}, nil
	}

	last, err := s.mutations.LastSettledSequence(ctx, req.VisitID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load settled sequence")
	}
	if req.Sequence <= last {
		return nil, dErrors.Newf(dErrors.CodeConflict, "sequence %d already used", req.Sequence)
	}

	now := requestcontext.Now(ctx)
	m := &mutation.Mutation{
		ID:                uuid.New(),
		VisitID:           req.VisitID,
		CaregiverID:       req.CaregiverID,
		Operation:         req.Operation,
		ClientGeneratedID: req.ClientGeneratedID,
		Sequence:          req.Sequence,
		Payload:           req.Payload,
		ReceivedAt:        now,
	}

	if req.Sequence > last+1 {
		m.Status = mutation.StatusDeferred
		if err := s.insert(ctx, m); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "mutation deferred",
			slog.String("visit_id", req.VisitID.String()),
			slog.String("operation", string(req.Operation)),
			slog.Int64("sequence", req.Sequence),
			slog.Int64("expected", last+1),
		)
		s.countIngested(req.Operation, mutation.StatusDeferred)
		return &Outcome{Status: mutation.StatusDeferred}, nil
	}

	result, err := s.dispatch(ctx, req.VisitID, req.Operation, req.Payload)
	if err != nil {
		if !permanentRejection(err) {
			return nil, err
		}
		m.Status = mutation.StatusRejected
		m.ErrorCode = string(dErrors.CodeOf(err))
		m.ErrorMessage = errorMessage(err)
		if insErr := s.insert(ctx, m); insErr != nil {
			return nil, insErr
		}
		s.logger.InfoContext(ctx, "mutation rejected",
			slog.String("visit_id", req.VisitID.String()),
			slog.String("operation", string(req.Operation)),
			slog.Int64("sequence", req.Sequence),
			slog.String("error", err.Error()),
		)
		s.countIngested(req.Operation, mutation.StatusRejected)
		s.emit(ctx, audit.Event{
			Action:      audit.ActionMutationRejected,
			VisitID:     req.VisitID,
			CaregiverID: req.CaregiverID,
			Detail:      string(req.Operation) + ": " + errorMessage(err),
		})
		s.drainDeferred(ctx, req.VisitID, req.Sequence+1)
		return nil, err
	}
	m.Status = mutation.StatusApplied
	m.Result = result
	m.AppliedAt = &now
	if err := s.insert(ctx, m); err != nil {
		return nil, err
	}

	s.countIngested(req.Operation, mutation.StatusApplied)
	s.drainDeferred(ctx, req.VisitID, req.Sequence+1)
	return &Outcome{Status: mutation.StatusApplied, Result: result}, nil
}

// permanentRejection reports whether the dispatch error is a business-rule
// verdict that retrying the same mutation can never change. Transient codes
// stay unpersisted so the device replays the same item later.
func permanentRejection(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInvalidInput, dErrors.CodeInvalidState, dErrors.CodeNotFound, dErrors.CodeConflict:
		return true
	}
	return false
}

func errorMessage(err error) string {
	var dErr *dErrors.Error
	if errors.As(err, &dErr) {
		return dErr.Message
	}
	return err.Error()
}

// insert handles the lost race where two replays of the same key pass the
// GetByKey check concurrently: the loser re-reads the winner's row.
func (s *Service) insert(ctx context.Context, m *mutation.Mutation) error {
	err := s.mutations.Insert(ctx, m)
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.New(dErrors.CodeConflict, "mutation already ingested")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "persist mutation")
}

// drainDeferred applies parked mutations while the sequence stays contiguous.
// A business-rule failure rejects the parked mutation and keeps draining; a
// transient failure leaves it DEFERRED and stops, so the drain resumes on the
// device's next replay.
func (s *Service) drainDeferred(ctx context.Context, visitID id.VisitID, from int64) {
	for seq := from; ; seq++ {
		d, err := s.mutations.GetDeferred(ctx, visitID, seq)
		if err != nil {
			if !errors.Is(err, sentinel.ErrNotFound) {
				s.logger.ErrorContext(ctx, "deferred lookup failed",
					slog.String("visit_id", visitID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		result, err := s.dispatch(ctx, visitID, d.Operation, d.Payload)
		if err != nil {
			s.logger.WarnContext(ctx, "deferred mutation apply failed",
				slog.String("visit_id", visitID.String()),
				slog.String("operation", string(d.Operation)),
				slog.Int64("sequence", seq),
				slog.String("error", err.Error()),
			)
			if !permanentRejection(err) {
				return
			}
			if rejErr := s.mutations.MarkRejected(ctx, d.ID, string(dErrors.CodeOf(err)), errorMessage(err)); rejErr != nil {
				s.logger.ErrorContext(ctx, "mark deferred rejected failed",
					slog.String("visit_id", visitID.String()),
					slog.Int64("sequence", seq),
					slog.String("error", rejErr.Error()),
				)
				return
			}
			s.countIngested(d.Operation, mutation.StatusRejected)
			continue
		}
		if err := s.mutations.MarkApplied(ctx, d.ID, result, requestcontext.Now(ctx)); err != nil {
			s.logger.ErrorContext(ctx, "mark deferred applied failed",
				slog.String("visit_id", visitID.String()),
				slog.Int64("sequence", seq),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

type clockPayload struct {
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	Override       bool      `json:"override,omitempty"`
}

func (p clockPayload) verification() evv.ClockVerification {
	return evv.ClockVerification{
		Timestamp:      p.Timestamp,
		Method:         evv.ClockMethod(p.Method),
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		AccuracyMeters: p.AccuracyMeters,
	}
}

type taskPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

type notePayload struct {
	Text string `json:"text"`
}

func (s *Service) dispatch(ctx context.Context, visitID id.VisitID, op mutation.OperationType, payload json.RawMessage) (json.RawMessage, error) {
	switch op {
	case mutation.OpClockIn:
		var p clockPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		v, err := s.applier.ClockIn(ctx, visitID, p.verification(), p.Override)
		if err != nil {
			return nil, err
		}
		return visitResult(v)
	case mutation.OpClockOut:
		var p clockPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		rec, err := s.applier.ClockOut(ctx, visitID, p.verification())
		if err != nil {
			return nil, err
		}
		return recordResult(rec)
	case mutation.OpTaskComplete:
		var p taskPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		v, err := s.applier.CompleteTask(ctx, visitID, p.TaskID)
		if err != nil {
			return nil, err
		}
		return visitResult(v)
	case mutation.OpNoteAdd:
		var p notePayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		v, err := s.applier.AddNote(ctx, visitID, p.Text)
		if err != nil {
			return nil, err
		}
		return visitResult(v)
	}
	return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown operation type %q", op)
}

func decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "payload is required")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return dErrors.New(dErrors.CodeInvalidInput, "malformed payload")
	}
	return nil
}

func visitResult(v *visit.Visit) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"visit_status": string(v.Status)})
}

func recordResult(rec *evv.Record) (json.RawMessage, error) {
	return json.Marshal(map[string]string{
		"evv_record_id":     rec.ID.String(),
		"compliance_status": string(rec.ComplianceStatus),
	})
}

func (s *Service) countIngested(op mutation.OperationType, status mutation.Status) {
	if s.metrics == nil {
		return
	}
	s.metrics.Ingested.WithLabelValues(string(op), string(status)).Inc()
}

func (s *Service) countReplay(op mutation.OperationType) {
	if s.metrics == nil {
		return
	}
	s.metrics.Replays.WithLabelValues(string(op)).Inc()
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	event.DeviceName = requestcontext.DeviceName(ctx)
	s.auditor.Emit(ctx, event)
}
