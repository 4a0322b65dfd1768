// Package service implements the visit clock state machine and, on
// completion, the synchronous construction of the EVV record.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"carebridge/internal/audit"
	"carebridge/internal/evv"
	"carebridge/internal/geo"
	"carebridge/internal/visit"
	"carebridge/internal/visit/metrics"
	"carebridge/internal/visit/ports"
	"carebridge/internal/visit/store"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/platform/sentinel"
	"carebridge/pkg/requestcontext"
)

// Service drives visit transitions. It is the single writer of Visit.Status;
// everything else reads.
type Service struct {
	visits   store.Store
	records  ports.EVVStore
	policies ports.PolicyResolver
	hasher   ports.IntegrityHasher

	submitter ports.Submitter
	auditor   ports.AuditPublisher
	txRunner  ports.TxRunner
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSubmitter(sub ports.Submitter) Option {
	return func(s *Service) { s.submitter = sub }
}

func WithAuditPublisher(a ports.AuditPublisher) Option {
	return func(s *Service) { s.auditor = a }
}

func WithTxRunner(r ports.TxRunner) Option {
	return func(s *Service) { s.txRunner = r }
}

func New(visits store.Store, records ports.EVVStore, policies ports.PolicyResolver, hasher ports.IntegrityHasher, opts ...Option) (*Service, error) {
	if visits == nil {
		return nil, fmt.Errorf("visit store is required")
	}
	if records == nil {
		return nil, fmt.Errorf("evv store is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy resolver is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("integrity hasher is required")
	}
	svc := &Service{
		visits:   visits,
		records:  records,
		policies: policies,
		hasher:   hasher,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Create schedules a new visit.
func (s *Service) Create(ctx context.Context, v *visit.Visit) error {
	if v.ID.IsNil() {
		v.ID = id.NewVisitID()
	}
	if v.OrgID.IsNil() || v.ClientID.IsNil() || v.CaregiverID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "org, client, and caregiver ids are required")
	}
	if !v.Address.StateCode.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "service address requires a valid state code")
	}
	now := requestcontext.Now(ctx)
	v.Status = visit.StatusScheduled
	v.CreatedAt = now
	v.UpdatedAt = now

	if err := s.visits.Create(ctx, v); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeConflict, "visit already exists")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "create visit")
	}
	return nil
}

// Get loads a visit.
func (s *Service) Get(ctx context.Context, visitID id.VisitID) (*visit.Visit, error) {
	v, err := s.visits.Get(ctx, visitID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "visit not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load visit")
	}
	return v, nil
}

// ClockIn transitions SCHEDULED -> IN_PROGRESS.
//
// A GPS reading outside the client geofence is rejected with GEOFENCE_ERROR
// unless the caregiver supplies an explicit override and policy allows it.
// Accepted clock-ins always persist their verification reading, flagged or
// not, so violations stay auditable instead of silently blocked.
func (s *Service) ClockIn(ctx context.Context, visitID id.VisitID, reading evv.ClockVerification, override bool) (*visit.Visit, error) {
	v, err := s.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status != visit.StatusScheduled {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "cannot clock in: visit is %s", v.Status)
	}

	bundle, err := s.policies.Resolve(ctx, v.OrgID, v.Address.StateCode, v.PayerID)
	if err != nil {
		return nil, err
	}
	fence := geo.Geofence{Center: v.Address.Point(), RadiusMeters: bundle.GeofenceRadiusMeters}
	reading = evv.DeriveDistance(reading, fence)

	if reading.Method == evv.MethodGPS && reading.DistanceFromExpectedM != nil &&
		*reading.DistanceFromExpectedM > fence.RadiusMeters {
		allowed := override && bundle.AllowGeofenceOverride
		if !allowed {
			s.countClockIn("rejected_geofence")
			s.emit(ctx, audit.Event{
				Action:      audit.ActionClockInRejected,
				OrgID:       v.OrgID,
				VisitID:     v.ID,
				CaregiverID: v.CaregiverID,
				Reason:      visit.ReasonGeofence,
				Detail:      fmt.Sprintf("%.0fm from geofence center (radius %.0fm)", *reading.DistanceFromExpectedM, fence.RadiusMeters),
			})
			return nil, dErrors.New(dErrors.CodeInvalidState, "clock-in outside client geofence").
				WithReason(visit.ReasonGeofence)
		}
	}

	now := requestcontext.Now(ctx)
	if reading.Timestamp.IsZero() {
		reading.Timestamp = now
	}
	v.ClockIn = &reading
	v.Status = visit.StatusInProgress
	v.UpdatedAt = now

	if err := s.visits.Update(ctx, v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist clock-in")
	}
	s.countClockIn("accepted")
	s.emit(ctx, audit.Event{
		Action:      audit.ActionClockIn,
		OrgID:       v.OrgID,
		VisitID:     v.ID,
		CaregiverID: v.CaregiverID,
		DeviceName:  requestcontext.DeviceName(ctx),
	})
	return v, nil
}

// CompleteTask marks a task done. Requires IN_PROGRESS.
func (s *Service) CompleteTask(ctx context.Context, visitID id.VisitID, taskID uuid.UUID) (*visit.Visit, error) {
	v, err := s.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status != visit.StatusInProgress {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "cannot complete task: visit is %s", v.Status)
	}

	now := requestcontext.Now(ctx)
	found := false
	for i := range v.Tasks {
		if v.Tasks[i].ID == taskID {
			v.Tasks[i].Completed = true
			v.Tasks[i].CompletedAt = &now
			found = true
			break
		}
	}
	if !found {
		return nil, dErrors.New(dErrors.CodeNotFound, "task not found on visit")
	}
	v.UpdatedAt = now
	if err := s.visits.Update(ctx, v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist task completion")
	}
	return v, nil
}

// AddNote appends a free-text observation. Requires IN_PROGRESS.
func (s *Service) AddNote(ctx context.Context, visitID id.VisitID, text string) (*visit.Visit, error) {
	if text == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "note text is required")
	}
	v, err := s.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status != visit.StatusInProgress {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "cannot add note: visit is %s", v.Status)
	}
	now := requestcontext.Now(ctx)
	v.Notes = append(v.Notes, visit.Note{ID: uuid.New(), Text: text, CreatedAt: now})
	v.UpdatedAt = now
	if err := s.visits.Update(ctx, v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist note")
	}
	return v, nil
}

// CaptureSignature records that the client signed. Requires IN_PROGRESS.
func (s *Service) CaptureSignature(ctx context.Context, visitID id.VisitID) (*visit.Visit, error) {
	v, err := s.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status != visit.StatusInProgress {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "cannot capture signature: visit is %s", v.Status)
	}
	v.SignatureCaptured = true
	v.UpdatedAt = requestcontext.Now(ctx)
	if err := s.visits.Update(ctx, v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist signature")
	}
	return v, nil
}

// ClockOut transitions IN_PROGRESS -> COMPLETED and synchronously finalizes
// the EVV record before returning, so the record is visible to the submission
// pipeline the moment the caregiver sees success.
//
// Incomplete critical tasks are a hard block: the transition is rejected and
// the visit stays IN_PROGRESS. All other compliance findings (signature, low
// accuracy) become flags on the record, not blocks.
func (s *Service) ClockOut(ctx context.Context, visitID id.VisitID, reading evv.ClockVerification) (*evv.Record, error) {
	v, err := s.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status != visit.StatusInProgress {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "cannot clock out: visit is %s", v.Status)
	}
	if v.ClockIn == nil {
		return nil, dErrors.New(dErrors.CodeInvalidState, "visit has no clock-in reading")
	}

	if open := v.IncompleteCriticalTasks(); len(open) > 0 {
		s.countClockOut("rejected_critical_tasks")
		s.emit(ctx, audit.Event{
			Action:      audit.ActionClockOutRejected,
			OrgID:       v.OrgID,
			VisitID:     v.ID,
			CaregiverID: v.CaregiverID,
			Reason:      visit.ReasonCriticalTasksIncomplete,
			Detail:      fmt.Sprintf("%d critical task(s) open, first: %s", len(open), open[0].Name),
		})
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "%d critical task(s) incomplete", len(open)).
			WithReason(visit.ReasonCriticalTasksIncomplete)
	}

	bundle, err := s.policies.Resolve(ctx, v.OrgID, v.Address.StateCode, v.PayerID)
	if err != nil {
		return nil, err
	}
	fence := geo.Geofence{Center: v.Address.Point(), RadiusMeters: bundle.GeofenceRadiusMeters}

	now := requestcontext.Now(ctx)
	if reading.Timestamp.IsZero() {
		reading.Timestamp = now
	}
	reading = evv.DeriveDistance(reading, fence)
	v.ClockOut = &reading

	level := evv.EvaluateVerification(evv.VerificationInput{
		ClockIn:               *v.ClockIn,
		ClockOut:              reading,
		Geofence:              fence,
		GPSAccuracyThresholdM: bundle.GPSAccuracyThresholdM,
	})
	flags, status := evv.EvaluateCompliance(evv.ComplianceInput{
		Tasks:             v.TaskStatuses(),
		SignatureCaptured: v.SignatureCaptured,
		Level2Screened:    v.CaregiverScreened,
		VerificationLevel: level,
		Policy:            compliancePolicy(bundle.RequiresClientSignature, bundle.RequiresLevel2Screening, bundle.StrictGPSAccuracy, bundle.SeverityOverrides),
	})

	rec := &evv.Record{
		ID:                   id.NewEVVRecordID(),
		VisitID:              v.ID,
		OrgID:                v.OrgID,
		ClockInTime:          v.ClockIn.Timestamp,
		ClockOutTime:         reading.Timestamp,
		ClockInVerification:  *v.ClockIn,
		ClockOutVerification: reading,
		VerificationLevel:    level,
		TotalDuration:        reading.Timestamp.Sub(v.ClockIn.Timestamp),
		ComplianceFlags:      flags,
		ComplianceStatus:     status,
		CreatedAt:            now,
	}
	rec.IntegrityHash, err = s.hasher.Hash(rec)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "compute integrity hash")
	}

	v.Status = visit.StatusCompleted
	v.UpdatedAt = now
	// The record and the COMPLETED visit land atomically. If the record
	// write fails the visit must stay IN_PROGRESS, otherwise it is terminal
	// with no EVV record and the caregiver's retry is rejected.
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, rec); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "visit already has an evv record")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "persist evv record")
		}
		if err := s.visits.Update(ctx, v); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "persist clock-out")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.countClockOut("accepted")
	s.countFinalized(string(status))
	s.emit(ctx, audit.Event{
		Action:      audit.ActionClockOut,
		OrgID:       v.OrgID,
		VisitID:     v.ID,
		CaregiverID: v.CaregiverID,
		DeviceName:  requestcontext.DeviceName(ctx),
	})
	s.emit(ctx, audit.Event{
		Action:   audit.ActionRecordFinalized,
		OrgID:    v.OrgID,
		VisitID:  v.ID,
		RecordID: rec.ID,
		Detail:   string(status),
	})

	// NON_COMPLIANT records are held for review; everything else enters the
	// delivery pipeline. Enqueue is a DB write, not the network call.
	if s.submitter != nil && rec.Submittable() {
		if err := s.submitter.Enqueue(ctx, rec, v.Address.StateCode); err != nil {
			// Delivery is asynchronous by contract: a failed enqueue must not
			// fail the caregiver's clock-out. The sweep re-enqueues orphans.
			s.logger.ErrorContext(ctx, "submission enqueue failed",
				slog.String("visit_id", v.ID.String()),
				slog.String("evv_record_id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return rec, nil
}

// Cancel transitions SCHEDULED or IN_PROGRESS -> CANCELLED. A reason is
// required; no EVV record is produced.
func (s *Service) Cancel(ctx context.Context, visitID id.VisitID, reason string) (*visit.Visit, error) {
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "cancellation reason is required")
	}
	v, err := s.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Terminal() {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "cannot cancel: visit is %s", v.Status)
	}

	v.Status = visit.StatusCancelled
	v.CancelReason = reason
	v.UpdatedAt = requestcontext.Now(ctx)
	if err := s.visits.Update(ctx, v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist cancellation")
	}
	s.emit(ctx, audit.Event{
		Action:      audit.ActionVisitCancelled,
		OrgID:       v.OrgID,
		VisitID:     v.ID,
		CaregiverID: v.CaregiverID,
		Reason:      reason,
	})
	return v, nil
}

// ListByCaregiver returns a caregiver's visits ordered by scheduled start.
func (s *Service) ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID, limit int) ([]*visit.Visit, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	visits, err := s.visits.ListByCaregiver(ctx, caregiverID, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list visits")
	}
	return visits, nil
}

func compliancePolicy(requiresSignature, requiresScreening, strict bool, overrides map[string]string) evv.CompliancePolicy {
	p := evv.CompliancePolicy{
		RequiresClientSignature: requiresSignature,
		RequiresLevel2Screening: requiresScreening,
		StrictAccuracy:          strict,
	}
	if len(overrides) > 0 {
		p.SeverityOverrides = make(map[evv.FlagType]evv.Severity, len(overrides))
		for k, v := range overrides {
			p.SeverityOverrides[evv.FlagType(k)] = evv.Severity(v)
		}
	}
	return p
}

// inTx runs fn inside a transaction when a runner is wired. Memory stores
// run without one; each store call stands alone.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txRunner == nil {
		return fn(ctx)
	}
	return s.txRunner.InTx(ctx, fn)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	s.auditor.Emit(ctx, event)
}

func (s *Service) countClockIn(result string) {
	if s.metrics != nil {
		s.metrics.ClockIns.WithLabelValues(result).Inc()
	}
}

func (s *Service) countClockOut(result string) {
	if s.metrics != nil {
		s.metrics.ClockOuts.WithLabelValues(result).Inc()
	}
}

func (s *Service) countFinalized(status string) {
	if s.metrics != nil {
		s.metrics.RecordsFinalized.WithLabelValues(status).Inc()
	}
}
