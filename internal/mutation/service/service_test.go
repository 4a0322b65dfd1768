package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"carebridge/internal/evv"
	"carebridge/internal/mutation"
	"carebridge/internal/mutation/store"
	"carebridge/internal/visit"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/requestcontext"
)

// fakeApplier counts dispatches so idempotence tests can assert a replayed
// mutation never reaches the visit service twice.
type fakeApplier struct {
	clockIns, clockOuts, tasks, notes int
	err                               error
	taskErr                           error
}

func (f *fakeApplier) ClockIn(_ context.Context, _ id.VisitID, _ evv.ClockVerification, _ bool) (*visit.Visit, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.clockIns++
	return &visit.Visit{Status: visit.StatusInProgress}, nil
}

func (f *fakeApplier) ClockOut(_ context.Context, _ id.VisitID, _ evv.ClockVerification) (*evv.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.clockOuts++
	return &evv.Record{ID: id.NewEVVRecordID(), ComplianceStatus: evv.StatusCompliant}, nil
}

func (f *fakeApplier) CompleteTask(_ context.Context, _ id.VisitID, _ uuid.UUID) (*visit.Visit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.taskErr != nil {
		return nil, f.taskErr
	}
	f.tasks++
	return &visit.Visit{Status: visit.StatusInProgress}, nil
}

func (f *fakeApplier) AddNote(_ context.Context, _ id.VisitID, _ string) (*visit.Visit, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.notes++
	return &visit.Visit{Status: visit.StatusInProgress}, nil
}

type MutationSuite struct {
	suite.Suite

	store   *store.MemoryStore
	applier *fakeApplier
	svc     *Service

	ctx     context.Context
	visitID id.VisitID
}

func TestMutationSuite(t *testing.T) {
	suite.Run(t, new(MutationSuite))
}

func (s *MutationSuite) SetupTest() {
	s.store = store.NewMemory()
	s.applier = &fakeApplier{}

	var err error
	s.svc, err = New(s.store, s.applier)
	s.Require().NoError(err)

	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	s.visitID = id.NewVisitID()
}

func (s *MutationSuite) request(op mutation.OperationType, seq int64, payload string) ApplyRequest {
	return ApplyRequest{
		VisitID:           s.visitID,
		CaregiverID:       id.CaregiverID(uuid.New()),
		Operation:         op,
		ClientGeneratedID: uuid.NewString(),
		Sequence:          seq,
		Payload:           json.RawMessage(payload),
	}
}

const clockInPayload = `{"timestamp":"2026-03-10T09:00:00Z","method":"MANUAL"}`

func (s *MutationSuite) TestApplyInOrder() {
	out, err := s.svc.Apply(s.ctx, s.request(mutation.OpClockIn, 1, clockInPayload))
	s.Require().NoError(err)
	s.Equal(mutation.StatusApplied, out.Status)
	s.False(out.Replayed)
	s.JSONEq(`{"visit_status":"IN_PROGRESS"}`, string(out.Result))
	s.Equal(1, s.applier.clockIns)
}

func (s *MutationSuite) TestReplayReturnsStoredResultWithoutReapplying() {
	req := s.request(mutation.OpClockIn, 1, clockInPayload)

	first, err := s.svc.Apply(s.ctx, req)
	s.Require().NoError(err)
	second, err := s.svc.Apply(s.ctx, req)
	s.Require().NoError(err)

	s.True(second.Replayed)
	s.Equal(mutation.StatusApplied, second.Status)
	s.JSONEq(string(first.Result), string(second.Result))
	s.Equal(1, s.applier.clockIns)
}

func (s *MutationSuite) TestOutOfOrderMutationDeferredThenDrained() {
	// Sequence 2 arrives first: parked, not applied.
	out, err := s.svc.Apply(s.ctx, s.request(mutation.OpTaskComplete, 2,
		`{"task_id":"`+uuid.NewString()+`"}`))
	s.Require().NoError(err)
	s.Equal(mutation.StatusDeferred, out.Status)
	s.Zero(s.applier.tasks)

	// Sequence 1 closes the gap: both apply, in order.
	out, err = s.svc.Apply(s.ctx, s.request(mutation.OpClockIn, 1, clockInPayload))
	s.Require().NoError(err)
	s.Equal(mutation.StatusApplied, out.Status)
	s.Equal(1, s.applier.clockIns)
	s.Equal(1, s.applier.tasks)

	last, err := s.store.LastSettledSequence(s.ctx, s.visitID)
	s.Require().NoError(err)
	s.Equal(int64(2), last)
}

func (s *MutationSuite) TestStaleSequenceWithNewKeyConflicts() {
	_, err := s.svc.Apply(s.ctx, s.request(mutation.OpClockIn, 1, clockInPayload))
	s.Require().NoError(err)

	_, err = s.svc.Apply(s.ctx, s.request(mutation.OpNoteAdd, 1, `{"text":"late"}`))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *MutationSuite) TestTransientFailureStoresNothing() {
	s.applier.err = dErrors.New(dErrors.CodeUnavailable, "visit store down")

	req := s.request(mutation.OpClockOut, 1, clockInPayload)
	_, err := s.svc.Apply(s.ctx, req)
	s.Require().Error(err)

	// The failed mutation left no row, so a retry dispatches again.
	s.applier.err = nil
	out, err := s.svc.Apply(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(mutation.StatusApplied, out.Status)
	s.False(out.Replayed)
	s.Equal(1, s.applier.clockOuts)
}

func (s *MutationSuite) TestRejectionConsumesSequence() {
	// A geofence-style rejection at sequence 1 must not leave a gap: the
	// device cannot reuse the sequence, so the next mutation arrives at 2
	// and has to apply rather than defer.
	s.applier.err = dErrors.New(dErrors.CodeInvalidState, "clock-in outside geofence")
	_, err := s.svc.Apply(s.ctx, s.request(mutation.OpClockIn, 1, clockInPayload))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

	s.applier.err = nil
	out, err := s.svc.Apply(s.ctx, s.request(mutation.OpClockIn, 2, clockInPayload))
	s.Require().NoError(err)
	s.Equal(mutation.StatusApplied, out.Status)
	s.Equal(1, s.applier.clockIns)
}

func (s *MutationSuite) TestRejectedReplayReturnsStoredErrorWithoutRedispatch() {
	s.applier.err = dErrors.New(dErrors.CodeInvalidState, "clock-in outside geofence")
	req := s.request(mutation.OpClockIn, 1, clockInPayload)
	_, err := s.svc.Apply(s.ctx, req)
	s.Require().Error(err)

	s.applier.err = nil
	_, err = s.svc.Apply(s.ctx, req)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	s.Zero(s.applier.clockIns)

	stored, err := s.store.GetByKey(s.ctx, req.VisitID, req.Operation, req.ClientGeneratedID)
	s.Require().NoError(err)
	s.Equal(mutation.StatusRejected, stored.Status)
	s.Equal("clock-in outside geofence", stored.ErrorMessage)
}

func (s *MutationSuite) TestDrainRejectsFailedMutationAndContinues() {
	taskReq := s.request(mutation.OpTaskComplete, 2, `{"task_id":"`+uuid.NewString()+`"}`)
	noteReq := s.request(mutation.OpNoteAdd, 3, `{"text":"meds given"}`)

	out, err := s.svc.Apply(s.ctx, taskReq)
	s.Require().NoError(err)
	s.Equal(mutation.StatusDeferred, out.Status)
	out, err = s.svc.Apply(s.ctx, noteReq)
	s.Require().NoError(err)
	s.Equal(mutation.StatusDeferred, out.Status)

	// Closing the gap drains both: the task fails its business rule and is
	// rejected in place, the note behind it still applies.
	s.applier.taskErr = dErrors.New(dErrors.CodeNotFound, "task not on care plan")
	_, err = s.svc.Apply(s.ctx, s.request(mutation.OpClockIn, 1, clockInPayload))
	s.Require().NoError(err)

	s.Equal(1, s.applier.notes)
	stored, err := s.store.GetByKey(s.ctx, taskReq.VisitID, taskReq.Operation, taskReq.ClientGeneratedID)
	s.Require().NoError(err)
	s.Equal(mutation.StatusRejected, stored.Status)

	last, err := s.store.LastSettledSequence(s.ctx, s.visitID)
	s.Require().NoError(err)
	s.Equal(int64(3), last)
}

func (s *MutationSuite) TestValidation() {
	cases := []struct {
		name string
		req  ApplyRequest
	}{
		{"nil visit", ApplyRequest{Operation: mutation.OpClockIn, ClientGeneratedID: "c1", Sequence: 1}},
		{"unknown op", func() ApplyRequest { r := s.request("SELFIE", 1, "{}"); return r }()},
		{"missing client id", ApplyRequest{VisitID: s.visitID, Operation: mutation.OpClockIn, Sequence: 1}},
		{"zero sequence", func() ApplyRequest { r := s.request(mutation.OpClockIn, 0, "{}"); return r }()},
	}
	for _, tc := range cases {
		_, err := s.svc.Apply(s.ctx, tc.req)
		s.Require().Error(err, tc.name)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput), tc.name)
	}
}

func (s *MutationSuite) TestMalformedPayloadRejected() {
	_, err := s.svc.Apply(s.ctx, s.request(mutation.OpNoteAdd, 1, `{"text":`))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
