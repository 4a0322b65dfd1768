package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"carebridge/internal/aggregator"
	"carebridge/internal/aggregator/adapters"
	"carebridge/internal/aggregator/store"
	"carebridge/internal/evv"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
)

type step struct {
	res adapters.Result
	err error
}

// scriptedAdapter plays back a fixed sequence of results, then repeats the
// last one.
type scriptedAdapter struct {
	mu          sync.Mutex
	steps       []step
	calls       int
	corrections []string
}

func (a *scriptedAdapter) Name() string { return "HHAEXCHANGE" }

func (a *scriptedAdapter) next() (adapters.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	a.calls++
	return a.steps[i].res, a.steps[i].err
}

func (a *scriptedAdapter) SubmitVisit(_ context.Context, _ []byte) (adapters.Result, error) {
	return a.next()
}

func (a *scriptedAdapter) SubmitCorrection(_ context.Context, confirmationID string, _ []byte) (adapters.Result, error) {
	a.mu.Lock()
	a.corrections = append(a.corrections, confirmationID)
	a.mu.Unlock()
	return a.next()
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var accepted = step{res: adapters.Result{Accepted: true, ConfirmationID: "CONF-1"}}

func serverError(code string) step {
	return step{res: adapters.Result{ErrorCode: code, ErrorMessage: "upstream error", Retryable: true}}
}

func clientError(code string) step {
	return step{res: adapters.Result{ErrorCode: code, ErrorMessage: "payload refused", Retryable: false}}
}

type PipelineSuite struct {
	suite.Suite

	store   *store.MemoryStore
	adapter *scriptedAdapter
	ctx     context.Context
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.store = store.NewMemory()
	s.adapter = &scriptedAdapter{}
	s.ctx = context.Background()
}

// newService wires the scripted adapter for TX with an immediate retry
// schedule so tests drain retries without waiting out real backoff.
func (s *PipelineSuite) newService(opts ...Option) *Service {
	registry := adapters.NewRegistry()
	s.Require().NoError(registry.Register("TX", s.adapter))

	opts = append([]Option{WithRetryPolicy(3, []time.Duration{0})}, opts...)
	svc, err := New(s.store, registry, opts...)
	s.Require().NoError(err)
	return svc
}

func (s *PipelineSuite) record() *evv.Record {
	return &evv.Record{
		ID:               id.NewEVVRecordID(),
		VisitID:          id.NewVisitID(),
		OrgID:            id.OrgID(uuid.New()),
		ClockInTime:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		ClockOutTime:     time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		ComplianceStatus: evv.StatusCompliant,
		TotalDuration:    time.Hour,
		IntegrityHash:    "abc123",
	}
}

// drain keeps delivering until nothing is due.
func (s *PipelineSuite) drain(svc *Service) {
	for {
		n, err := svc.DeliverDue(s.ctx, 10)
		s.Require().NoError(err)
		if n == 0 {
			return
		}
	}
}

func (s *PipelineSuite) latest(recordID id.EVVRecordID) *aggregator.Submission {
	sub, err := s.store.LatestByRecord(s.ctx, recordID)
	s.Require().NoError(err)
	return sub
}

func (s *PipelineSuite) TestAcceptedFirstAttempt() {
	s.adapter.steps = []step{accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	sub := s.latest(rec.ID)
	s.Equal("CONF-1", sub.ConfirmationID)
	s.Zero(sub.RetryCount)
}

func (s *PipelineSuite) TestClientErrorRejectsWithoutRetry() {
	s.adapter.steps = []step{clientError("INVALID_MEMBER_ID")}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusRejected
	}, time.Second, 5*time.Millisecond)

	sub := s.latest(rec.ID)
	s.Equal("INVALID_MEMBER_ID", sub.ErrorCode)
	s.Zero(sub.RetryCount)
	s.Equal(1, s.adapter.callCount())
}

func (s *PipelineSuite) TestServerErrorsRetryThenAccept() {
	s.adapter.steps = []step{serverError("HTTP_500"), serverError("HTTP_500"), accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		s.drain(svc)
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	sub := s.latest(rec.ID)
	s.Equal(2, sub.RetryCount)
	s.Equal("CONF-1", sub.ConfirmationID)
	s.Empty(sub.ErrorCode)
	s.Equal(3, s.adapter.callCount())
}

func (s *PipelineSuite) TestRetriesExhaustedRejects() {
	s.adapter.steps = []step{serverError("HTTP_503")}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		s.drain(svc)
		return s.latest(rec.ID).Status == aggregator.StatusRejected
	}, time.Second, 5*time.Millisecond)

	sub := s.latest(rec.ID)
	s.Equal(2, sub.RetryCount)
	s.Contains(sub.ErrorMessage, "Max retries exceeded")
	// The budget is three attempts total, not three retries after the first.
	s.Equal(3, s.adapter.callCount())
}

func (s *PipelineSuite) TestTransportErrorIsRetryable() {
	s.adapter.steps = []step{{err: context.DeadlineExceeded}, accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		s.drain(svc)
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	s.Equal(1, s.latest(rec.ID).RetryCount)
}

func (s *PipelineSuite) TestBackoffScheduleGrows() {
	s.adapter.steps = []step{serverError("HTTP_500")}
	registry := adapters.NewRegistry()
	s.Require().NoError(registry.Register("TX", s.adapter))
	svc, err := New(s.store, registry,
		WithRetryPolicy(3, []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second}))
	s.Require().NoError(err)
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusRetry
	}, time.Second, 5*time.Millisecond)

	sub := s.latest(rec.ID)
	s.Equal(1, sub.RetryCount)
	s.Require().NotNil(sub.NextRetryAt)
	s.InDelta(60, time.Until(*sub.NextRetryAt).Seconds(), 5)
}

func (s *PipelineSuite) TestAtMostOneSubmissionInFlight() {
	s.adapter.steps = []step{serverError("HTTP_500")}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	err := svc.Enqueue(s.ctx, rec, "TX")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *PipelineSuite) TestEnqueueUnroutableState() {
	svc := s.newService()
	err := svc.Enqueue(s.ctx, s.record(), "OH")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *PipelineSuite) TestCorrectionRequiresAcceptedOriginal() {
	s.adapter.steps = []step{clientError("INVALID_MEMBER_ID")}
	svc := s.newService()
	rec := s.record()

	// Never submitted at all.
	_, err := svc.SubmitCorrection(s.ctx, rec, "TX", "corrected clock-out time")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

	// Rejected original is not correctable either.
	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusRejected
	}, time.Second, 5*time.Millisecond)

	_, err = svc.SubmitCorrection(s.ctx, rec, "TX", "corrected clock-out time")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *PipelineSuite) TestCorrectionRequiresReason() {
	s.adapter.steps = []step{accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	_, err := svc.SubmitCorrection(s.ctx, rec, "TX", "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *PipelineSuite) TestCorrectionChainsToOriginalConfirmation() {
	s.adapter.steps = []step{accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	corr, err := svc.SubmitCorrection(s.ctx, rec, "TX", "visit duration amended after audit")
	s.Require().NoError(err)
	s.Equal(aggregator.KindCorrection, corr.Kind)
	s.Equal("visit duration amended after audit", corr.Reason)
	s.Contains(string(corr.Payload), `"correction_reason":"visit duration amended after audit"`)

	s.Require().Eventually(func() bool {
		sub, err := s.store.Get(s.ctx, corr.ID)
		return err == nil && sub.Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	s.Equal([]string{"CONF-1"}, s.adapter.corrections)
}

func (s *PipelineSuite) TestCorrectionStateMustMatchOriginal() {
	s.adapter.steps = []step{accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	_, err := svc.SubmitCorrection(s.ctx, rec, "OH", "corrected clock-out time")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *PipelineSuite) TestReclaimStaleReturnsAbandonedClaims() {
	s.adapter.steps = []step{accepted}
	svc := s.newService()
	rec := s.record()

	// A claim left SUBMITTING by a process that died mid-attempt. Without
	// reclaim it never re-enters the due set, and the in-flight index blocks
	// any new submission for the record.
	staleAt := time.Now().UTC().Add(-10 * time.Minute)
	stale := &aggregator.Submission{
		ID:            id.NewSubmissionID(),
		EVVRecordID:   rec.ID,
		VisitID:       rec.VisitID,
		Aggregator:    "HHAEXCHANGE",
		StateCode:     "TX",
		Kind:          aggregator.KindVisit,
		Status:        aggregator.StatusSubmitting,
		MaxRetries:    3,
		CreatedAt:     staleAt,
		LastAttemptAt: &staleAt,
	}
	s.Require().NoError(s.store.Create(s.ctx, stale))

	n, err := svc.ReclaimStale(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.drain(svc)
	s.Equal(aggregator.StatusAccepted, s.latest(rec.ID).Status)
}

func (s *PipelineSuite) TestReclaimStaleLeavesFreshClaimsAlone() {
	svc := s.newService()
	rec := s.record()

	now := time.Now().UTC()
	claimed := &aggregator.Submission{
		ID:            id.NewSubmissionID(),
		EVVRecordID:   rec.ID,
		VisitID:       rec.VisitID,
		Aggregator:    "HHAEXCHANGE",
		StateCode:     "TX",
		Kind:          aggregator.KindVisit,
		Status:        aggregator.StatusSubmitting,
		MaxRetries:    3,
		CreatedAt:     now,
		LastAttemptAt: &now,
	}
	s.Require().NoError(s.store.Create(s.ctx, claimed))

	n, err := svc.ReclaimStale(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal(aggregator.StatusSubmitting, s.latest(rec.ID).Status)
}

func (s *PipelineSuite) TestLatestUnknownRecordNotFound() {
	svc := s.newService()
	_, err := svc.Latest(s.ctx, id.NewEVVRecordID())
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *PipelineSuite) TestListRejectedIsTheExceptionQueue() {
	s.adapter.steps = []step{clientError("INVALID_MEMBER_ID"), accepted}
	svc := s.newService()
	bad, good := s.record(), s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, bad, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(bad.ID).Status == aggregator.StatusRejected
	}, time.Second, 5*time.Millisecond)
	s.Require().NoError(svc.Enqueue(s.ctx, good, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(good.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	subs, err := svc.ListRejected(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(subs, 1)
	s.Equal(bad.ID, subs[0].EVVRecordID)
}

func (s *PipelineSuite) TestRequeueRejectedRedelivers() {
	s.adapter.steps = []step{clientError("INVALID_MEMBER_ID"), accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusRejected
	}, time.Second, 5*time.Millisecond)
	subID := s.latest(rec.ID).ID

	requeued, err := svc.Requeue(s.ctx, subID)
	s.Require().NoError(err)
	s.Zero(requeued.RetryCount)
	s.Empty(requeued.ErrorCode)

	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)
	s.Equal("CONF-1", s.latest(rec.ID).ConfirmationID)
}

func (s *PipelineSuite) TestRequeueRequiresRejectedStatus() {
	s.adapter.steps = []step{accepted}
	svc := s.newService()
	rec := s.record()

	s.Require().NoError(svc.Enqueue(s.ctx, rec, "TX"))
	s.Require().Eventually(func() bool {
		return s.latest(rec.ID).Status == aggregator.StatusAccepted
	}, time.Second, 5*time.Millisecond)

	_, err := svc.Requeue(s.ctx, s.latest(rec.ID).ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *PipelineSuite) TestRequeueRefusedWhenNewerChainExists() {
	svc := s.newService()
	rec := s.record()

	old := &aggregator.Submission{
		ID:          id.NewSubmissionID(),
		EVVRecordID: rec.ID,
		VisitID:     rec.VisitID,
		Aggregator:  "HHAEXCHANGE",
		StateCode:   "TX",
		Kind:        aggregator.KindVisit,
		Status:      aggregator.StatusRejected,
		MaxRetries:  3,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	s.Require().NoError(s.store.Create(s.ctx, old))
	newer := &aggregator.Submission{
		ID:          id.NewSubmissionID(),
		EVVRecordID: rec.ID,
		VisitID:     rec.VisitID,
		Aggregator:  "HHAEXCHANGE",
		StateCode:   "TX",
		Kind:        aggregator.KindCorrection,
		ParentID:    &old.ID,
		Status:      aggregator.StatusAccepted,
		MaxRetries:  3,
		CreatedAt:   time.Now().UTC(),
	}
	s.Require().NoError(s.store.Create(s.ctx, newer))

	_, err := svc.Requeue(s.ctx, old.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *PipelineSuite) TestConcurrentSweepersClaimDisjointly() {
	s.adapter.steps = []step{accepted}
	svc := s.newService()

	recs := make([]*evv.Record, 5)
	for i := range recs {
		recs[i] = s.record()
		sub := &aggregator.Submission{
			ID:          id.NewSubmissionID(),
			EVVRecordID: recs[i].ID,
			VisitID:     recs[i].VisitID,
			Aggregator:  "HHAEXCHANGE",
			StateCode:   "TX",
			Kind:        aggregator.KindVisit,
			Status:      aggregator.StatusPending,
			MaxRetries:  3,
			CreatedAt:   time.Now().UTC(),
		}
		s.Require().NoError(s.store.Create(s.ctx, sub))
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.DeliverDue(s.ctx, 10)
		}()
	}
	wg.Wait()

	// Every submission was attempted exactly once.
	s.Equal(5, s.adapter.callCount())
	for _, rec := range recs {
		s.Equal(aggregator.StatusAccepted, s.latest(rec.ID).Status)
	}
}
