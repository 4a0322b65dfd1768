//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"carebridge/internal/mutation"
	"carebridge/internal/mutation/store"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
	"carebridge/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "mutations")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newMutation(visitID id.VisitID, seq int64, clientID string) *mutation.Mutation {
	return &mutation.Mutation{
		ID:                uuid.New(),
		VisitID:           visitID,
		CaregiverID:       id.CaregiverID(uuid.New()),
		Operation:         mutation.OpTaskComplete,
		ClientGeneratedID: clientID,
		Sequence:          seq,
		Payload:           []byte(`{"task_id":"t1"}`),
		Status:            mutation.StatusApplied,
		Result:            []byte(`{"visit_status":"IN_PROGRESS"}`),
		ReceivedAt:        time.Now().UTC(),
	}
}

// TestInsertDuplicateKeyConflicts verifies the unique index on
// (visit_id, operation_type, client_generated_id): a replayed mutation
// surfaces as a conflict, not a second row.
func (s *PostgresStoreSuite) TestInsertDuplicateKeyConflicts() {
	ctx := context.Background()
	visitID := id.VisitID(uuid.New())

	first := s.newMutation(visitID, 1, "client-mut-1")
	s.Require().NoError(s.store.Insert(ctx, first))

	replay := s.newMutation(visitID, 1, "client-mut-1")
	err := s.store.Insert(ctx, replay)
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	// Same client id against another visit is a different key.
	other := s.newMutation(id.VisitID(uuid.New()), 1, "client-mut-1")
	s.Require().NoError(s.store.Insert(ctx, other))
}

func (s *PostgresStoreSuite) TestLastSettledSequenceCountsRejectedNotDeferred() {
	ctx := context.Background()
	visitID := id.VisitID(uuid.New())

	s.Require().NoError(s.store.Insert(ctx, s.newMutation(visitID, 1, "m1")))
	s.Require().NoError(s.store.Insert(ctx, s.newMutation(visitID, 2, "m2")))

	rejected := s.newMutation(visitID, 3, "m3")
	rejected.Status = mutation.StatusRejected
	rejected.Result = nil
	rejected.ErrorCode = "invalid_state"
	rejected.ErrorMessage = "clock-in outside geofence"
	s.Require().NoError(s.store.Insert(ctx, rejected))

	deferred := s.newMutation(visitID, 5, "m5")
	deferred.Status = mutation.StatusDeferred
	deferred.Result = nil
	s.Require().NoError(s.store.Insert(ctx, deferred))

	last, err := s.store.LastSettledSequence(ctx, visitID)
	s.Require().NoError(err)
	s.Equal(int64(3), last, "rejected rows consume their sequence; deferred rows do not")

	// No rows at all means sequence zero.
	last, err = s.store.LastSettledSequence(ctx, id.VisitID(uuid.New()))
	s.Require().NoError(err)
	s.Zero(last)
}

func (s *PostgresStoreSuite) TestMarkRejectedStoresBusinessError() {
	ctx := context.Background()
	visitID := id.VisitID(uuid.New())

	deferred := s.newMutation(visitID, 2, "m2")
	deferred.Status = mutation.StatusDeferred
	deferred.Result = nil
	s.Require().NoError(s.store.Insert(ctx, deferred))

	err := s.store.MarkRejected(ctx, deferred.ID, "not_found", "task not on care plan")
	s.Require().NoError(err)

	stored, err := s.store.GetByKey(ctx, visitID, mutation.OpTaskComplete, "m2")
	s.Require().NoError(err)
	s.Equal(mutation.StatusRejected, stored.Status)
	s.Equal("not_found", stored.ErrorCode)
	s.Equal("task not on care plan", stored.ErrorMessage)

	_, err = s.store.GetDeferred(ctx, visitID, 2)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	err = s.store.MarkRejected(ctx, uuid.New(), "not_found", "nope")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestMarkAppliedPromotesDeferredRow() {
	ctx := context.Background()
	visitID := id.VisitID(uuid.New())

	deferred := s.newMutation(visitID, 2, "m2")
	deferred.Status = mutation.StatusDeferred
	deferred.Result = nil
	s.Require().NoError(s.store.Insert(ctx, deferred))

	got, err := s.store.GetDeferred(ctx, visitID, 2)
	s.Require().NoError(err)
	s.Equal(deferred.ID, got.ID)

	appliedAt := time.Now().UTC()
	result := []byte(`{"visit_status":"IN_PROGRESS"}`)
	s.Require().NoError(s.store.MarkApplied(ctx, deferred.ID, result, appliedAt))

	stored, err := s.store.GetByKey(ctx, visitID, mutation.OpTaskComplete, "m2")
	s.Require().NoError(err)
	s.Equal(mutation.StatusApplied, stored.Status)
	s.JSONEq(string(result), string(stored.Result))
	s.Require().NotNil(stored.AppliedAt)

	_, err = s.store.GetDeferred(ctx, visitID, 2)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
