package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carebridge/internal/aggregator"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
)

// PostgresStore persists submissions on a pgx pool. The table carries a
// partial unique index on evv_record_id over non-terminal rows, which is what
// guarantees at most one submission in flight per record; ClaimDue uses
// FOR UPDATE SKIP LOCKED so concurrent sweepers partition the due set
// instead of colliding on it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, sub *aggregator.Submission) error {
	query := `
		INSERT INTO aggregator_submissions (
			id, evv_record_id, visit_id, org_id, aggregator, state_code,
			kind, parent_id, reason, payload, status, retry_count, max_retries,
			next_retry_at, confirmation_id, error_code, error_message,
			created_at, updated_at, last_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	var parent *uuid.UUID
	if sub.ParentID != nil {
		p := uuid.UUID(*sub.ParentID)
		parent = &p
	}
	_, err := s.pool.Exec(ctx, query,
		uuid.UUID(sub.ID), uuid.UUID(sub.EVVRecordID), uuid.UUID(sub.VisitID), uuid.UUID(sub.OrgID),
		sub.Aggregator, string(sub.StateCode),
		string(sub.Kind), parent, sub.Reason, []byte(sub.Payload), string(sub.Status),
		sub.RetryCount, sub.MaxRetries,
		sub.NextRetryAt, sub.ConfirmationID, sub.ErrorCode, sub.ErrorMessage,
		sub.CreatedAt, sub.UpdatedAt, sub.LastAttemptAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

const selectSubmission = `
	SELECT id, evv_record_id, visit_id, org_id, aggregator, state_code,
	       kind, parent_id, reason, payload, status, retry_count, max_retries,
	       next_retry_at, confirmation_id, error_code, error_message,
	       created_at, updated_at, last_attempt_at
	FROM aggregator_submissions
`

func (s *PostgresStore) Get(ctx context.Context, subID id.SubmissionID) (*aggregator.Submission, error) {
	row := s.pool.QueryRow(ctx, selectSubmission+` WHERE id = $1`, uuid.UUID(subID))
	return scanSubmission(row)
}

func (s *PostgresStore) LatestByRecord(ctx context.Context, recordID id.EVVRecordID) (*aggregator.Submission, error) {
	row := s.pool.QueryRow(ctx,
		selectSubmission+` WHERE evv_record_id = $1 ORDER BY created_at DESC LIMIT 1`,
		uuid.UUID(recordID),
	)
	return scanSubmission(row)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status aggregator.Status, limit int) ([]*aggregator.Submission, error) {
	rows, err := s.pool.Query(ctx,
		selectSubmission+` WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list submissions by status: %w", err)
	}
	defer rows.Close()

	var out []*aggregator.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*aggregator.Submission, error) {
	query := `
		UPDATE aggregator_submissions SET
			status = 'SUBMITTING', last_attempt_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM aggregator_submissions
			WHERE status = ANY('{PENDING,RETRY}')
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, evv_record_id, visit_id, org_id, aggregator, state_code,
		          kind, parent_id, reason, payload, status, retry_count, max_retries,
		          next_retry_at, confirmation_id, error_code, error_message,
		          created_at, updated_at, last_attempt_at
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due submissions: %w", err)
	}
	defer rows.Close()

	var out []*aggregator.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE aggregator_submissions SET
			status = 'RETRY', next_retry_at = NULL, updated_at = NOW()
		WHERE status = 'SUBMITTING' AND last_attempt_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale submissions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Finalize(ctx context.Context, sub *aggregator.Submission) error {
	query := `
		UPDATE aggregator_submissions SET
			status = $2, retry_count = $3, next_retry_at = $4,
			confirmation_id = $5, error_code = $6, error_message = $7,
			updated_at = $8, last_attempt_at = $9
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		uuid.UUID(sub.ID),
		string(sub.Status), sub.RetryCount, sub.NextRetryAt,
		sub.ConfirmationID, sub.ErrorCode, sub.ErrorMessage,
		sub.UpdatedAt, sub.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("finalize submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanSubmission(row pgx.Row) (*aggregator.Submission, error) {
	var (
		sub                        aggregator.Submission
		subID, recordID            uuid.UUID
		visitID, orgID             uuid.UUID
		state, kind, status        string
		parent                     *uuid.UUID
		payload                    []byte
		nextRetryAt, lastAttemptAt *time.Time
	)
	err := row.Scan(
		&subID, &recordID, &visitID, &orgID, &sub.Aggregator, &state,
		&kind, &parent, &sub.Reason, &payload, &status, &sub.RetryCount, &sub.MaxRetries,
		&nextRetryAt, &sub.ConfirmationID, &sub.ErrorCode, &sub.ErrorMessage,
		&sub.CreatedAt, &sub.UpdatedAt, &lastAttemptAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	sub.ID = id.SubmissionID(subID)
	sub.EVVRecordID = id.EVVRecordID(recordID)
	sub.VisitID = id.VisitID(visitID)
	sub.OrgID = id.OrgID(orgID)
	sub.StateCode = id.StateCode(state)
	sub.Kind = aggregator.Kind(kind)
	sub.Status = aggregator.Status(status)
	sub.Payload = payload
	sub.NextRetryAt = nextRetryAt
	sub.LastAttemptAt = lastAttemptAt
	if parent != nil {
		p := id.SubmissionID(*parent)
		sub.ParentID = &p
	}
	return &sub, nil
}
