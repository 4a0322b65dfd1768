package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"carebridge/internal/mutation"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
	txcontext "carebridge/pkg/platform/tx"
)

// PostgresStore persists mutations. The mutations table carries a unique
// index on (visit_id, operation_type, client_generated_id); a duplicate key
// insert surfaces as sentinel.ErrConflict so the service can serve the
// stored result instead.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) q(ctx context.Context) execer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Insert(ctx context.Context, m *mutation.Mutation) error {
	query := `
		INSERT INTO mutations (
			id, visit_id, caregiver_id, operation_type, client_generated_id,
			sequence, payload, status, result, error_code, error_message,
			received_at, applied_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		m.ID, uuid.UUID(m.VisitID), uuid.UUID(m.CaregiverID),
		string(m.Operation), m.ClientGeneratedID,
		m.Sequence, []byte(m.Payload), string(m.Status), []byte(m.Result),
		m.ErrorCode, m.ErrorMessage,
		m.ReceivedAt, m.AppliedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert mutation: %w", err)
	}
	return nil
}

const selectMutation = `
	SELECT id, visit_id, caregiver_id, operation_type, client_generated_id,
	       sequence, payload, status, result, error_code, error_message,
	       received_at, applied_at
	FROM mutations
`

func (s *PostgresStore) GetByKey(ctx context.Context, visitID id.VisitID, op mutation.OperationType, clientGeneratedID string) (*mutation.Mutation, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		selectMutation+` WHERE visit_id = $1 AND operation_type = $2 AND client_generated_id = $3`,
		uuid.UUID(visitID), string(op), clientGeneratedID,
	)
	return scanMutation(row)
}

func (s *PostgresStore) LastSettledSequence(ctx context.Context, visitID id.VisitID) (int64, error) {
	var last sql.NullInt64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM mutations WHERE visit_id = $1 AND status IN ('APPLIED', 'REJECTED')`,
		uuid.UUID(visitID),
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last settled sequence: %w", err)
	}
	return last.Int64, nil
}

func (s *PostgresStore) GetDeferred(ctx context.Context, visitID id.VisitID, sequence int64) (*mutation.Mutation, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		selectMutation+` WHERE visit_id = $1 AND status = 'DEFERRED' AND sequence = $2`,
		uuid.UUID(visitID), sequence,
	)
	return scanMutation(row)
}

func (s *PostgresStore) MarkApplied(ctx context.Context, mutationID uuid.UUID, result []byte, appliedAt time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE mutations SET status = 'APPLIED', result = $2, applied_at = $3 WHERE id = $1`,
		mutationID, result, appliedAt,
	)
	if err != nil {
		return fmt.Errorf("mark mutation applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark mutation applied rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRejected(ctx context.Context, mutationID uuid.UUID, code, message string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE mutations SET status = 'REJECTED', error_code = $2, error_message = $3 WHERE id = $1`,
		mutationID, code, message,
	)
	if err != nil {
		return fmt.Errorf("mark mutation rejected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark mutation rejected rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanMutation(row *sql.Row) (*mutation.Mutation, error) {
	var (
		m                    mutation.Mutation
		visitID, caregiverID uuid.UUID
		op, status           string
		payload, result      []byte
		appliedAt            sql.NullTime
	)
	err := row.Scan(
		&m.ID, &visitID, &caregiverID, &op, &m.ClientGeneratedID,
		&m.Sequence, &payload, &status, &result, &m.ErrorCode, &m.ErrorMessage,
		&m.ReceivedAt, &appliedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan mutation: %w", err)
	}
	m.VisitID = id.VisitID(visitID)
	m.CaregiverID = id.CaregiverID(caregiverID)
	m.Operation = mutation.OperationType(op)
	m.Status = mutation.Status(status)
	m.Payload = payload
	m.Result = result
	if appliedAt.Valid {
		at := appliedAt.Time
		m.AppliedAt = &at
	}
	return &m, nil
}
