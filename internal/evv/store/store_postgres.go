package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"carebridge/internal/evv"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
	txcontext "carebridge/pkg/platform/tx"
)

// PostgresStore persists EVV records. Pure I/O: evaluation logic lives in the
// evv package, transition rules in the visit service.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, rec *evv.Record) error {
	clockIn, err := json.Marshal(rec.ClockInVerification)
	if err != nil {
		return fmt.Errorf("marshal clock-in verification: %w", err)
	}
	clockOut, err := json.Marshal(rec.ClockOutVerification)
	if err != nil {
		return fmt.Errorf("marshal clock-out verification: %w", err)
	}
	flags, err := json.Marshal(rec.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("marshal compliance flags: %w", err)
	}

	query := `
		INSERT INTO evv_records (
			id, visit_id, org_id, clock_in_time, clock_out_time,
			clock_in_verification, clock_out_verification,
			verification_level, total_duration_s, compliance_flags,
			compliance_status, integrity_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.q(ctx).ExecContext(ctx, query,
		uuid.UUID(rec.ID), uuid.UUID(rec.VisitID), uuid.UUID(rec.OrgID),
		rec.ClockInTime, rec.ClockOutTime,
		clockIn, clockOut,
		string(rec.VerificationLevel), int64(rec.TotalDuration.Seconds()), flags,
		string(rec.ComplianceStatus), rec.IntegrityHash, rec.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		// unique_violation on visit_id: the visit was already finalized.
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create evv record: %w", err)
	}
	return nil
}

const selectRecord = `
	SELECT id, visit_id, org_id, clock_in_time, clock_out_time,
	       clock_in_verification, clock_out_verification,
	       verification_level, total_duration_s, compliance_flags,
	       compliance_status, integrity_hash, created_at
	FROM evv_records
`

func (s *PostgresStore) Get(ctx context.Context, recordID id.EVVRecordID) (*evv.Record, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectRecord+` WHERE id = $1`, uuid.UUID(recordID))
	return scanRecord(row)
}

func (s *PostgresStore) GetByVisit(ctx context.Context, visitID id.VisitID) (*evv.Record, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectRecord+` WHERE visit_id = $1`, uuid.UUID(visitID))
	return scanRecord(row)
}

func (s *PostgresStore) ListPendingReview(ctx context.Context, limit int) ([]*evv.Record, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		selectRecord+` WHERE compliance_status = $1 ORDER BY created_at LIMIT $2`,
		string(evv.StatusPendingReview), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending review: %w", err)
	}
	defer rows.Close()

	var out []*evv.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*evv.Record, error) {
	var (
		recID, visitID, orgID uuid.UUID
		clockIn, clockOut     []byte
		flags                 []byte
		level, status, hash   string
		durationSeconds       int64
		clockInAt, clockOutAt time.Time
		createdAt             time.Time
	)
	err := row.Scan(
		&recID, &visitID, &orgID, &clockInAt, &clockOutAt,
		&clockIn, &clockOut,
		&level, &durationSeconds, &flags,
		&status, &hash, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan evv record: %w", err)
	}

	rec := &evv.Record{
		ID:                id.EVVRecordID(recID),
		VisitID:           id.VisitID(visitID),
		OrgID:             id.OrgID(orgID),
		ClockInTime:       clockInAt,
		ClockOutTime:      clockOutAt,
		VerificationLevel: evv.VerificationLevel(level),
		TotalDuration:     time.Duration(durationSeconds) * time.Second,
		ComplianceStatus:  evv.ComplianceStatus(status),
		IntegrityHash:     hash,
		CreatedAt:         createdAt,
	}
	if err := json.Unmarshal(clockIn, &rec.ClockInVerification); err != nil {
		return nil, fmt.Errorf("unmarshal clock-in verification: %w", err)
	}
	if err := json.Unmarshal(clockOut, &rec.ClockOutVerification); err != nil {
		return nil, fmt.Errorf("unmarshal clock-out verification: %w", err)
	}
	if err := json.Unmarshal(flags, &rec.ComplianceFlags); err != nil {
		return nil, fmt.Errorf("unmarshal compliance flags: %w", err)
	}
	return rec, nil
}
