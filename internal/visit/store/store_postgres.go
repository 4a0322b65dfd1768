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
	"carebridge/internal/visit"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
	txcontext "carebridge/pkg/platform/tx"
)

// PostgresStore persists visits. Task lists, address, and clock verifications
// are JSONB columns: they are read and written as units with the row and have
// no relational consumers of their own.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) q(ctx context.Context) execer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, v *visit.Visit) error {
	tasks, address, clockIn, clockOut, notes, err := marshalParts(v)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO visits (
			id, org_id, branch_id, client_id, caregiver_id, payer_id,
			scheduled_start, scheduled_end, service_type, address, tasks,
			status, caregiver_screened, clock_in, clock_out,
			signature_captured, notes, cancel_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = s.q(ctx).ExecContext(ctx, query,
		uuid.UUID(v.ID), uuid.UUID(v.OrgID), uuid.UUID(v.BranchID),
		uuid.UUID(v.ClientID), uuid.UUID(v.CaregiverID), uuid.UUID(v.PayerID),
		v.ScheduledStart, v.ScheduledEnd, v.ServiceType, address, tasks,
		string(v.Status), v.CaregiverScreened, clockIn, clockOut,
		v.SignatureCaptured, notes, v.CancelReason, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create visit: %w", err)
	}
	return nil
}

const selectVisit = `
	SELECT id, org_id, branch_id, client_id, caregiver_id, payer_id,
	       scheduled_start, scheduled_end, service_type, address, tasks,
	       status, caregiver_screened, clock_in, clock_out,
	       signature_captured, notes, cancel_reason, created_at, updated_at
	FROM visits
`

func (s *PostgresStore) Get(ctx context.Context, visitID id.VisitID) (*visit.Visit, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectVisit+` WHERE id = $1`, uuid.UUID(visitID))
	return scanVisit(row)
}

func (s *PostgresStore) Update(ctx context.Context, v *visit.Visit) error {
	tasks, address, clockIn, clockOut, notes, err := marshalParts(v)
	if err != nil {
		return err
	}

	query := `
		UPDATE visits SET
			scheduled_start = $2, scheduled_end = $3, service_type = $4,
			address = $5, tasks = $6, status = $7, caregiver_screened = $8,
			clock_in = $9, clock_out = $10, signature_captured = $11,
			notes = $12, cancel_reason = $13, updated_at = $14
		WHERE id = $1
	`
	res, err := s.q(ctx).ExecContext(ctx, query,
		uuid.UUID(v.ID),
		v.ScheduledStart, v.ScheduledEnd, v.ServiceType,
		address, tasks, string(v.Status), v.CaregiverScreened,
		clockIn, clockOut, v.SignatureCaptured, notes, v.CancelReason,
		v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update visit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update visit rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID, limit int) ([]*visit.Visit, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		selectVisit+` WHERE caregiver_id = $1 ORDER BY scheduled_start LIMIT $2`,
		uuid.UUID(caregiverID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list visits by caregiver: %w", err)
	}
	defer rows.Close()

	var out []*visit.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshalParts(v *visit.Visit) (tasks, address, clockIn, clockOut, notes []byte, err error) {
	if tasks, err = json.Marshal(v.Tasks); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal tasks: %w", err)
	}
	if address, err = json.Marshal(v.Address); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal address: %w", err)
	}
	if v.ClockIn != nil {
		if clockIn, err = json.Marshal(v.ClockIn); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal clock-in: %w", err)
		}
	}
	if v.ClockOut != nil {
		if clockOut, err = json.Marshal(v.ClockOut); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal clock-out: %w", err)
		}
	}
	if notes, err = json.Marshal(v.Notes); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal notes: %w", err)
	}
	return tasks, address, clockIn, clockOut, notes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner) (*visit.Visit, error) {
	var (
		visitID, orgID, branchID     uuid.UUID
		clientID, caregiverID, payer uuid.UUID
		start, end                   time.Time
		serviceType, status          string
		address, tasks               []byte
		clockIn, clockOut, notes     []byte
		caregiverScreened            bool
		signatureCaptured            bool
		cancelReason                 sql.NullString
		createdAt, updatedAt         time.Time
	)
	err := row.Scan(
		&visitID, &orgID, &branchID, &clientID, &caregiverID, &payer,
		&start, &end, &serviceType, &address, &tasks,
		&status, &caregiverScreened, &clockIn, &clockOut,
		&signatureCaptured, &notes, &cancelReason, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan visit: %w", err)
	}

	v := &visit.Visit{
		ID:                id.VisitID(visitID),
		OrgID:             id.OrgID(orgID),
		BranchID:          id.BranchID(branchID),
		ClientID:          id.ClientID(clientID),
		CaregiverID:       id.CaregiverID(caregiverID),
		PayerID:           id.PayerID(payer),
		ScheduledStart:    start,
		ScheduledEnd:      end,
		ServiceType:       serviceType,
		Status:            visit.Status(status),
		CaregiverScreened: caregiverScreened,
		SignatureCaptured: signatureCaptured,
		CancelReason:      cancelReason.String,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}
	if err := json.Unmarshal(address, &v.Address); err != nil {
		return nil, fmt.Errorf("unmarshal address: %w", err)
	}
	if err := json.Unmarshal(tasks, &v.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	if len(clockIn) > 0 {
		v.ClockIn = &evv.ClockVerification{}
		if err := json.Unmarshal(clockIn, v.ClockIn); err != nil {
			return nil, fmt.Errorf("unmarshal clock-in: %w", err)
		}
	}
	if len(clockOut) > 0 {
		v.ClockOut = &evv.ClockVerification{}
		if err := json.Unmarshal(clockOut, v.ClockOut); err != nil {
			return nil, fmt.Errorf("unmarshal clock-out: %w", err)
		}
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &v.Notes); err != nil {
			return nil, fmt.Errorf("unmarshal notes: %w", err)
		}
	}
	return v, nil
}
