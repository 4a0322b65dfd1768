// Package store persists aggregator submissions. ClaimDue is the
// coordination point: it atomically flips due submissions to SUBMITTING so
// two concurrent sweepers can never attempt the same submission.
package store

import (
	"context"
	"time"

	"carebridge/internal/aggregator"
	id "carebridge/pkg/domain"
)

// Store is the submission log.
type Store interface {
	// Create records a new submission. Returns sentinel.ErrConflict when the
	// record already has a non-terminal submission in flight.
	Create(ctx context.Context, sub *aggregator.Submission) error

	Get(ctx context.Context, subID id.SubmissionID) (*aggregator.Submission, error)

	// LatestByRecord returns the most recently created submission for the
	// record, or sentinel.ErrNotFound.
	LatestByRecord(ctx context.Context, recordID id.EVVRecordID) (*aggregator.Submission, error)

	// ListByStatus returns submissions in the given status, oldest first.
	// Backs the exception queue (REJECTED) on the admin surface.
	ListByStatus(ctx context.Context, status aggregator.Status, limit int) ([]*aggregator.Submission, error)

	// ClaimDue atomically claims up to limit submissions whose status is
	// PENDING or RETRY and whose next attempt time has passed, marking them
	// SUBMITTING. Each returned submission belongs exclusively to the caller
	// until Finalize.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*aggregator.Submission, error)

	// ReclaimStale returns SUBMITTING rows whose claim predates the cutoff
	// to RETRY, due immediately. Recovers claims abandoned by a crashed
	// process. Returns how many rows were reclaimed.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)

	// Finalize writes the attempt outcome: status, retry bookkeeping,
	// confirmation or error fields.
	Finalize(ctx context.Context, sub *aggregator.Submission) error
}
