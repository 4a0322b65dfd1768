// Package ports declares the interfaces the visit service consumes. Keeping
// them here lets the service be wired against postgres in production and
// memory fakes in tests without import cycles.
package ports

import (
	"context"

	"carebridge/internal/audit"
	"carebridge/internal/evv"
	"carebridge/internal/policy"
	id "carebridge/pkg/domain"
)

// PolicyResolver returns the merged org/state/payer policy bundle.
type PolicyResolver interface {
	Resolve(ctx context.Context, orgID id.OrgID, state id.StateCode, payerID id.PayerID) (*policy.Bundle, error)
}

// EVVStore persists finalized records.
type EVVStore interface {
	Create(ctx context.Context, rec *evv.Record) error
}

// IntegrityHasher produces the tamper-evident hash at finalization.
type IntegrityHasher interface {
	Hash(rec *evv.Record) (string, error)
}

// Submitter hands a finalized record to the aggregator pipeline. Enqueue must
// be fast (a DB write, not a network call) so clock-out latency stays bounded.
type Submitter interface {
	Enqueue(ctx context.Context, rec *evv.Record, state id.StateCode) error
}

// AuditPublisher emits audit trail events. Fire-and-forget.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event)
}

// TxRunner runs a function inside a database transaction. Clock-out uses it
// so the EVV record and the COMPLETED visit land atomically: a record write
// failure must not leave the visit terminal with nothing to submit.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
