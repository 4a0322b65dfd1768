//go:build integration

package containers

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresContainer wraps a testcontainers Postgres instance with the schema
// applied. Both connection flavors are exposed: the visit, EVV, and mutation
// stores run on database/sql, the aggregator store on a pgx pool.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
	Pool      *pgxpool.Pool
}

// schema mirrors what the stores expect. Kept here rather than in migration
// files so integration tests stay self-contained.
const schema = `
CREATE TABLE IF NOT EXISTS visits (
	id                 UUID PRIMARY KEY,
	org_id             UUID NOT NULL,
	branch_id          UUID NOT NULL,
	client_id          UUID NOT NULL,
	caregiver_id       UUID NOT NULL,
	payer_id           UUID NOT NULL,
	scheduled_start    TIMESTAMPTZ NOT NULL,
	scheduled_end      TIMESTAMPTZ NOT NULL,
	service_type       TEXT NOT NULL,
	address            JSONB NOT NULL,
	tasks              JSONB NOT NULL,
	status             TEXT NOT NULL,
	caregiver_screened BOOLEAN NOT NULL DEFAULT FALSE,
	clock_in           JSONB,
	clock_out          JSONB,
	signature_captured BOOLEAN NOT NULL DEFAULT FALSE,
	notes              JSONB,
	cancel_reason      TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS evv_records (
	id                     UUID PRIMARY KEY,
	visit_id               UUID NOT NULL UNIQUE,
	org_id                 UUID NOT NULL,
	clock_in_time          TIMESTAMPTZ NOT NULL,
	clock_out_time         TIMESTAMPTZ NOT NULL,
	clock_in_verification  JSONB NOT NULL,
	clock_out_verification JSONB NOT NULL,
	verification_level     TEXT NOT NULL,
	total_duration_s       BIGINT NOT NULL,
	compliance_flags       JSONB NOT NULL,
	compliance_status      TEXT NOT NULL,
	integrity_hash         TEXT NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mutations (
	id                  UUID PRIMARY KEY,
	visit_id            UUID NOT NULL,
	caregiver_id        UUID NOT NULL,
	operation_type      TEXT NOT NULL,
	client_generated_id TEXT NOT NULL,
	sequence            BIGINT NOT NULL,
	payload             JSONB NOT NULL,
	status              TEXT NOT NULL,
	result              JSONB,
	error_code          TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	received_at         TIMESTAMPTZ NOT NULL,
	applied_at          TIMESTAMPTZ,
	UNIQUE (visit_id, operation_type, client_generated_id)
);

CREATE TABLE IF NOT EXISTS aggregator_submissions (
	id              UUID PRIMARY KEY,
	evv_record_id   UUID NOT NULL,
	visit_id        UUID NOT NULL,
	org_id          UUID NOT NULL,
	aggregator      TEXT NOT NULL,
	state_code      TEXT NOT NULL,
	kind            TEXT NOT NULL,
	parent_id       UUID,
	reason          TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	status          TEXT NOT NULL,
	retry_count     INT NOT NULL DEFAULT 0,
	max_retries     INT NOT NULL,
	next_retry_at   TIMESTAMPTZ,
	confirmation_id TEXT NOT NULL DEFAULT '',
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS aggregator_submissions_in_flight
	ON aggregator_submissions (evv_record_id)
	WHERE status NOT IN ('ACCEPTED', 'REJECTED');
`

// NewPostgresContainer starts a new Postgres container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("carebridge_test"),
		tcpostgres.WithUsername("carebridge"),
		tcpostgres.WithPassword("carebridge"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping database: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to create pgx pool: %v", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		pool.Close()
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	// Container lifetime is managed by the singleton Manager and shared
	// across suites; Ryuk handles teardown.

	return &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
		Pool:      pool,
	}
}

// TruncateTables empties the named tables. Use between tests for isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	query := "TRUNCATE TABLE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE"
	_, err := p.DB.ExecContext(ctx, query)
	return err
}
