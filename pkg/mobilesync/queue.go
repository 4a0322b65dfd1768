// Package mobilesync is the device-side offline queue. Every local write
// lands here first, durable in SQLite, before the UI reflects it; a
// background syncer replays the queue against the server's mutation
// endpoint whenever connectivity allows. The queue survives app restarts.
package mobilesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Item is one pending mutation. ID doubles as the client-generated
// idempotency id the server keys replays on.
type Item struct {
	ID         string
	VisitID    string
	Operation  string
	Sequence   int64
	Payload    json.RawMessage
	QueuedAt   time.Time
	RetryCount int
	LastError  string
}

// Queue is the durable mutation queue. A single write connection is used so
// SQLite never sees concurrent writers.
type Queue struct {
	db       *sql.DB
	writeMu  sync.Mutex
	photoCap int64
}

// Open opens (creating if needed) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS _sync_visit_seq (
			visit_id      TEXT NOT NULL,
			next_sequence INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (visit_id)
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_pending (
			id          TEXT NOT NULL,
			visit_id    TEXT NOT NULL,
			op          TEXT NOT NULL,
			sequence    INTEGER NOT NULL,
			payload     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			queued_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_pending_order
			ON _sync_pending (visit_id, sequence)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create queue schema: %w", err)
		}
	}
	q := &Queue{db: db, photoCap: maxPhotoBytes}
	if err := q.initPhotos(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue durably records a mutation and assigns it the visit's next
// sequence number. Call this BEFORE updating local UI state: if the app dies
// between the two, replay is harmless; the reverse order loses the write.
func (q *Queue) Enqueue(ctx context.Context, visitID, op string, payload json.RawMessage) (*Item, error) {
	if visitID == "" || op == "" {
		return nil, fmt.Errorf("visit id and operation are required")
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _sync_visit_seq (visit_id, next_sequence) VALUES (?, 1)
		 ON CONFLICT(visit_id) DO NOTHING`, visitID); err != nil {
		return nil, fmt.Errorf("seed visit sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE _sync_visit_seq SET next_sequence = next_sequence + 1
		 WHERE visit_id = ? RETURNING next_sequence - 1`, visitID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}

	item := &Item{
		ID:        uuid.NewString(),
		VisitID:   visitID,
		Operation: op,
		Sequence:  seq,
		Payload:   payload,
		QueuedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _sync_pending (id, visit_id, op, sequence, payload, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.VisitID, item.Operation, item.Sequence, string(item.Payload),
		item.QueuedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return item, nil
}

// Pending returns up to limit replayable items in (visit, sequence) order so
// the server's per-visit ordering check is satisfied by construction.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, visit_id, op, sequence, payload, retry_count, last_error, queued_at
		FROM _sync_pending
		WHERE status = 'PENDING'
		ORDER BY visit_id, sequence
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			item     Item
			payload  string
			queuedAt string
		)
		if err := rows.Scan(&item.ID, &item.VisitID, &item.Operation, &item.Sequence,
			&payload, &item.RetryCount, &item.LastError, &queuedAt); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// PendingCount reports how many items still await acknowledgement. The UI
// shows this as the sync badge.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_pending WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Ack removes an item the server has durably acknowledged.
func (q *Queue) Ack(ctx context.Context, itemID string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM _sync_pending WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("ack item: %w", err)
	}
	return nil
}

// MarkFailed records a transient delivery failure; the item stays pending.
func (q *Queue) MarkFailed(ctx context.Context, itemID, cause string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE _sync_pending SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, cause, itemID); err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return nil
}

// MarkRejected parks an item the server refused outright (a business-rule
// rejection, not an outage). Rejected items leave the replay path but stay
// in the database so the app can surface them to the caregiver.
func (q *Queue) MarkRejected(ctx context.Context, itemID, cause string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE _sync_pending SET status = 'REJECTED', last_error = ?
		WHERE id = ?`, cause, itemID); err != nil {
		return fmt.Errorf("mark item rejected: %w", err)
	}
	return nil
}

// Rejected lists parked items for display.
func (q *Queue) Rejected(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, visit_id, op, sequence, payload, retry_count, last_error, queued_at
		FROM _sync_pending
		WHERE status = 'REJECTED'
		ORDER BY visit_id, sequence`)
	if err != nil {
		return nil, fmt.Errorf("list rejected: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			item     Item
			payload  string
			queuedAt string
		)
		if err := rows.Scan(&item.ID, &item.VisitID, &item.Operation, &item.Sequence,
			&payload, &item.RetryCount, &item.LastError, &queuedAt); err != nil {
			return nil, fmt.Errorf("scan rejected item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
		out = append(out, item)
	}
	return out, rows.Err()
}
