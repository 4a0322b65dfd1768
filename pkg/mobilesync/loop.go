package mobilesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Syncer drains the queue in the background with exponential backoff between
// failures. SyncOnce is single-flight: a manual "sync now" tap while the
// background loop is mid-drain is a no-op rather than a second drain.
type Syncer struct {
	queue     *Queue
	transport *Transport

	backoffMin time.Duration
	backoffMax time.Duration
	batchLimit int
	logger     *slog.Logger

	syncMu sync.Mutex
}

// SyncerOption configures the Syncer.
type SyncerOption func(*Syncer)

func WithBackoff(min, max time.Duration) SyncerOption {
	return func(s *Syncer) {
		s.backoffMin = min
		s.backoffMax = max
	}
}

func WithBatchLimit(n int) SyncerOption {
	return func(s *Syncer) { s.batchLimit = n }
}

func WithSyncLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

func NewSyncer(queue *Queue, transport *Transport, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		queue:      queue,
		transport:  transport,
		backoffMin: time.Second,
		backoffMax: 60 * time.Second,
		batchLimit: 50,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the replay loop until the context is cancelled.
func (s *Syncer) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Syncer) loop(ctx context.Context) {
	backoff := s.backoffMin
	for {
		if err := sleep(ctx, backoff); err != nil {
			return
		}
		n, err := s.SyncOnce(ctx)
		switch {
		case err != nil:
			backoff *= 2
			if backoff > s.backoffMax {
				backoff = s.backoffMax
			}
		case n == 0:
			// Nothing to do; idle at the minimum interval.
			backoff = s.backoffMin
		default:
			// Keep draining promptly while items remain.
			backoff = s.backoffMin
		}
	}
}

// SyncOnce replays one batch of pending items in order. Returns the number
// acknowledged and the first transient error hit, if any. A server rejection
// parks the item and does not count as a transient error.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	if !s.syncMu.TryLock() {
		return 0, nil
	}
	defer s.syncMu.Unlock()

	items, err := s.queue.Pending(ctx, s.batchLimit)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, item := range items {
		ack, err := s.transport.Submit(ctx, item)
		if err != nil {
			var reject *RejectError
			if errors.As(err, &reject) {
				s.logger.WarnContext(ctx, "mutation rejected by server",
					slog.String("item_id", item.ID),
					slog.String("visit_id", item.VisitID),
					slog.String("operation", item.Operation),
					slog.String("reason", reject.Reason),
				)
				if err := s.queue.MarkRejected(ctx, item.ID, reject.Error()); err != nil {
					return acked, err
				}
				continue
			}
			if markErr := s.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				return acked, markErr
			}
			// Transient failure: stop the batch so per-visit ordering holds.
			return acked, err
		}

		if err := s.queue.Ack(ctx, item.ID); err != nil {
			return acked, err
		}
		acked++
		s.logger.DebugContext(ctx, "mutation acknowledged",
			slog.String("item_id", item.ID),
			slog.String("visit_id", item.VisitID),
			slog.String("operation", item.Operation),
			slog.String("status", ack.Status),
		)
	}
	return acked, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
