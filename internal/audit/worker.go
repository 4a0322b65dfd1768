package audit

import (
	"context"
	"log/slog"
)

// Worker consumes audit events from the inbox and appends them to the store.
// A store failure is logged and the worker keeps draining; the audit trail is
// best-effort at this layer, with the postgres outbox providing durability
// once an event reaches Append.
type Worker struct {
	store  Store
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(store Store, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{store: store, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.ErrorContext(ctx, "audit append failed",
					slog.String("action", string(event.Action)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
