package audit

import (
	"context"
	"log/slog"
	"time"
)

// Publisher hands audit events to the background worker through a buffered
// inbox. Emission never blocks the caller's request path: if the inbox is
// full the event is logged and dropped, which is acceptable for operational
// events but is why integrity violations are ALSO logged at Error level at
// the call site.
type Publisher struct {
	inbox  chan<- Event
	logger *slog.Logger
}

func NewPublisher(inbox chan<- Event, logger *slog.Logger) *Publisher {
	return &Publisher{inbox: inbox, logger: logger}
}

// Emit enqueues an event, stamping the time if unset.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.ErrorContext(ctx, "audit inbox full, event dropped",
			slog.String("action", string(event.Action)),
			slog.String("visit_id", event.VisitID.String()),
		)
	}
}
