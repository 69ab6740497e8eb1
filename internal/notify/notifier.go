// Package notify delivers best-effort trade notifications to one or more
// channels (Telegram, Discord, generic webhooks). Delivery never blocks or
// reverses the position transition that triggered it: each sender is retried
// a fixed number of times and a sender that exhausts its retries is logged
// as requiring manual reconciliation.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Event classifies a notification so operators can filter channels down to
// the alerts they care about.
type Event string

const (
	EventPositionOpened Event = "position_opened"
	EventDCAFill        Event = "dca_fill"
	EventPartialClose   Event = "partial_close"
	EventTakeProfit     Event = "take_profit"
	EventStopLoss       Event = "stop_loss"
	EventCancelled      Event = "cancelled"
	EventSafety         Event = "safety"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel ("telegram", "discord", ...).
	Name() string
}

// Notifier fans a notification out to every registered sender. An empty
// event filter forwards everything.
type Notifier struct {
	senders  []Sender
	events   map[Event]bool
	attempts int
	backoff  []time.Duration
	logger   *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only events listed
// in events pass the filter; an empty list allows all. Each sender gets 3
// attempts with 1s/2s backoff before being written off.
func NewNotifier(senders []Sender, events []Event, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		allowed[Event(strings.TrimSpace(string(e)))] = true
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		attempts: 3,
		backoff:  []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers to every sender if the event passes the filter. Failures
// are absorbed here; callers must not treat notification delivery as part
// of the trade transaction.
func (n *Notifier) Notify(ctx context.Context, event Event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notify: event filtered out", slog.String("event", string(event)))
		return
	}

	for _, s := range n.senders {
		n.sendWithRetry(ctx, s, event, title, message)
	}
}

// sendWithRetry drives one sender through the retry budget. Exhausting it
// logs a reconciliation-required error; the committed position change that
// triggered the notification is never rolled back.
func (n *Notifier) sendWithRetry(ctx context.Context, s Sender, event Event, title, message string) {
	var lastErr error
	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			delay := n.backoff[min(attempt-1, len(n.backoff)-1)]
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				n.logger.ErrorContext(ctx, "notify: reconciliation required, context cancelled mid-delivery",
					slog.String("sender", s.Name()),
					slog.String("event", string(event)),
					slog.String("title", title),
				)
				return
			}
		}
		if lastErr = s.Send(ctx, title, message); lastErr == nil {
			n.logger.DebugContext(ctx, "notify: delivered",
				slog.String("sender", s.Name()),
				slog.String("event", string(event)),
			)
			return
		}
	}

	n.logger.ErrorContext(ctx, "notify: reconciliation required, delivery failed after retries",
		slog.String("sender", s.Name()),
		slog.String("event", string(event)),
		slog.String("title", title),
		slog.String("error", lastErr.Error()),
	)
}
