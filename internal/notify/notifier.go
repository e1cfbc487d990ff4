// Package notify sends operator alerts to Telegram and Discord. Alerts can
// be filtered by event type so operators receive only what they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/fanout"
)

// EventLedgerFatal is the alert raised when a ledger operation fails in a
// way that needs an operator.
const EventLedgerFatal = "ledger_fatal"

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards event types in the allowed set; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in events are forwarded by Notify. If events is
// empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Allows reports whether Notify would forward event.
func (n *Notifier) Allows(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify sends a notification to all senders if the event type is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Allows(event) {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Forward turns lifecycle events from sub into alerts until the
// subscription closes or ctx is done. Only allowed event types are sent, so
// with an empty filter every transition is forwarded.
func (n *Notifier) Forward(ctx context.Context, sub *fanout.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if !n.Allows(string(ev.Type)) {
				continue
			}
			title, message := FormatEvent(ev)
			if err := n.dispatch(ctx, title, message); err != nil {
				n.logger.WarnContext(ctx, "forward failed",
					slog.String("event", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// FormatEvent renders a lifecycle event as an alert.
func FormatEvent(ev domain.Event) (title, message string) {
	title = "OracleX " + string(ev.Type)
	var b strings.Builder
	fmt.Fprintf(&b, "market %s", ev.MarketID)
	if m := ev.Market; m != nil {
		fmt.Fprintf(&b, "\nevent: %s\nstate: %s", m.EventID, m.State())
		if m.VaultAddress != nil {
			fmt.Fprintf(&b, "\nvault: %s", m.VaultAddress.Hex())
		}
		if m.Probability != nil {
			fmt.Fprintf(&b, "\nprobability: %d%%", *m.Probability)
		}
		if m.WinningSide != nil {
			fmt.Fprintf(&b, "\nwinning side: %s", m.WinningSide)
		}
		if m.DeployError != "" {
			fmt.Fprintf(&b, "\ndeploy error: %s", m.DeployError)
		}
	}
	return title, b.String()
}

// dispatch sends to every sender. A failing sender does not stop delivery
// to the others; all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
