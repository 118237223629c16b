// Package notify delivers settlement alerts to Telegram and Discord. Events
// can be filtered by name so operators receive only the transitions they care
// about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kmangutov/vordex/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Decimals renders amounts in whole units in messages.
type Decimals struct {
	Collateral uint8
	Quote      uint8
}

// Notifier fans a notification out to every Sender. Notify honours the
// event filter; NotifyAll bypasses it.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	decimals Decimals
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, decimals Decimals, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		decimals: decimals,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends title/message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends regardless of the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// NotifyPosition formats a settlement event and sends it through Notify.
func (n *Notifier) NotifyPosition(ctx context.Context, evt domain.PositionEvent) error {
	title, message := n.format(evt)
	return n.Notify(ctx, evt.Event, title, message)
}

func (n *Notifier) format(evt domain.PositionEvent) (string, string) {
	p := evt.Position
	var title string
	switch evt.Event {
	case domain.EventPositionCreated:
		title = fmt.Sprintf("Position %s created", p.ID)
	case domain.EventPositionLocked:
		title = fmt.Sprintf("Position %s locked", p.ID)
	case domain.EventPositionExercised:
		title = fmt.Sprintf("Position %s exercised", p.ID)
	case domain.EventPositionExpired:
		title = fmt.Sprintf("Position %s expired", p.ID)
	default:
		title = fmt.Sprintf("Position %s: %s", p.ID, evt.Event)
	}

	lines := []string{
		"seller: " + p.Seller.Hex(),
		"strike: " + p.StrikePrice.Format(n.decimals.Quote),
		"collateral: " + p.CollateralAmount.Format(n.decimals.Collateral),
		"expiry: " + p.Expiry.Format("2006-01-02 15:04:05 UTC"),
	}
	if p.Buyer != nil {
		lines = append(lines,
			"buyer: "+p.Buyer.Hex(),
			"premium: "+p.PremiumAmount.Format(n.decimals.Quote))
	}
	if evt.Price != nil {
		lines = append(lines, "oracle price: "+evt.Price.Format(n.decimals.Quote))
	}
	return title, strings.Join(lines, "\n")
}

// dispatch delivers to every sender; one failure does not stop the rest.
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
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
