// Package notify delivers auction lifecycle events to operators and
// subscribers. The Dispatcher is the engine's EventPublisher: it fans each
// event out to the signal bus (feeding WebSocket clients) and to a Notifier,
// which forwards to chat and webhook Senders filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// Message is a rendered event ready for a Sender.
type Message struct {
	Event domain.Event
	Title string
	Body  string
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one message.
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches events to one or more Senders. Only event types in the
// allowed set are forwarded; an empty set allows every type.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify renders ev and sends it to every sender if its type is allowed.
func (n *Notifier) Notify(ctx context.Context, ev domain.Event) error {
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(ev.Type)),
		)
		return nil
	}
	title, body := Render(ev)
	return n.dispatch(ctx, Message{Event: ev, Title: title, Body: body})
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", msg.Title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Render formats an event as a short title and body for chat channels.
func Render(ev domain.Event) (title, body string) {
	p := func(key string) string {
		if v, ok := ev.Payload[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	switch ev.Type {
	case domain.EventAuctionCreated:
		return "Auction created", fmt.Sprintf("Auction %s for %s by %s", ev.AuctionID, p("asset_ref"), p("creator"))
	case domain.EventBidAccepted:
		return "New bid", fmt.Sprintf("%s bid %s on auction %s", p("bidder"), p("amount"), ev.AuctionID)
	case domain.EventAuctionCancelled:
		return "Auction cancelled", fmt.Sprintf("Auction %s was cancelled", ev.AuctionID)
	case domain.EventAuctionSettled:
		if p("no_winner") == "true" {
			return "Auction closed", fmt.Sprintf("Auction %s closed without a winner (%s)", ev.AuctionID, p("reason"))
		}
		return "Auction settled", fmt.Sprintf("Auction %s won by %s for %s", ev.AuctionID, p("winner"), p("amount"))
	case domain.EventSettlementFailed:
		return "Settlement incomplete", fmt.Sprintf("Auction %s stopped at %s: %s", ev.AuctionID, p("step"), p("error"))
	}
	return string(ev.Type), "Auction " + ev.AuctionID
}
