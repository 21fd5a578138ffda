package domain

import (
	"context"
	"time"
)

// EventType names an auction lifecycle event.
type EventType string

const (
	EventAuctionCreated   EventType = "auction_created"
	EventBidAccepted      EventType = "bid_accepted"
	EventAuctionCancelled EventType = "auction_cancelled"
	EventAuctionSettled   EventType = "auction_settled"
	EventSettlementFailed EventType = "settlement_failed"
)

// Event is a lifecycle notification pushed to subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	AuctionID string         `json:"auction_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// EventPublisher receives lifecycle events. Emit must not block the caller
// and has no error result; delivery is best-effort.
type EventPublisher interface {
	Emit(ctx context.Context, ev Event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Emit implements EventPublisher.
func (NopPublisher) Emit(context.Context, Event) {}
