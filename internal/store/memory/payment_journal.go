package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// PaymentJournal implements domain.PaymentJournal in a map. It survives a
// new payer within the process, not a restart.
type PaymentJournal struct {
	mu      sync.Mutex
	intents map[string]domain.PaymentIntent
}

// NewPaymentJournal creates an empty PaymentJournal.
func NewPaymentJournal() *PaymentJournal {
	return &PaymentJournal{intents: make(map[string]domain.PaymentIntent)}
}

// Reserve stores intent if its key is free and returns the stored intent.
func (j *PaymentJournal) Reserve(_ context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if stored, ok := j.intents[intent.Key]; ok {
		return clonePaymentIntent(stored), nil
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	intent.Raw = slices.Clone(intent.Raw)
	j.intents[intent.Key] = intent
	return clonePaymentIntent(intent), nil
}

// Lookup returns the intent stored under key.
func (j *PaymentJournal) Lookup(_ context.Context, key string) (domain.PaymentIntent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	stored, ok := j.intents[key]
	if !ok {
		return domain.PaymentIntent{}, fmt.Errorf("memory: payment intent %s: %w", key, domain.ErrNotFound)
	}
	return clonePaymentIntent(stored), nil
}

func clonePaymentIntent(in domain.PaymentIntent) domain.PaymentIntent {
	in.Raw = slices.Clone(in.Raw)
	return in
}
