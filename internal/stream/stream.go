package stream

import (
	"context"
	"sync"
	"time"
)

// Event describes one ledger change for live activity feeds.
type Event struct {
	Owner         string    `json:"-"`
	Kind          string    `json:"kind"`
	TransactionID string    `json:"transaction_id,omitempty"`
	AccountID     string    `json:"account_id,omitempty"`
	Type          string    `json:"type,omitempty"`
	AmountCents   int64     `json:"amount_cents,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Event kinds published by the API layer.
const (
	KindTransactionRegistered = "transaction.registered"
	KindTransactionUpdated    = "transaction.updated"
	KindTransactionDeleted    = "transaction.deleted"
	KindAccountCreated        = "account.created"
)

type subscriber struct {
	owner string
	ch    chan Event
}

// Feed fan-outs ledger events to active subscribers. Each subscriber sees
// only events belonging to its owner.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[int]subscriber)}
}

// Subscribe registers an owner-scoped subscriber and returns a channel that
// receives the owner's events. The channel is closed when ctx ends.
func (f *Feed) Subscribe(ctx context.Context, owner string) <-chan Event {
	ch := make(chan Event, 16)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = subscriber{owner: owner, ch: ch}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish delivers the event to every subscriber of its owner.
func (f *Feed) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.owner != evt.Owner {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
