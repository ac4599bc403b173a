// Package bus fans lifecycle events out from the session registry to
// in-process observers. Delivery is at-most-once and never blocks the
// publisher: each subscriber has a buffered channel and events are
// dropped, counted, and logged when a subscriber falls behind.
package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindQR            Kind = "qr"
	KindInitializing  Kind = "initializing"
	KindAuthenticated Kind = "authenticated"
	KindReady         Kind = "ready"
	KindReconnecting  Kind = "reconnecting"
	KindDisconnected  Kind = "disconnected"
	KindError         Kind = "error"
	KindMessageSent   Kind = "message_sent"
	KindMessageFailed Kind = "message_failed"
)

// Event is the sum of lifecycle event kinds. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind    Kind
	PhoneID string

	// KindQR
	QR string

	// KindDisconnected
	Reason string

	// KindError, KindMessageFailed
	Message string

	// KindMessageSent, KindMessageFailed
	MessageID string
}

const subscriberBuffer = 64

type Bus struct {
	log zerolog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func New(log zerolog.Logger) *Bus {
	return &Bus{log: log, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and an unsubscribe id.
func (b *Bus) Subscribe() (<-chan Event, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, id
	}
	b.subs[id] = ch
	return ch, id
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Int("subscriber", id).Str("kind", string(ev.Kind)).
				Str("phone", ev.PhoneID).Msg("event dropped, subscriber behind")
		}
	}
}

// Close shuts down all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
