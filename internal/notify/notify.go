// Package notify fans out conversation change events to a user's
// connected devices. The in-memory Broker serves single-process
// deployments; a clustered deployment substitutes a shared broker
// behind the same two methods.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event describes one accepted write, scoped to the owning user.
type Event struct {
	ConversationID string    `json:"conversationId"`
	Revision       int64     `json:"revision"`
	Deleted        bool      `json:"deleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// subscriberBuffer bounds how far one subscriber may fall behind before
// it starts losing events.
const subscriberBuffer = 16

// Broker is a per-user publish/subscribe registry.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a subscriber for userID. The cancel func removes
// the subscription and closes the channel; calling it twice is safe.
func (b *Broker) Subscribe(userID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.next++
	id := b.next
	set := b.subs[userID]
	if set == nil {
		set = make(map[int]chan Event)
		b.subs[userID] = set
	}
	set[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[userID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, userID)
				}
			}
			// Closed under the lock so Publish never writes to a
			// closed channel.
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of userID; with no
// subscribers it is a no-op. A subscriber that cannot keep up loses the
// event; delivery to the others is unaffected.
func (b *Broker) Publish(userID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[userID] {
		select {
		case ch <- ev:
		default:
			log.Warn().
				Str("conversationId", ev.ConversationID).
				Int64("revision", ev.Revision).
				Msg("dropping change event for slow subscriber")
		}
	}
}

// SubscriberCount reports connected subscribers across all users.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}
