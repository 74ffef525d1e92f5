package client

import (
	"sync"

	"github.com/convsync/convsync/internal/conv"
)

// Snapshot is an immutable view of the local conversation set. Values
// are shared across snapshots and must never be mutated in place; all
// writes replace entries through the store.
type Snapshot map[string]conv.Conversation

// ConversationStore is the engine's view of the local conversation
// layer. Subscribers receive the snapshots before and after every
// mutation; callbacks run synchronously with the mutation and must not
// call back into the store.
type ConversationStore interface {
	Snapshot() Snapshot
	Get(id string) (conv.Conversation, bool)
	Put(c conv.Conversation)
	Delete(id string)
	Apply(mutate func(Snapshot))
	Subscribe(fn func(prev, next Snapshot)) (cancel func())
}

// MemoryConversationStore keeps conversations in memory. It backs tests
// and embedders that bring their own persistence.
type MemoryConversationStore struct {
	mu    sync.Mutex
	convs Snapshot
	subs  map[int]func(prev, next Snapshot)
	next  int
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		convs: make(Snapshot),
		subs:  make(map[int]func(prev, next Snapshot)),
	}
}

func (s *MemoryConversationStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs.clone()
}

func (s *MemoryConversationStore) Get(id string) (conv.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	return c, ok
}

// Put stores a deep copy of c keyed by its id, so later mutations of
// the argument cannot bleed into published snapshots.
func (s *MemoryConversationStore) Put(c conv.Conversation) {
	id := c.ID()
	if id == "" {
		return
	}
	s.Apply(func(snap Snapshot) {
		snap[id] = c.Clone()
	})
}

func (s *MemoryConversationStore) Delete(id string) {
	s.Apply(func(snap Snapshot) {
		delete(snap, id)
	})
}

// Apply runs one atomic batch mutation against a copy of the current
// snapshot and notifies subscribers with the before/after views.
func (s *MemoryConversationStore) Apply(mutate func(Snapshot)) {
	s.mu.Lock()
	prev := s.convs
	next := prev.clone()
	mutate(next)
	s.convs = next
	for _, fn := range s.subs {
		fn(prev, next)
	}
	s.mu.Unlock()
}

func (s *MemoryConversationStore) Subscribe(fn func(prev, next Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// clone copies the map; values are shared (they are replaced, never
// mutated).
func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, c := range s {
		out[id] = c
	}
	return out
}
