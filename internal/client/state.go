package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/convsync/convsync/internal/conv"
	"github.com/rs/zerolog/log"
)

// Op is a pending local intent kind.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// stateSchemaVersion is bumped when the persisted envelope changes
// incompatibly. A mismatch resets sync bookkeeping; conversation bodies
// are owned by the conversation store and are never affected.
const stateSchemaVersion = 1

// StateStore persists the sync-state envelope under a user-scoped key.
type StateStore interface {
	// LoadState returns (nil, nil) when no envelope has been saved yet.
	LoadState(ctx context.Context) ([]byte, error)
	SaveState(ctx context.Context, data []byte) error
}

// stateEntry is the persisted per-conversation bookkeeping.
type stateEntry struct {
	RemoteRevision *int64     `json:"remoteRevision,omitempty"`
	DirtyOp        Op         `json:"dirtyOp,omitempty"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

type stateEnvelope struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Entries       map[string]*stateEntry `json:"entries"`
}

// pendingPayload is an in-memory upsert buffer. The sequence number
// lets the uploader detect a payload replaced while its request was in
// flight.
type pendingPayload struct {
	payload conv.Conversation
	seq     uint64
}

// State tracks, per conversation id, what the server is known to hold
// and what this device still owes it. Persisted fields survive restart;
// the upsert payload buffer does not and is rebuilt during reconcile.
type State struct {
	mu      sync.Mutex
	store   StateStore // nil disables persistence
	entries map[string]*stateEntry
	pending map[string]pendingPayload
	seq     uint64
}

// NewState returns an empty, non-persisting state (tests, embedding).
func NewState() *State {
	return &State{
		entries: make(map[string]*stateEntry),
		pending: make(map[string]pendingPayload),
	}
}

// LoadState hydrates sync state from the store. A missing envelope
// starts fresh; a corrupt or version-mismatched envelope is discarded
// with a warning rather than wedging the agent.
func LoadState(ctx context.Context, store StateStore) (*State, error) {
	s := NewState()
	s.store = store

	data, err := store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	if data == nil {
		return s, nil
	}

	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("discarding unreadable sync state")
		return s, nil
	}
	if env.SchemaVersion != stateSchemaVersion {
		log.Warn().
			Int("found", env.SchemaVersion).
			Int("want", stateSchemaVersion).
			Msg("discarding sync state with unknown schema version")
		return s, nil
	}
	if env.Entries != nil {
		s.entries = env.Entries
	}
	return s, nil
}

// entryLocked returns the entry for id, creating it if needed.
func (s *State) entryLocked(id string) *stateEntry {
	e := s.entries[id]
	if e == nil {
		e = &stateEntry{}
		s.entries[id] = e
	}
	return e
}

// persistLocked writes the envelope through the store. Persistence
// failures are logged, never propagated: sync bookkeeping must not take
// the engine down, and the worst case is a redundant upload after
// restart.
func (s *State) persistLocked() {
	if s.store == nil {
		return
	}
	env := stateEnvelope{SchemaVersion: stateSchemaVersion, Entries: s.entries}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode sync state")
		return
	}
	if err := s.store.SaveState(context.Background(), data); err != nil {
		log.Error().Err(err).Msg("failed to persist sync state")
	}
}

// MarkDirty records a pending intent. Marking a delete drops any
// buffered upsert payload: the last intent wins.
func (s *State) MarkDirty(id string, op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(id).DirtyOp = op
	if op == OpDelete {
		delete(s.pending, id)
	}
	s.persistLocked()
}

// ClearDirty drops the intent and its buffered payload.
func (s *State) ClearDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil {
		e.DirtyOp = ""
	}
	delete(s.pending, id)
	s.persistLocked()
}

// SetRemoteRevision records the revision the server is known to hold.
// Callers must only invoke it from an upload ACK, a successful GET
// application, or conflict-resolution acceptance of remote.
func (s *State) SetRemoteRevision(id string, rev int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	e.RemoteRevision = &rev
	s.persistLocked()
}

// RemoteRevision returns the last revision known to be on the server.
func (s *State) RemoteRevision(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil && e.RemoteRevision != nil {
		return *e.RemoteRevision, true
	}
	return 0, false
}

// DirtyOp returns the pending intent for id, or "" when clean.
func (s *State) DirtyOp(id string) Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil {
		return e.DirtyOp
	}
	return ""
}

// SetAttempt records when an upload was last tried.
func (s *State) SetAttempt(id string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	e.LastAttemptAt = &ts
	s.persistLocked()
}

// SetError records a diagnostic for id; an empty msg clears it.
func (s *State) SetError(id string, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(id).LastError = msg
	s.persistLocked()
}

// LastError returns the recorded diagnostic for id.
func (s *State) LastError(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil {
		return e.LastError
	}
	return ""
}

// Forget removes all bookkeeping for id.
func (s *State) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	delete(s.pending, id)
	s.persistLocked()
}

// SetPendingUpsert buffers the payload for the next upsert of id and
// returns its sequence number.
func (s *State) SetPendingUpsert(id string, payload conv.Conversation) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.pending[id] = pendingPayload{payload: payload, seq: s.seq}
	return s.seq
}

// PendingUpsert returns the buffered payload and its sequence number.
func (s *State) PendingUpsert(id string) (conv.Conversation, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	return p.payload, p.seq, ok
}

// AckUpsert settles a successful upsert. It clears the intent only when
// the buffered payload is still the one that was sent; a payload queued
// mid-flight keeps the id dirty and reports false so the caller flushes
// again.
func (s *State) AckUpsert(id string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	p, ok := s.pending[id]
	if e == nil || e.DirtyOp != OpUpsert || !ok || p.seq != seq {
		return false
	}
	e.DirtyOp = ""
	e.LastError = ""
	delete(s.pending, id)
	s.persistLocked()
	return true
}

// AckDelete settles a successful delete. It reports false when the
// intent flipped to an upsert while the request was in flight.
func (s *State) AckDelete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.DirtyOp != OpDelete {
		return false
	}
	e.DirtyOp = ""
	e.LastError = ""
	s.persistLocked()
	return true
}

// DirtyIDs returns every id with a pending intent, sorted.
func (s *State) DirtyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, e := range s.entries {
		if e.DirtyOp != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RevisionSnapshot copies the known remote revisions (initial pull
// reads it before the listing rewrites them).
func (s *State) RevisionSnapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.entries))
	for id, e := range s.entries {
		if e.RemoteRevision != nil {
			out[id] = *e.RemoteRevision
		}
	}
	return out
}
