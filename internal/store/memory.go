package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRecord struct {
	revision  int64
	deleted   bool
	data      []byte
	updatedAt time.Time
	seq       uint64
}

// Memory implements Store in process memory. It backs handler tests and
// embedded deployments; semantics match Postgres exactly.
type Memory struct {
	mu    sync.RWMutex
	users map[string]map[string]*memRecord
	seq   uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]map[string]*memRecord)}
}

func (s *Memory) List(ctx context.Context, userID string) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.users[userID]
	items := make([]Meta, 0, len(recs))
	order := make(map[string]uint64, len(recs))
	for id, r := range recs {
		items = append(items, Meta{
			ConversationID: id,
			Revision:       r.revision,
			Deleted:        r.deleted,
			UpdatedAt:      r.updatedAt,
		})
		order[id] = r.seq
	}
	// updated_at DESC; write sequence breaks ties deterministically.
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return order[items[i].ConversationID] > order[items[j].ConversationID]
	})
	return items, nil
}

func (s *Memory) Get(ctx context.Context, userID, conversationID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.users[userID][conversationID]
	if !ok {
		return nil, nil
	}
	rec := &Record{Meta: Meta{
		ConversationID: conversationID,
		Revision:       r.revision,
		Deleted:        r.deleted,
		UpdatedAt:      r.updatedAt,
	}}
	if r.data != nil {
		rec.Data = append([]byte(nil), r.data...)
	}
	return rec, nil
}

func (s *Memory) Upsert(ctx context.Context, userID, conversationID string, baseRevision *int64, data []byte) (int64, error) {
	return s.write(userID, conversationID, baseRevision, data, false)
}

func (s *Memory) Tombstone(ctx context.Context, userID, conversationID string, baseRevision *int64) (int64, error) {
	return s.write(userID, conversationID, baseRevision, nil, true)
}

func (s *Memory) write(userID, conversationID string, baseRevision *int64, data []byte, deleted bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.users[userID]
	cur, exists := recs[conversationID]

	if baseRevision == nil {
		if exists {
			return 0, &ConflictError{Revision: cur.revision, Deleted: cur.deleted}
		}
		if recs == nil {
			recs = make(map[string]*memRecord)
			s.users[userID] = recs
		}
		s.seq++
		recs[conversationID] = &memRecord{
			revision:  1,
			deleted:   deleted,
			data:      copyBytes(data),
			updatedAt: time.Now().UTC(),
			seq:       s.seq,
		}
		return 1, nil
	}

	if !exists {
		return 0, ErrNotFound
	}
	if cur.revision != *baseRevision {
		return 0, &ConflictError{Revision: cur.revision, Deleted: cur.deleted}
	}
	s.seq++
	cur.revision++
	cur.deleted = deleted
	cur.data = copyBytes(data)
	cur.updatedAt = time.Now().UTC()
	cur.seq = s.seq
	return cur.revision, nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
