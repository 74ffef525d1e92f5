// Package localstore persists the agent's conversations and sync state
// in a BadgerDB directory, one per device. It backs the engine's
// ConversationStore and StateStore interfaces with an in-memory mirror
// hydrated at open, so reads never touch disk.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/convsync/convsync/internal/client"
	"github.com/convsync/convsync/internal/conv"
)

// Options configures Open.
type Options struct {
	// Dir is the BadgerDB directory; it is created when missing.
	Dir string
	// User scopes every key, so one directory can host several
	// accounts without mixing their conversations.
	User string
	// SyncWrites forces an fsync per write. Slower, but an agent that
	// loses power mid-edit re-uploads instead of losing the edit.
	SyncWrites bool
}

// Store is a durable conversation + sync-state store. All conversation
// reads are served from the mirror; writes go through BadgerDB first.
type Store struct {
	db   *badger.DB
	user string

	mu    sync.Mutex
	convs client.Snapshot
	subs  map[int]func(prev, next client.Snapshot)
	next  int

	gcOnce sync.Once
	gcStop chan struct{}
}

var (
	_ client.ConversationStore = (*Store)(nil)
	_ client.StateStore        = (*Store)(nil)
)

func convKey(user, id string) []byte {
	return []byte(fmt.Sprintf("conv:%s:%s", user, id))
}

func convPrefix(user string) []byte {
	return []byte(fmt.Sprintf("conv:%s:", user))
}

func stateKey(user string) []byte {
	return []byte(fmt.Sprintf("syncstate:%s", user))
}

// Open opens (or creates) the store and hydrates the conversation
// mirror. The store is fully hydrated when Open returns.
func Open(opts Options) (*Store, error) {
	if opts.User == "" {
		return nil, fmt.Errorf("localstore: user is required")
	}

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{}).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &Store{
		db:     db,
		user:   opts.User,
		convs:  make(client.Snapshot),
		subs:   make(map[int]func(prev, next client.Snapshot)),
		gcStop: make(chan struct{}),
	}

	if err := s.hydrate(); err != nil {
		db.Close()
		return nil, err
	}

	go s.runGC()

	log.Info().
		Str("path", opts.Dir).
		Int("conversations", len(s.convs)).
		Msg("local conversation store opened")
	return s, nil
}

// hydrate loads every conversation for the user into the mirror.
func (s *Store) hydrate() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         convPrefix(s.user),
			PrefetchValues: true,
			PrefetchSize:   100,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var c conv.Conversation
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				log.Warn().Err(err).Str("key", string(item.Key())).Msg("skipping unreadable conversation record")
				continue
			}
			if id := c.ID(); id != "" {
				s.convs[id] = c
			}
		}
		return nil
	})
}

// Close stops background work and closes the database.
func (s *Store) Close() error {
	s.gcOnce.Do(func() { close(s.gcStop) })
	return s.db.Close()
}

func (s *Store) Snapshot() client.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.convs)
}

func (s *Store) Get(id string) (conv.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	return c, ok
}

func (s *Store) Put(c conv.Conversation) {
	id := c.ID()
	if id == "" {
		return
	}
	s.Apply(func(snap client.Snapshot) {
		snap[id] = c.Clone()
	})
}

func (s *Store) Delete(id string) {
	s.Apply(func(snap client.Snapshot) {
		delete(snap, id)
	})
}

// Apply runs one atomic batch mutation. Changed entries are written
// through to BadgerDB in a single transaction before subscribers see
// the new snapshot. A write-through failure is logged and the mirror
// still advances: the session keeps the edit, the next successful
// write persists the full record again.
func (s *Store) Apply(mutate func(client.Snapshot)) {
	s.mu.Lock()
	prev := s.convs
	next := cloneSnapshot(prev)
	mutate(next)

	if err := s.persistDiff(prev, next); err != nil {
		log.Error().Err(err).Msg("failed to persist conversation change")
	}

	s.convs = next
	for _, fn := range s.subs {
		fn(prev, next)
	}
	s.mu.Unlock()
}

// persistDiff writes every changed or removed conversation in one
// transaction.
func (s *Store) persistDiff(prev, next client.Snapshot) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for id := range prev {
			if _, ok := next[id]; !ok {
				if err := txn.Delete(convKey(s.user, id)); err != nil {
					return fmt.Errorf("failed to delete conversation %s: %w", id, err)
				}
			}
		}
		for id, c := range next {
			if prevC, ok := prev[id]; ok && reflect.DeepEqual(prevC, c) {
				continue
			}
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to encode conversation %s: %w", id, err)
			}
			if err := txn.Set(convKey(s.user, id), data); err != nil {
				return fmt.Errorf("failed to store conversation %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) Subscribe(fn func(prev, next client.Snapshot)) func() {
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

// LoadState returns the persisted sync-state envelope, or (nil, nil)
// before the first save.
func (s *Store) LoadState(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(s.user))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get sync state: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) SaveState(ctx context.Context, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(s.user), data)
	})
}

// runGC reclaims value-log space in the background until Close.
func (s *Store) runGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func cloneSnapshot(s client.Snapshot) client.Snapshot {
	out := make(client.Snapshot, len(s))
	for id, c := range s {
		out[id] = c
	}
	return out
}

// badgerLogger adapts zerolog to BadgerDB's logger interface.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[badger] "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Msgf("[badger] "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[badger] "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Msgf("[badger] "+format, args...)
}
