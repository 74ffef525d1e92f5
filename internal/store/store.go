// Package store persists per-user conversation records with optimistic
// concurrency. Every accepted write bumps a per-key revision; deletes
// are tombstones so other devices observe them. Postgres backs the
// server; Memory backs tests and embedded use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Meta is the listing row for a conversation record, tombstones included.
type Meta struct {
	ConversationID string
	Revision       int64
	Deleted        bool
	UpdatedAt      time.Time
}

// Record is a full conversation row. Data is the caller-supplied JSON
// object, stored verbatim; it is nil exactly when Deleted is true.
type Record struct {
	Meta
	Data []byte
}

// ErrNotFound is returned by Upsert and Tombstone when baseRevision is
// non-nil but the row does not exist.
var ErrNotFound = errors.New("conversation not found")

// ConflictError reports an optimistic-concurrency failure. Revision and
// Deleted describe the row as it currently stands.
type ConflictError struct {
	Revision int64
	Deleted  bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict: current revision %d (deleted=%v)", e.Revision, e.Deleted)
}

// Store is the revision store contract. Writes are atomic per key:
// concurrent writers observe strictly increasing revisions and no lost
// updates.
//
// Upsert with baseRevision=nil has create semantics: it never
// overwrites an existing row. Tombstone with baseRevision=nil creates a
// tombstone at revision 1 when the key is absent. Both return
// *ConflictError when the row exists at a different revision, and
// ErrNotFound when baseRevision is non-nil but the row is absent.
type Store interface {
	// List returns one Meta per present key, ordered by UpdatedAt
	// descending. Tombstones are included.
	List(ctx context.Context, userID string) ([]Meta, error)

	// Get returns the full record, or (nil, nil) when the key is absent.
	Get(ctx context.Context, userID, conversationID string) (*Record, error)

	// Upsert writes data under the key and returns the new revision.
	Upsert(ctx context.Context, userID, conversationID string, baseRevision *int64, data []byte) (int64, error)

	// Tombstone marks the key deleted and returns the new revision.
	Tombstone(ctx context.Context, userID, conversationID string, baseRevision *int64) (int64, error)
}
