// Package client implements the device-side sync engine: it watches a
// local conversation store, uploads dirty conversations with optimistic
// concurrency, resolves conflicts by keeping the remote version and
// saving the local attempt under a new id, and applies remote changes
// pushed over the server's event stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/convsync/convsync/internal/conv"
)

// Meta is one row of the server's conversation listing.
type Meta struct {
	ConversationID string    `json:"conversationId"`
	Revision       int64     `json:"revision"`
	Deleted        bool      `json:"deleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Remote is a full conversation record fetched from the server. Data is
// nil for tombstones.
type Remote struct {
	ConversationID string
	Revision       int64
	Deleted        bool
	Data           conv.Conversation
}

// ConflictError is the server's structured 409 body. It carries the
// revision the row is actually at so the resolver can adopt it.
type ConflictError struct {
	ConversationID string `json:"conversationId"`
	Revision       int64  `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: remote at revision %d (deleted=%v)",
		e.ConversationID, e.Revision, e.Deleted)
}

// APIError is any non-2xx response that is not a structured conflict.
type APIError struct {
	Status int
	Token  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %s (status %d)", e.Token, e.Status)
}

// ErrTransportDisabled is returned by the disabled transport stub that
// fronts the engine until the initial pull has completed.
var ErrTransportDisabled = errors.New("transport disabled")

// Transport is the client's view of the sync API.
type Transport interface {
	ListConversations(ctx context.Context) ([]Meta, error)
	GetConversation(ctx context.Context, id string) (*Remote, error)
	UpsertConversation(ctx context.Context, id string, baseRevision *int64, data conv.Conversation) (int64, error)
	DeleteConversation(ctx context.Context, id string, baseRevision *int64) (int64, error)
}

// EventsOpener opens the server's change event stream.
type EventsOpener interface {
	OpenEvents(ctx context.Context) (io.ReadCloser, error)
}

type disabledTransport struct{}

// Disabled returns a Transport whose every call fails with
// ErrTransportDisabled.
func Disabled() Transport { return disabledTransport{} }

func (disabledTransport) ListConversations(context.Context) ([]Meta, error) {
	return nil, ErrTransportDisabled
}

func (disabledTransport) GetConversation(context.Context, string) (*Remote, error) {
	return nil, ErrTransportDisabled
}

func (disabledTransport) UpsertConversation(context.Context, string, *int64, conv.Conversation) (int64, error) {
	return 0, ErrTransportDisabled
}

func (disabledTransport) DeleteConversation(context.Context, string, *int64) (int64, error) {
	return 0, ErrTransportDisabled
}

// Switchable starts out disabled and is swapped to the live transport
// once the initial pull has established revision knowledge. The watcher
// and uploader are wired to it from the start, so intents queue safely
// before the network is allowed.
type Switchable struct {
	mu      sync.RWMutex
	t       Transport
	enabled bool
}

func NewSwitchable() *Switchable {
	return &Switchable{t: Disabled()}
}

// Use swaps in the live transport and marks the switchable enabled.
func (s *Switchable) Use(t Transport) {
	s.mu.Lock()
	s.t = t
	s.enabled = true
	s.mu.Unlock()
}

// Enabled reports whether the live transport has been swapped in.
func (s *Switchable) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *Switchable) current() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t
}

func (s *Switchable) ListConversations(ctx context.Context) ([]Meta, error) {
	return s.current().ListConversations(ctx)
}

func (s *Switchable) GetConversation(ctx context.Context, id string) (*Remote, error) {
	return s.current().GetConversation(ctx, id)
}

func (s *Switchable) UpsertConversation(ctx context.Context, id string, baseRevision *int64, data conv.Conversation) (int64, error) {
	return s.current().UpsertConversation(ctx, id, baseRevision, data)
}

func (s *Switchable) DeleteConversation(ctx context.Context, id string, baseRevision *int64) (int64, error) {
	return s.current().DeleteConversation(ctx, id, baseRevision)
}
