package client

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/convsync/convsync/internal/conv"
)

func newTestResolver(remote Transport, store ConversationStore, queue UploadQueue) (*Resolver, *State, *MuteRegistry) {
	state := NewState()
	mute := NewMuteRegistry()
	r := NewResolver(state, remote, store, mute, queue)
	r.newID = func() string { return "copy-1" }
	return r, state, mute
}

func TestUpsertConflictKeepsRemoteAndMintsCopy(t *testing.T) {
	remote := &fakeTransport{}
	remote.getFn = func(id string) (*Remote, error) {
		return &Remote{
			ConversationID: id,
			Revision:       4,
			Data:           conv.Conversation{"id": id, "title": "server wins", "messages": []any{}},
		}, nil
	}
	store := NewMemoryConversationStore()
	store.Put(conv.Conversation{"id": "c1", "title": "my edit"})
	queue := &captureQueue{}
	r, state, _ := newTestResolver(remote, store, queue)
	state.MarkDirty("c1", OpUpsert)

	attempted := conv.Conversation{
		"id":       "c1",
		"title":    "my edit",
		"messages": []any{map[string]any{"role": "user", "text": "mine"}},
	}
	r.ResolveUpsertConflict(context.Background(), "c1", attempted, &ConflictError{ConversationID: "c1", Revision: 4})

	// Original id reflects remote truth.
	got, ok := store.Get("c1")
	if !ok {
		t.Fatal("Expected c1 present after resolution")
	}
	if got.Title() != "server wins" {
		t.Errorf("Expected remote payload under original id, got %q", got.Title())
	}
	if got["pending"] != false {
		t.Error("Expected imported blob inflated with pending=false")
	}

	// The attempt survives under the fresh id.
	cp, ok := store.Get("copy-1")
	if !ok {
		t.Fatal("Expected conflict copy in the store")
	}
	if cp.Title() != "my edit (conflict copy)" {
		t.Errorf("Expected conflict-copy title, got %q", cp.Title())
	}
	if cp.ID() != "copy-1" {
		t.Errorf("Expected copy re-identified, got %q", cp.ID())
	}

	// Bookkeeping: original settled, copy queued for upload.
	if rev, _ := state.RemoteRevision("c1"); rev != 4 {
		t.Errorf("Expected remote revision 4 adopted, got %d", rev)
	}
	if op := state.DirtyOp("c1"); op != "" {
		t.Errorf("Expected c1 clean, got %q", op)
	}
	if n := queue.upsertCount(); n != 1 {
		t.Fatalf("Expected the copy queued exactly once, got %d", n)
	}
	if got := queue.lastUpsert().ID(); got != "copy-1" {
		t.Errorf("Expected copy-1 queued, got %q", got)
	}
}

func TestUpsertConflictFetchFailureMintsNothing(t *testing.T) {
	remote := &fakeTransport{}
	fail := true
	remote.getFn = func(id string) (*Remote, error) {
		if fail {
			return nil, errors.New("network down")
		}
		return &Remote{ConversationID: id, Revision: 2, Data: conv.Conversation{"id": id, "title": "remote"}}, nil
	}
	store := NewMemoryConversationStore()
	queue := &captureQueue{}
	r, state, _ := newTestResolver(remote, store, queue)
	state.MarkDirty("c1", OpUpsert)

	attempted := conv.Conversation{"id": "c1", "title": "mine"}
	r.ResolveUpsertConflict(context.Background(), "c1", attempted, &ConflictError{ConversationID: "c1", Revision: 2})

	if _, ok := store.Get("copy-1"); ok {
		t.Fatal("Expected no conflict copy when the remote fetch fails")
	}
	if op := state.DirtyOp("c1"); op != OpUpsert {
		t.Errorf("Expected c1 to stay dirty, got %q", op)
	}
	if msg := state.LastError("c1"); !strings.Contains(msg, "conflict_unresolvable") {
		t.Errorf("Expected conflict_unresolvable recorded, got %q", msg)
	}

	// The retry path mints exactly one copy once the fetch succeeds.
	fail = false
	r.ResolveUpsertConflict(context.Background(), "c1", attempted, &ConflictError{ConversationID: "c1", Revision: 2})

	if _, ok := store.Get("copy-1"); !ok {
		t.Fatal("Expected the copy after a successful fetch")
	}
	if n := queue.upsertCount(); n != 1 {
		t.Errorf("Expected a single queued copy across retries, got %d", n)
	}
}

func TestDeleteConflictImportsRemote(t *testing.T) {
	remote := &fakeTransport{}
	remote.getFn = func(id string) (*Remote, error) {
		return &Remote{
			ConversationID: id,
			Revision:       6,
			Data:           conv.Conversation{"id": id, "title": "edited elsewhere"},
		}, nil
	}
	store := NewMemoryConversationStore()
	queue := &captureQueue{}
	r, state, _ := newTestResolver(remote, store, queue)
	state.SetRemoteRevision("c1", 2)
	state.MarkDirty("c1", OpDelete)

	r.ResolveDeleteConflict(context.Background(), "c1", &ConflictError{ConversationID: "c1", Revision: 6})

	got, ok := store.Get("c1")
	if !ok {
		t.Fatal("Expected the remote edit to cancel the local delete")
	}
	if got.Title() != "edited elsewhere" {
		t.Errorf("Expected remote blob imported, got %q", got.Title())
	}
	if rev, _ := state.RemoteRevision("c1"); rev != 6 {
		t.Errorf("Expected revision 6 adopted, got %d", rev)
	}
	if op := state.DirtyOp("c1"); op != "" {
		t.Errorf("Expected delete intent cleared, got %q", op)
	}
	if n := queue.upsertCount() + queue.deleteCount(); n != 0 {
		t.Errorf("Expected nothing re-queued, got %d intents", n)
	}
}

func TestDeleteConflictRemoteTombstone(t *testing.T) {
	remote := &fakeTransport{}
	remote.getFn = func(id string) (*Remote, error) {
		return &Remote{ConversationID: id, Revision: 3, Deleted: true}, nil
	}
	store := NewMemoryConversationStore()
	store.Put(conv.Conversation{"id": "c1", "title": "stray"})
	queue := &captureQueue{}
	r, state, _ := newTestResolver(remote, store, queue)
	state.MarkDirty("c1", OpDelete)

	r.ResolveDeleteConflict(context.Background(), "c1", &ConflictError{ConversationID: "c1", Revision: 3, Deleted: true})

	if _, ok := store.Get("c1"); ok {
		t.Error("Expected no local record when remote is a tombstone")
	}
	if rev, _ := state.RemoteRevision("c1"); rev != 3 {
		t.Errorf("Expected tombstone revision adopted, got %d", rev)
	}
	if op := state.DirtyOp("c1"); op != "" {
		t.Errorf("Expected intent cleared, got %q", op)
	}
}

// Resolution writes to the store while a live watcher is attached; only
// the explicit QueueUpsert of the copy may surface, everything else is
// muted.
func TestResolverImportsDoNotEchoThroughWatcher(t *testing.T) {
	remote := &fakeTransport{}
	remote.getFn = func(id string) (*Remote, error) {
		return &Remote{
			ConversationID: id,
			Revision:       4,
			Data:           conv.Conversation{"id": id, "title": "server wins", "messages": []any{map[string]any{"role": "assistant", "text": "ok"}}},
		}, nil
	}
	store := NewMemoryConversationStore()
	queue := &captureQueue{}
	r, state, mute := newTestResolver(remote, store, queue)
	state.MarkDirty("c1", OpUpsert)

	w := NewWatcher(store, queue, mute.IsMuted, fastWatcherConfig())
	w.Start()
	defer w.Stop()

	attempted := conv.Conversation{
		"id":       "c1",
		"title":    "mine",
		"messages": []any{map[string]any{"role": "user", "text": "mine"}},
	}
	r.ResolveUpsertConflict(context.Background(), "c1", attempted, &ConflictError{ConversationID: "c1", Revision: 4})

	// One explicit queue call for the copy, then silence.
	time.Sleep(80 * time.Millisecond)
	if n := queue.upsertCount(); n != 1 {
		t.Errorf("Expected only the explicit copy upload, got %d upserts", n)
	}
	if n := queue.deleteCount(); n != 0 {
		t.Errorf("Expected no delete intents, got %d", n)
	}
}
