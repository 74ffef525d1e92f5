package localstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/convsync/internal/client"
	"github.com/convsync/convsync/internal/conv"
)

func openTestStore(t *testing.T, dir, user string) *Store {
	t.Helper()
	s, err := Open(Options{Dir: dir, User: user})
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestConversationPersistence(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, "user-1")
	s.Put(conv.Conversation{"id": "c1", "title": "kept", "messages": []any{map[string]any{"role": "user", "text": "hi"}}})
	s.Put(conv.Conversation{"id": "c2", "title": "doomed"})
	s.Delete("c2")
	require.NoError(t, s.Close())

	// A fresh open hydrates the mirror from disk.
	s2 := openTestStore(t, dir, "user-1")
	defer s2.Close()

	got, ok := s2.Get("c1")
	require.True(t, ok, "expected c1 to survive reopen")
	assert.Equal(t, "kept", got.Title())
	assert.Len(t, got.Messages(), 1)

	_, ok = s2.Get("c2")
	assert.False(t, ok, "expected deleted conversation to stay gone")
	assert.Len(t, s2.Snapshot(), 1)
}

func TestSyncStatePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, "user-1")

	data, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, data, "expected no envelope before the first save")

	require.NoError(t, s.SaveState(ctx, []byte(`{"schemaVersion":1,"entries":{}}`)))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, "user-1")
	defer s2.Close()

	data, err = s2.LoadState(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaVersion":1,"entries":{}}`, string(data))
}

func TestUserScoping(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir, "user-1")
	s.Put(conv.Conversation{"id": "c1", "title": "private"})
	require.NoError(t, s.SaveState(ctx, []byte(`{"schemaVersion":1}`)))
	require.NoError(t, s.Close())

	// Another account in the same directory sees nothing.
	other := openTestStore(t, dir, "user-2")
	assert.Empty(t, other.Snapshot())
	data, err := other.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
	require.NoError(t, other.Close())

	// And the original account still has its data.
	back := openTestStore(t, dir, "user-1")
	defer back.Close()
	_, ok := back.Get("c1")
	assert.True(t, ok)
}

func TestSubscribeSeesBeforeAndAfter(t *testing.T) {
	s := openTestStore(t, t.TempDir(), "user-1")
	defer s.Close()

	var events []struct{ prevLen, nextLen int }
	cancel := s.Subscribe(func(prev, next client.Snapshot) {
		events = append(events, struct{ prevLen, nextLen int }{len(prev), len(next)})
	})

	s.Put(conv.Conversation{"id": "c1", "title": "a"})
	s.Delete("c1")

	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].prevLen)
	assert.Equal(t, 1, events[0].nextLen)
	assert.Equal(t, 1, events[1].prevLen)
	assert.Equal(t, 0, events[1].nextLen)

	cancel()
	s.Put(conv.Conversation{"id": "c2", "title": "b"})
	assert.Len(t, events, 2, "expected no callbacks after cancel")
}

func TestApplyBatchesIntoOneNotification(t *testing.T) {
	s := openTestStore(t, t.TempDir(), "user-1")
	defer s.Close()

	s.Put(conv.Conversation{"id": "old", "title": "stale"})

	notifications := 0
	s.Subscribe(func(prev, next client.Snapshot) { notifications++ })

	s.Apply(func(snap client.Snapshot) {
		snap["c1"] = conv.Conversation{"id": "c1", "title": "one"}
		snap["c2"] = conv.Conversation{"id": "c2", "title": "two"}
		delete(snap, "old")
	})

	assert.Equal(t, 1, notifications)
	assert.Len(t, s.Snapshot(), 2)
	_, ok := s.Get("old")
	assert.False(t, ok)
}

func TestPutClonesItsArgument(t *testing.T) {
	s := openTestStore(t, t.TempDir(), "user-1")
	defer s.Close()

	c := conv.Conversation{"id": "c1", "title": "original"}
	s.Put(c)
	c["title"] = "mutated after put"

	got, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "original", got.Title())
}

func TestSnapshotIsDetached(t *testing.T) {
	s := openTestStore(t, t.TempDir(), "user-1")
	defer s.Close()

	s.Put(conv.Conversation{"id": "c1", "title": "stable"})
	snap := s.Snapshot()
	delete(snap, "c1")

	_, ok := s.Get("c1")
	assert.True(t, ok, "expected snapshot mutations to not leak into the store")
}
