package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/convsync/convsync/internal/conv"
)

// waitFor polls cond until it holds or the deadline passes. Engine work
// runs on goroutines and timers, so assertions poll rather than sleep
// for fixed amounts.
func waitFor(t *testing.T, d time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type upsertCall struct {
	id   string
	base *int64
	data conv.Conversation
}

type deleteCall struct {
	id   string
	base *int64
}

// fakeTransport scripts server behavior. Unset hooks fall back to a
// permissive default: empty listing, 404 on get, revision bump on
// writes.
type fakeTransport struct {
	mu       sync.Mutex
	listFn   func() ([]Meta, error)
	getFn    func(id string) (*Remote, error)
	upsertFn func(id string, base *int64, data conv.Conversation) (int64, error)
	deleteFn func(id string, base *int64) (int64, error)

	lists   int
	gets    []string
	upserts []upsertCall
	deletes []deleteCall
}

func (f *fakeTransport) ListConversations(ctx context.Context) ([]Meta, error) {
	f.mu.Lock()
	f.lists++
	fn := f.listFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (f *fakeTransport) GetConversation(ctx context.Context, id string) (*Remote, error) {
	f.mu.Lock()
	f.gets = append(f.gets, id)
	fn := f.getFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return nil, &APIError{Status: 404, Token: "not_found"}
}

func (f *fakeTransport) UpsertConversation(ctx context.Context, id string, base *int64, data conv.Conversation) (int64, error) {
	f.mu.Lock()
	f.upserts = append(f.upserts, upsertCall{id: id, base: base, data: data})
	fn := f.upsertFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, base, data)
	}
	if base != nil {
		return *base + 1, nil
	}
	return 1, nil
}

func (f *fakeTransport) DeleteConversation(ctx context.Context, id string, base *int64) (int64, error) {
	f.mu.Lock()
	f.deletes = append(f.deletes, deleteCall{id: id, base: base})
	fn := f.deleteFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, base)
	}
	if base != nil {
		return *base + 1, nil
	}
	return 1, nil
}

func (f *fakeTransport) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeTransport) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets)
}

func (f *fakeTransport) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func (f *fakeTransport) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeTransport) upsertAt(i int) upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts[i]
}

func (f *fakeTransport) deleteAt(i int) deleteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes[i]
}

// captureQueue records intents without uploading anything.
type captureQueue struct {
	mu      sync.Mutex
	upserts []conv.Conversation
	deletes []string
}

func (q *captureQueue) QueueUpsert(payload conv.Conversation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.upserts = append(q.upserts, payload)
}

func (q *captureQueue) QueueDelete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletes = append(q.deletes, id)
}

func (q *captureQueue) upsertCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.upserts)
}

func (q *captureQueue) deleteCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deletes)
}

func (q *captureQueue) lastUpsert() conv.Conversation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.upserts) == 0 {
		return nil
	}
	return q.upserts[len(q.upserts)-1]
}

func int64ptr(v int64) *int64 { return &v }
