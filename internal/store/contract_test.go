package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func i64(v int64) *int64 { return &v }

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func decodeJSON(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", b, err)
	}
	return m
}

// testStoreContract exercises the semantics every Store implementation
// must share. Each subtest uses its own user id so implementations need
// no cleanup between subtests.
func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("create assigns revision 1", func(t *testing.T) {
		user := "u-create"
		data := mustJSON(t, map[string]any{"id": "C1", "title": "hello"})

		rev, err := s.Upsert(ctx, user, "C1", nil, data)
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if rev != 1 {
			t.Errorf("revision = %d, want 1", rev)
		}

		rec, err := s.Get(ctx, user, "C1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec == nil {
			t.Fatal("Get returned nil for created row")
		}
		if rec.Revision != 1 || rec.Deleted {
			t.Errorf("got revision=%d deleted=%v, want 1/false", rec.Revision, rec.Deleted)
		}
		if !reflect.DeepEqual(decodeJSON(t, rec.Data), decodeJSON(t, data)) {
			t.Errorf("data = %s, want %s", rec.Data, data)
		}
	})

	t.Run("create never overwrites", func(t *testing.T) {
		user := "u-create-conflict"
		first := mustJSON(t, map[string]any{"id": "C1", "title": "first"})
		second := mustJSON(t, map[string]any{"id": "C1", "title": "second"})

		if _, err := s.Upsert(ctx, user, "C1", nil, first); err != nil {
			t.Fatalf("Upsert: %v", err)
		}

		_, err := s.Upsert(ctx, user, "C1", nil, second)
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
		if conflict.Revision != 1 || conflict.Deleted {
			t.Errorf("conflict = %+v, want revision 1 deleted false", conflict)
		}

		rec, err := s.Get(ctx, user, "C1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := decodeJSON(t, rec.Data)["title"]; got != "first" {
			t.Errorf("title = %v, want first (create must not overwrite)", got)
		}
	})

	t.Run("update increments revision", func(t *testing.T) {
		user := "u-update"
		if _, err := s.Upsert(ctx, user, "C1", nil, mustJSON(t, map[string]any{"id": "C1"})); err != nil {
			t.Fatalf("create: %v", err)
		}

		rev, err := s.Upsert(ctx, user, "C1", i64(1), mustJSON(t, map[string]any{"id": "C1", "n": 2}))
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if rev != 2 {
			t.Errorf("revision = %d, want 2", rev)
		}

		rev, err = s.Upsert(ctx, user, "C1", i64(2), mustJSON(t, map[string]any{"id": "C1", "n": 3}))
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if rev != 3 {
			t.Errorf("revision = %d, want 3", rev)
		}
	})

	t.Run("stale base conflicts", func(t *testing.T) {
		user := "u-stale"
		if _, err := s.Upsert(ctx, user, "C1", nil, mustJSON(t, map[string]any{"id": "C1"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.Upsert(ctx, user, "C1", i64(1), mustJSON(t, map[string]any{"id": "C1", "n": 2})); err != nil {
			t.Fatalf("update: %v", err)
		}

		_, err := s.Upsert(ctx, user, "C1", i64(1), mustJSON(t, map[string]any{"id": "C1", "n": 9}))
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
		if conflict.Revision != 2 || conflict.Deleted {
			t.Errorf("conflict = %+v, want revision 2 deleted false", conflict)
		}
	})

	t.Run("update of absent row is not found", func(t *testing.T) {
		_, err := s.Upsert(ctx, "u-absent", "nope", i64(1), mustJSON(t, map[string]any{"id": "nope"}))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("base revision zero never matches", func(t *testing.T) {
		user := "u-zero"
		// Absent row: revision 0 claims a row that cannot exist.
		if _, err := s.Upsert(ctx, user, "C1", i64(0), mustJSON(t, map[string]any{"id": "C1"})); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}

		// Present row: revisions start at 1, so base 0 always conflicts.
		if _, err := s.Upsert(ctx, user, "C1", nil, mustJSON(t, map[string]any{"id": "C1"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err := s.Upsert(ctx, user, "C1", i64(0), mustJSON(t, map[string]any{"id": "C1"}))
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
		if conflict.Revision != 1 {
			t.Errorf("conflict revision = %d, want 1", conflict.Revision)
		}
	})

	t.Run("tombstone of absent key creates revision 1", func(t *testing.T) {
		user := "u-tombstone-absent"
		rev, err := s.Tombstone(ctx, user, "C2", nil)
		if err != nil {
			t.Fatalf("Tombstone: %v", err)
		}
		if rev != 1 {
			t.Errorf("revision = %d, want 1", rev)
		}

		rec, err := s.Get(ctx, user, "C2")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec == nil || !rec.Deleted {
			t.Fatalf("rec = %+v, want tombstone", rec)
		}
		if rec.Data != nil {
			t.Errorf("tombstone carries data: %s", rec.Data)
		}

		items, err := s.List(ctx, user)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(items) != 1 || !items[0].Deleted {
			t.Errorf("list = %+v, want single tombstone row", items)
		}
	})

	t.Run("tombstone clears data", func(t *testing.T) {
		user := "u-tombstone"
		if _, err := s.Upsert(ctx, user, "C1", nil, mustJSON(t, map[string]any{"id": "C1", "title": "x"})); err != nil {
			t.Fatalf("create: %v", err)
		}

		rev, err := s.Tombstone(ctx, user, "C1", i64(1))
		if err != nil {
			t.Fatalf("Tombstone: %v", err)
		}
		if rev != 2 {
			t.Errorf("revision = %d, want 2", rev)
		}

		rec, err := s.Get(ctx, user, "C1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !rec.Deleted || rec.Data != nil {
			t.Errorf("rec = %+v data=%s, want deleted with nil data", rec.Meta, rec.Data)
		}
	})

	t.Run("repeated delete conflicts with deleted state", func(t *testing.T) {
		user := "u-double-delete"
		if _, err := s.Upsert(ctx, user, "C1", nil, mustJSON(t, map[string]any{"id": "C1"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		rev, err := s.Tombstone(ctx, user, "C1", i64(1))
		if err != nil {
			t.Fatalf("first delete: %v", err)
		}

		_, err = s.Tombstone(ctx, user, "C1", i64(1))
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
		if conflict.Revision != rev || !conflict.Deleted {
			t.Errorf("conflict = %+v, want revision %d deleted true", conflict, rev)
		}
	})

	t.Run("undelete keeps revisions monotonic", func(t *testing.T) {
		user := "u-undelete"
		if _, err := s.Upsert(ctx, user, "C1", nil, mustJSON(t, map[string]any{"id": "C1"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.Tombstone(ctx, user, "C1", i64(1)); err != nil {
			t.Fatalf("delete: %v", err)
		}

		rev, err := s.Upsert(ctx, user, "C1", i64(2), mustJSON(t, map[string]any{"id": "C1", "back": true}))
		if err != nil {
			t.Fatalf("undelete: %v", err)
		}
		if rev != 3 {
			t.Errorf("revision = %d, want 3", rev)
		}

		rec, err := s.Get(ctx, user, "C1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Deleted || rec.Data == nil {
			t.Errorf("rec = %+v, want live row with data", rec.Meta)
		}
	})

	t.Run("revisions stay monotonic across many writes", func(t *testing.T) {
		user := "u-monotonic"
		if _, err := s.Upsert(ctx, user, "C1", nil, mustJSON(t, map[string]any{"id": "C1"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		last := int64(1)
		for i := 0; i < 50; i++ {
			rev, err := s.Upsert(ctx, user, "C1", i64(last), mustJSON(t, map[string]any{"id": "C1", "n": i}))
			if err != nil {
				t.Fatalf("write %d: %v", i, err)
			}
			if rev <= last {
				t.Fatalf("revision went from %d to %d", last, rev)
			}
			last = rev
		}
	})

	t.Run("list returns one row per key newest first", func(t *testing.T) {
		user := "u-list"
		if _, err := s.Upsert(ctx, user, "A", nil, mustJSON(t, map[string]any{"id": "A"})); err != nil {
			t.Fatalf("create A: %v", err)
		}
		if _, err := s.Upsert(ctx, user, "B", nil, mustJSON(t, map[string]any{"id": "B"})); err != nil {
			t.Fatalf("create B: %v", err)
		}
		if _, err := s.Tombstone(ctx, user, "C", nil); err != nil {
			t.Fatalf("tombstone C: %v", err)
		}
		// Touch A last so it sorts first.
		if _, err := s.Upsert(ctx, user, "A", i64(1), mustJSON(t, map[string]any{"id": "A", "n": 2})); err != nil {
			t.Fatalf("update A: %v", err)
		}

		items, err := s.List(ctx, user)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(items) != 3 {
			t.Fatalf("len = %d, want 3", len(items))
		}
		if items[0].ConversationID != "A" || items[0].Revision != 2 {
			t.Errorf("first = %+v, want A at revision 2", items[0])
		}
		byID := map[string]Meta{}
		for _, m := range items {
			byID[m.ConversationID] = m
		}
		if !byID["C"].Deleted {
			t.Error("list should include the C tombstone")
		}
		if byID["B"].Deleted || byID["B"].Revision != 1 {
			t.Errorf("B = %+v, want live at revision 1", byID["B"])
		}
	})

	t.Run("get absent returns nil", func(t *testing.T) {
		rec, err := s.Get(ctx, "u-none", "missing")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec != nil {
			t.Errorf("rec = %+v, want nil", rec)
		}
	})

	t.Run("users are isolated", func(t *testing.T) {
		if _, err := s.Upsert(ctx, "u-iso-1", "C1", nil, mustJSON(t, map[string]any{"id": "C1"})); err != nil {
			t.Fatalf("create: %v", err)
		}
		rec, err := s.Get(ctx, "u-iso-2", "C1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec != nil {
			t.Error("user 2 can see user 1's conversation")
		}
		items, err := s.List(ctx, "u-iso-2")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("list = %+v, want empty", items)
		}
	})
}
