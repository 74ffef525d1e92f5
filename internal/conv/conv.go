// Package conv holds the conversation payload helpers shared by the
// server and the client engine: id validation, accessors over the
// opaque JSON object, the sync-eligibility rule, and the
// sanitize/inflate codec applied at the client's wire boundary. The
// server stores blobs verbatim and never applies the codec.
package conv

import "time"

// Conversation is an opaque JSON object with a handful of well-known
// top-level fields. Everything else passes through untouched.
type Conversation map[string]any

// GetString safely extracts a string value from a map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// ID returns the top-level id field, or "" when absent.
func (c Conversation) ID() string {
	s, _ := GetString(c, "id")
	return s
}

// Title returns the top-level title field, or "" when absent.
func (c Conversation) Title() string {
	s, _ := GetString(c, "title")
	return s
}

// Incognito reports the top-level incognito flag.
func (c Conversation) Incognito() bool {
	b, _ := c["incognito"].(bool)
	return b
}

// Messages returns the top-level messages array, or nil when absent.
func (c Conversation) Messages() []any {
	a, _ := c["messages"].([]any)
	return a
}

// Clone returns a deep copy of the conversation. Nested maps and
// slices are copied recursively; scalar values are shared.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	return Conversation(cloneMap(c))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ValidID reports whether s is a legal conversation id: URL-safe
// characters [A-Za-z0-9_-], length 1..128.
func ValidID(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// Eligible reports whether a conversation may be sent to the server.
// Incognito conversations never sync; placeholder empties (no messages
// and no title) never sync.
func Eligible(c Conversation) bool {
	if c == nil || c.Incognito() {
		return false
	}
	return len(c.Messages()) > 0 || c.Title() != ""
}

// Sanitize returns a deep copy of c with transient fields removed: the
// top-level pending flag and per-message tokenCount caches. Sanitize is
// idempotent and never mutates its argument.
func Sanitize(c Conversation) Conversation {
	out := c.Clone()
	delete(out, "pending")
	if msgs, ok := out["messages"].([]any); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]any); ok {
				delete(mm, "tokenCount")
			}
		}
	}
	return out
}

// Inflate re-attaches runtime defaults to a blob pulled from the wire.
// Every field Inflate adds is transient, so Sanitize(Inflate(x))
// equals Sanitize(x).
func Inflate(c Conversation) Conversation {
	out := c.Clone()
	out["pending"] = false
	return out
}

// ConflictCopy builds the payload saved under a fresh id when an
// optimistic write loses: the attempted blob with the new id, fresh
// timestamps, and a title that marks it as a conflict copy.
func ConflictCopy(attempted Conversation, newID string) Conversation {
	out := Sanitize(attempted)
	out["id"] = newID
	now := RFC3339(NowMs())
	out["createdAt"] = now
	out["updatedAt"] = now
	title := out.Title()
	if title == "" {
		title = "Untitled"
	}
	out["title"] = title + " (conflict copy)"
	return out
}

// NowMs returns the current Unix milliseconds timestamp (UTC).
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string.
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
