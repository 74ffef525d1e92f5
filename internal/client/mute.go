package client

import "sync"

// MuteRegistry gates the watcher while remote-originated changes are
// applied to the local store. Reference counted: conflict resolution
// nests mutes for the copy id and the original id, and either may
// outlast the other.
type MuteRegistry struct {
	mu   sync.Mutex
	refs map[string]int
}

func NewMuteRegistry() *MuteRegistry {
	return &MuteRegistry{refs: make(map[string]int)}
}

// WithMuted runs fn with id muted. The count is decremented on every
// exit path.
func (m *MuteRegistry) WithMuted(id string, fn func()) {
	m.acquire(id)
	defer m.release(id)
	fn()
}

// IsMuted reports whether any WithMuted call is active for id.
func (m *MuteRegistry) IsMuted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[id] > 0
}

func (m *MuteRegistry) acquire(id string) {
	m.mu.Lock()
	m.refs[id]++
	m.mu.Unlock()
}

func (m *MuteRegistry) release(id string) {
	m.mu.Lock()
	if m.refs[id] <= 1 {
		delete(m.refs, id)
	} else {
		m.refs[id]--
	}
	m.mu.Unlock()
}
