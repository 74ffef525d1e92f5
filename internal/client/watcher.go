package client

import (
	"reflect"
	"sync"
	"time"

	"github.com/convsync/convsync/internal/conv"
	"github.com/rs/zerolog/log"
)

// UploadQueue accepts upload intents from the watcher and the conflict
// resolver. The Uploader implements it.
type UploadQueue interface {
	QueueUpsert(payload conv.Conversation)
	QueueDelete(id string)
}

// WatcherConfig tunes the per-conversation debounce.
type WatcherConfig struct {
	// Debounce delays the upload after the last observed mutation, so
	// a burst of streaming edits coalesces into one request.
	Debounce time.Duration
	// MaxWait caps how long continuous mutation can defer the upload.
	MaxWait time.Duration
}

// DefaultWatcherConfig matches interactive editing cadence.
var DefaultWatcherConfig = WatcherConfig{
	Debounce: 900 * time.Millisecond,
	MaxWait:  5 * time.Second,
}

// pendingIntent is the debounce state machine for one conversation id.
// firstQueuedAt tracks the age of the current intent kind; a kind flip
// resets it.
type pendingIntent struct {
	op            Op
	payload       conv.Conversation
	firstQueuedAt time.Time
	timer         *time.Timer
	gen           int
}

// Watcher observes the local conversation store and turns mutations
// into debounced upload intents. Remote-originated mutations are
// filtered out through the mute predicate.
type Watcher struct {
	store ConversationStore
	queue UploadQueue
	muted func(id string) bool
	cfg   WatcherConfig

	mu          sync.Mutex
	pending     map[string]*pendingIntent
	unsubscribe func()
	stopped     bool
}

func NewWatcher(store ConversationStore, queue UploadQueue, muted func(id string) bool, cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig.Debounce
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultWatcherConfig.MaxWait
	}
	if muted == nil {
		muted = func(string) bool { return false }
	}
	return &Watcher{
		store:   store,
		queue:   queue,
		muted:   muted,
		cfg:     cfg,
		pending: make(map[string]*pendingIntent),
	}
}

// Start subscribes to the store. Intents queue from the first change.
func (w *Watcher) Start() {
	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()
	w.unsubscribe = w.store.Subscribe(w.onChange)
}

// Stop unsubscribes and cancels every pending timer.
func (w *Watcher) Stop() {
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
	w.mu.Lock()
	w.stopped = true
	for _, p := range w.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	w.pending = make(map[string]*pendingIntent)
	w.mu.Unlock()
}

// onChange diffs the store snapshots and derives intents.
func (w *Watcher) onChange(prev, next Snapshot) {
	for id, prevC := range prev {
		if _, ok := next[id]; ok {
			continue
		}
		// Deleted locally. Only eligible conversations were ever
		// synced, so only those produce a remote delete.
		if conv.Eligible(prevC) {
			w.intend(id, OpDelete, nil)
		}
	}

	for id, c := range next {
		prevC, existed := prev[id]
		if !existed {
			if conv.Eligible(c) {
				w.intend(id, OpUpsert, conv.Sanitize(c))
			}
			continue
		}
		if reflect.DeepEqual(prevC, c) {
			continue
		}
		switch {
		case conv.Eligible(prevC) && !conv.Eligible(c):
			// Became a placeholder (or went incognito): retract it.
			w.intend(id, OpDelete, nil)
		case conv.Eligible(c):
			w.intend(id, OpUpsert, conv.Sanitize(c))
		}
	}
}

// intend records the intent for id and (re)arms its debounce timer.
func (w *Watcher) intend(id string, op Op, payload conv.Conversation) {
	if w.muted(id) {
		log.Debug().Str("conversationId", id).Str("op", string(op)).Msg("dropping intent for muted conversation")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	now := time.Now()
	p := w.pending[id]
	if p == nil {
		p = &pendingIntent{op: op, payload: payload, firstQueuedAt: now}
		w.pending[id] = p
	} else {
		if p.op != op {
			p.firstQueuedAt = now
		}
		p.op = op
		p.payload = payload
	}

	delay := w.cfg.Debounce
	if remaining := w.cfg.MaxWait - now.Sub(p.firstQueuedAt); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(delay, func() { w.fire(id, gen) })
}

// fire emits the intent if it is still the armed one.
func (w *Watcher) fire(id string, gen int) {
	w.mu.Lock()
	p := w.pending[id]
	if p == nil || p.gen != gen || w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.pending, id)
	op, payload := p.op, p.payload
	w.mu.Unlock()

	if op == OpUpsert {
		w.queue.QueueUpsert(payload)
	} else {
		w.queue.QueueDelete(id)
	}
}
