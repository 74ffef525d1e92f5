package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// staleReadDelay absorbs read-after-write lag when a GET trails the
// revision announced by an event.
const staleReadDelay = 200 * time.Millisecond

// changeNotice is the payload of a conversation_changed event.
type changeNotice struct {
	ConversationID string `json:"conversationId"`
	Revision       int64  `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

type pendingChange struct {
	revision int64
	deleted  bool
}

// Realtime subscribes to the server's event stream and refetches
// changed conversations. Events coalesce per id, keeping only the
// highest revision seen, and a single drain loop applies them one at
// a time.
type Realtime struct {
	events EventsOpener
	remote Transport
	state  *State
	store  ConversationStore
	mute   *MuteRegistry

	mu       sync.Mutex
	pending  map[string]pendingChange
	draining bool
}

func NewRealtime(events EventsOpener, remote Transport, state *State, store ConversationStore, mute *MuteRegistry) *Realtime {
	return &Realtime{
		events:  events,
		remote:  remote,
		state:   state,
		store:   store,
		mute:    mute,
		pending: make(map[string]pendingChange),
	}
}

// Run connects, consumes, and reconnects until ctx is canceled.
// Reconnect delay doubles from one second up to thirty; a ready event
// resets it.
func (r *Realtime) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		stream, err := r.events.OpenEvents(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("events stream connect failed")
			}
		} else if err := r.consume(ctx, stream, bo); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("events stream interrupted")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// consume reads one stream until the server rotates it (close event),
// the connection drops, or ctx is canceled. A nil return means a clean
// rotation.
func (r *Realtime) consume(ctx context.Context, stream io.ReadCloser, bo *backoff.ExponentialBackOff) error {
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "close" {
				log.Debug().Msg("events stream rotated by server")
				return nil
			}
			r.dispatch(ctx, event, data.String(), bo)
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// retry: hints and comment lines are ignored.
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return scanner.Err()
}

func (r *Realtime) dispatch(ctx context.Context, event, data string, bo *backoff.ExponentialBackOff) {
	switch event {
	case "ready":
		bo.Reset()
		log.Debug().Msg("events stream ready")
	case "ping":
	case "conversation_changed":
		var notice changeNotice
		if err := json.Unmarshal([]byte(data), &notice); err != nil {
			log.Warn().Err(err).Msg("discarding malformed change event")
			return
		}
		if notice.ConversationID == "" {
			return
		}
		r.enqueue(ctx, notice)
	}
}

// enqueue coalesces a notice into the pending map and starts the drain
// loop when none is running.
func (r *Realtime) enqueue(ctx context.Context, notice changeNotice) {
	r.mu.Lock()
	cur, ok := r.pending[notice.ConversationID]
	if !ok || notice.Revision > cur.revision {
		r.pending[notice.ConversationID] = pendingChange{revision: notice.Revision, deleted: notice.Deleted}
	}
	start := !r.draining
	if start {
		r.draining = true
	}
	r.mu.Unlock()

	if start {
		go r.drain(ctx)
	}
}

func (r *Realtime) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		var id string
		var change pendingChange
		for k, v := range r.pending {
			id, change = k, v
			break
		}
		if id == "" || ctx.Err() != nil {
			r.draining = false
			r.mu.Unlock()
			return
		}
		delete(r.pending, id)
		r.mu.Unlock()

		r.apply(ctx, id, change)
	}
}

// apply refetches one changed conversation and imports it under mute.
// Dirty ids are skipped; the 409 path owns them.
func (r *Realtime) apply(ctx context.Context, id string, change pendingChange) {
	if op := r.state.DirtyOp(id); op != "" {
		log.Debug().Str("conversationId", id).Str("dirtyOp", string(op)).Msg("skipping remote change for dirty conversation")
		return
	}
	if rev, ok := r.state.RemoteRevision(id); ok && rev >= change.revision {
		return
	}

	if change.deleted {
		r.mute.WithMuted(id, func() {
			r.store.Delete(id)
		})
		r.state.SetRemoteRevision(id, change.revision)
		return
	}

	remote, err := r.remote.GetConversation(ctx, id)
	if err == nil && remote.Revision < change.revision {
		// Reads can trail the event briefly; retry once.
		select {
		case <-ctx.Done():
			return
		case <-time.After(staleReadDelay):
		}
		remote, err = r.remote.GetConversation(ctx, id)
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("conversationId", id).Msg("remote_fetch_failed: change event dropped")
		}
		return
	}

	importRemote(r.store, r.mute, id, remote)
	r.state.SetRemoteRevision(id, remote.Revision)
}
