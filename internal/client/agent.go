package client

import (
	"context"
	"sync"

	"github.com/convsync/convsync/internal/conv"
	"github.com/rs/zerolog/log"
)

// AgentConfig wires the engine's collaborators. Store must already be
// hydrated from persistence when StartAgent is called.
type AgentConfig struct {
	Store      ConversationStore
	StateStore StateStore // nil runs without persisted sync state
	Remote     Transport
	Events     EventsOpener // nil disables the realtime channel
	Watcher    WatcherConfig
}

var (
	agentMu   sync.Mutex
	agentStop func()
)

// StartAgent boots the sync engine and returns a stop function that
// unwinds it. The agent is a per-process singleton; a second call
// returns the running instance's stop function.
func StartAgent(ctx context.Context, cfg AgentConfig) (func(), error) {
	agentMu.Lock()
	defer agentMu.Unlock()
	if agentStop != nil {
		log.Warn().Msg("sync agent already running; reusing it")
		return agentStop, nil
	}

	stop, err := startEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	wrapped := func() {
		once.Do(func() {
			stop()
			agentMu.Lock()
			agentStop = nil
			agentMu.Unlock()
		})
	}
	agentStop = wrapped
	return wrapped, nil
}

// startEngine runs the bootstrap sequence: watcher first, then the
// initial pull, transport enablement, payload reconcile, a flush of
// every dirty id, and finally the realtime channel.
//
// When the initial listing fails the engine stays local-only: the
// transport remains disabled, nothing is flushed, and the watcher
// keeps accumulating intents for the next start.
func startEngine(ctx context.Context, cfg AgentConfig) (func(), error) {
	var state *State
	if cfg.StateStore != nil {
		var err error
		state, err = LoadState(ctx, cfg.StateStore)
		if err != nil {
			return nil, err
		}
	} else {
		state = NewState()
	}

	runCtx, cancel := context.WithCancel(context.Background())

	mute := NewMuteRegistry()
	switchable := NewSwitchable()
	uploader := NewUploader(runCtx, state, switchable)
	uploader.SetConflictHandler(NewResolver(state, switchable, cfg.Store, mute, uploader))

	watcher := NewWatcher(cfg.Store, uploader, mute.IsMuted, cfg.Watcher)
	watcher.Start()

	a := &agent{cfg: cfg, state: state, mute: mute}

	if a.initialPull(ctx) {
		switchable.Use(cfg.Remote)
		a.reconcile()
		for _, id := range state.DirtyIDs() {
			uploader.TryFlush(id)
		}
		if cfg.Events != nil {
			rt := NewRealtime(cfg.Events, cfg.Remote, state, cfg.Store, mute)
			go rt.Run(runCtx)
		}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			watcher.Stop()
		})
	}
	return stop, nil
}

type agent struct {
	cfg   AgentConfig
	state *State
	mute  *MuteRegistry
}

// initialPull aligns local bookkeeping with the server listing and
// reports whether the transport may go live. Dirty ids are left
// untouched: their push, or the 409 it provokes, settles the revision.
func (a *agent) initialPull(ctx context.Context) bool {
	prevRevs := a.state.RevisionSnapshot()

	items, err := a.cfg.Remote.ListConversations(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("initial pull failed; staying local-only until next start")
		return false
	}

	for _, item := range items {
		if a.state.DirtyOp(item.ConversationID) != "" {
			continue
		}
		a.state.SetRemoteRevision(item.ConversationID, item.Revision)
	}

	for _, item := range items {
		id := item.ConversationID
		if a.state.DirtyOp(id) != "" {
			continue
		}
		if item.Deleted {
			if _, ok := a.cfg.Store.Get(id); ok {
				a.mute.WithMuted(id, func() {
					a.cfg.Store.Delete(id)
				})
			}
			continue
		}
		if _, ok := a.cfg.Store.Get(id); ok && prevRevs[id] == item.Revision {
			continue
		}
		a.fetchAndImport(ctx, id)
	}

	log.Info().Int("listed", len(items)).Msg("initial pull complete")
	return true
}

// fetchAndImport pulls one blob and writes it through under mute.
func (a *agent) fetchAndImport(ctx context.Context, id string) {
	remote, err := a.cfg.Remote.GetConversation(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", id).Msg("remote_fetch_failed during initial pull")
		a.state.SetError(id, "remote_fetch_failed: "+err.Error())
		return
	}
	importRemote(a.cfg.Store, a.mute, id, remote)
	a.state.SetRemoteRevision(id, remote.Revision)
	a.state.SetError(id, "")
}

// reconcile rebuilds upsert payloads from the local store after a
// restart. A dirty upsert whose conversation is gone or no longer
// eligible is dropped; a delete is never fabricated from it. Persisted
// delete intents need no payload and pass through untouched.
func (a *agent) reconcile() {
	for _, id := range a.state.DirtyIDs() {
		if a.state.DirtyOp(id) != OpUpsert {
			continue
		}
		if _, _, ok := a.state.PendingUpsert(id); ok {
			continue
		}
		c, ok := a.cfg.Store.Get(id)
		if !ok || !conv.Eligible(c) {
			log.Info().Str("conversationId", id).Msg("missing_payload: dropping upsert intent with no rebuildable blob")
			a.state.ClearDirty(id)
			continue
		}
		a.state.SetPendingUpsert(id, conv.Sanitize(c))
	}
}
