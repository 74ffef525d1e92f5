package client

import (
	"context"

	"github.com/convsync/convsync/internal/conv"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Resolver turns a structured 409 into the keep-remote outcome: the
// original id snaps to the server's version and the attempted local
// edit survives as a fresh conversation with a conflict-copy title.
// Copy creation is gated on a successful remote fetch so retries never
// mint duplicate copies.
type Resolver struct {
	state     *State
	transport Transport
	store     ConversationStore
	mute      *MuteRegistry
	queue     UploadQueue
	newID     func() string
}

func NewResolver(state *State, transport Transport, store ConversationStore, mute *MuteRegistry, queue UploadQueue) *Resolver {
	return &Resolver{
		state:     state,
		transport: transport,
		store:     store,
		mute:      mute,
		queue:     queue,
		newID:     uuid.NewString,
	}
}

var _ ConflictHandler = (*Resolver)(nil)

// ResolveUpsertConflict handles a lost optimistic upsert. The remote
// winner replaces the local record under mute, and the attempted blob
// is re-queued under a fresh id.
func (r *Resolver) ResolveUpsertConflict(ctx context.Context, id string, attempted conv.Conversation, conflict *ConflictError) {
	remote, err := r.transport.GetConversation(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", id).Msg("conflict_unresolvable: remote fetch failed")
		r.state.SetError(id, "conflict_unresolvable: "+err.Error())
		return
	}

	copyID := r.newID()
	copyPayload := conv.ConflictCopy(attempted, copyID)

	r.mute.WithMuted(copyID, func() {
		r.store.Put(copyPayload)
	})
	importRemote(r.store, r.mute, id, remote)

	r.state.SetRemoteRevision(id, remote.Revision)
	r.state.ClearDirty(id)
	r.state.SetError(id, "")

	log.Info().
		Str("conversationId", id).
		Str("copyId", copyID).
		Int64("remoteRevision", remote.Revision).
		Msg("upsert conflict resolved; local attempt preserved as conflict copy")

	// The copy was imported under mute, so the watcher never saw it.
	r.queue.QueueUpsert(copyPayload)
}

// ResolveDeleteConflict handles a lost delete. Accepting the remote
// state cancels the local delete intent; there is nothing to copy.
func (r *Resolver) ResolveDeleteConflict(ctx context.Context, id string, conflict *ConflictError) {
	remote, err := r.transport.GetConversation(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", id).Msg("conflict_unresolvable: remote fetch failed")
		r.state.SetError(id, "conflict_unresolvable: "+err.Error())
		return
	}

	importRemote(r.store, r.mute, id, remote)

	r.state.SetRemoteRevision(id, remote.Revision)
	r.state.ClearDirty(id)
	r.state.SetError(id, "")

	log.Info().
		Str("conversationId", id).
		Int64("remoteRevision", remote.Revision).
		Bool("remoteDeleted", remote.Deleted).
		Msg("delete conflict resolved by accepting remote state")
}

// importRemote writes fetched server state into the local store under
// mute, so the watcher does not echo it back as a fresh intent.
func importRemote(store ConversationStore, mute *MuteRegistry, id string, remote *Remote) {
	mute.WithMuted(id, func() {
		if remote.Deleted {
			store.Delete(id)
			return
		}
		data := conv.Inflate(remote.Data)
		if data.ID() == "" {
			data["id"] = id
		}
		store.Put(data)
	})
}
