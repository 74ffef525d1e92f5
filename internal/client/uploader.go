package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/convsync/convsync/internal/conv"
	"github.com/rs/zerolog/log"
)

// ConflictHandler consumes structured 409 outcomes. The Resolver
// implements it; leaving it nil records conflicts as plain errors.
type ConflictHandler interface {
	ResolveUpsertConflict(ctx context.Context, id string, attempted conv.Conversation, conflict *ConflictError)
	ResolveDeleteConflict(ctx context.Context, id string, conflict *ConflictError)
}

// enabledTransport is implemented by Switchable; transports that do not
// implement it count as always enabled.
type enabledTransport interface {
	Enabled() bool
}

// Uploader pushes dirty conversations to the server, one in-flight
// request per id. Retries are event driven: a failed id stays dirty
// until the next store change, realtime event, or startup reconcile
// triggers another flush. A 409 never retries; it is handed to the
// resolver.
type Uploader struct {
	state     *State
	transport Transport
	resolver  ConflictHandler

	ctx          context.Context
	disabledOnce sync.Once

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewUploader(ctx context.Context, state *State, transport Transport) *Uploader {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Uploader{
		state:     state,
		transport: transport,
		ctx:       ctx,
		inFlight:  make(map[string]bool),
	}
}

// SetConflictHandler wires the resolver. Call it before the first
// intent is queued.
func (u *Uploader) SetConflictHandler(h ConflictHandler) {
	u.resolver = h
}

// QueueUpsert buffers a sanitized payload and schedules a flush.
func (u *Uploader) QueueUpsert(payload conv.Conversation) {
	id := payload.ID()
	if id == "" {
		log.Warn().Msg("dropping upsert intent without conversation id")
		return
	}
	u.state.SetPendingUpsert(id, payload)
	u.state.MarkDirty(id, OpUpsert)
	u.TryFlush(id)
}

// QueueDelete records a delete intent and schedules a flush.
func (u *Uploader) QueueDelete(id string) {
	u.state.MarkDirty(id, OpDelete)
	u.TryFlush(id)
}

// TryFlush starts an upload for id unless one is already in flight,
// nothing is dirty, or the transport is still disabled.
func (u *Uploader) TryFlush(id string) {
	u.mu.Lock()
	if u.inFlight[id] {
		u.mu.Unlock()
		return
	}
	op := u.state.DirtyOp(id)
	if op == "" {
		u.mu.Unlock()
		return
	}
	if et, ok := u.transport.(enabledTransport); ok && !et.Enabled() {
		u.mu.Unlock()
		u.disabledOnce.Do(func() {
			log.Info().Msg("sync transport disabled; uploads deferred until initial pull completes")
		})
		return
	}
	u.inFlight[id] = true
	u.mu.Unlock()

	u.state.SetAttempt(id, time.Now().UTC())
	go u.flush(id, op)
}

// flush performs one upload attempt for id with the intent kind
// snapshotted at schedule time.
func (u *Uploader) flush(id string, opAtStart Op) {
	reflush := false
	defer func() {
		u.mu.Lock()
		delete(u.inFlight, id)
		u.mu.Unlock()
		if op := u.state.DirtyOp(id); op != "" && (reflush || op != opAtStart) {
			u.TryFlush(id)
		}
	}()

	var base *int64
	if rev, ok := u.state.RemoteRevision(id); ok {
		base = &rev
	}

	switch opAtStart {
	case OpUpsert:
		payload, seq, ok := u.state.PendingUpsert(id)
		if !ok {
			// Nothing to send; reconcile either rebuilds the payload
			// or drops the intent.
			u.state.SetError(id, "missing upsert payload")
			return
		}
		rev, err := u.transport.UpsertConversation(u.ctx, id, base, payload)
		if err != nil {
			u.handleError(id, payload, err)
			return
		}
		u.state.SetRemoteRevision(id, rev)
		if !u.state.AckUpsert(id, seq) {
			// A newer payload was buffered while this one was in
			// flight; send it against the revision just acked.
			reflush = true
		}

	case OpDelete:
		rev, err := u.transport.DeleteConversation(u.ctx, id, base)
		if err != nil {
			u.handleError(id, nil, err)
			return
		}
		u.state.SetRemoteRevision(id, rev)
		u.state.AckDelete(id)
	}
}

// handleError sorts a failed upload into conflict delegation, silent
// transport-disabled deferral, or a recorded diagnostic.
func (u *Uploader) handleError(id string, attempted conv.Conversation, err error) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		if u.resolver != nil {
			if attempted != nil {
				u.resolver.ResolveUpsertConflict(u.ctx, id, attempted, conflict)
			} else {
				u.resolver.ResolveDeleteConflict(u.ctx, id, conflict)
			}
			return
		}
		u.state.SetError(id, err.Error())
		return
	}
	if errors.Is(err, ErrTransportDisabled) {
		u.disabledOnce.Do(func() {
			log.Info().Msg("sync transport disabled; uploads deferred until initial pull completes")
		})
		return
	}
	if errors.Is(err, context.Canceled) {
		// Engine stopping; the intent stays dirty for the next run.
		return
	}
	log.Warn().Err(err).Str("conversationId", id).Msg("upload failed; will retry on next trigger")
	u.state.SetError(id, err.Error())
}
