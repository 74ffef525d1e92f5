package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/convsync/convsync/internal/auth"
	"github.com/convsync/convsync/internal/conv"
	"github.com/convsync/convsync/internal/notify"
	"github.com/convsync/convsync/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// itemMeta is one row in the list response. Tombstones are listed so
// other devices observe deletes.
type itemMeta struct {
	ConversationID string    `json:"conversationId"`
	Revision       int64     `json:"revision"`
	Deleted        bool      `json:"deleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type listResp struct {
	Items []itemMeta `json:"items"`
}

// getResp carries the full record; data is null for tombstones.
type getResp struct {
	ConversationID string          `json:"conversationId"`
	Revision       int64           `json:"revision"`
	Deleted        bool            `json:"deleted"`
	Data           json.RawMessage `json:"data"`
}

// writeAck is the success body for PUT and DELETE.
type writeAck struct {
	ConversationID string `json:"conversationId"`
	Revision       int64  `json:"revision"`
}

// writeReq is the PUT/DELETE request body. A nil BaseRevision (absent
// or JSON null) means create semantics on PUT and "I believe the row is
// absent" on DELETE. Data is required on PUT and ignored on DELETE.
type writeReq struct {
	BaseRevision *int64          `json:"baseRevision"`
	Data         json.RawMessage `json:"data"`
}

// ListConversations returns metadata for every conversation the user
// owns, newest first.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	items, err := s.Store.List(r.Context(), userID)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("list conversations failed")
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}

	resp := listResp{Items: make([]itemMeta, 0, len(items))}
	for _, m := range items {
		resp.Items = append(resp.Items, itemMeta{
			ConversationID: m.ConversationID,
			Revision:       m.Revision,
			Deleted:        m.Deleted,
			UpdatedAt:      m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetConversation returns one record with its blob.
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")
	if !conv.ValidID(id) {
		writeError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	rec, err := s.Store.Get(r.Context(), userID, id)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("conversationId", id).Msg("get conversation failed")
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}

	writeJSON(w, http.StatusOK, getResp{
		ConversationID: rec.ConversationID,
		Revision:       rec.Revision,
		Deleted:        rec.Deleted,
		Data:           json.RawMessage(rec.Data),
	})
}

// UpsertConversation applies an optimistic write to one conversation.
func (s *Server) UpsertConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")
	if !conv.ValidID(id) {
		writeError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	req, ok := s.decodeWriteReq(w, r)
	if !ok {
		return
	}

	// The blob must be a JSON object; a top-level id, when present,
	// must match the path.
	var obj map[string]any
	if len(req.Data) == 0 || json.Unmarshal(req.Data, &obj) != nil || obj == nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}
	if v, present := obj["id"]; present {
		if sv, _ := v.(string); sv != id {
			writeError(w, http.StatusBadRequest, errInvalidRequest)
			return
		}
	}

	rev, err := s.Store.Upsert(r.Context(), userID, id, req.BaseRevision, req.Data)
	if err != nil {
		s.writeStoreError(w, r, id, err)
		return
	}

	s.published(userID, id, rev, false, "upsert")
	writeJSON(w, http.StatusOK, writeAck{ConversationID: id, Revision: rev})
}

// DeleteConversation tombstones one conversation. A missing or empty
// body is the baseRevision=null form.
func (s *Server) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")
	if !conv.ValidID(id) {
		writeError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	req, ok := s.decodeWriteReq(w, r)
	if !ok {
		return
	}

	rev, err := s.Store.Tombstone(r.Context(), userID, id, req.BaseRevision)
	if err != nil {
		s.writeStoreError(w, r, id, err)
		return
	}

	s.published(userID, id, rev, true, "tombstone")
	writeJSON(w, http.StatusOK, writeAck{ConversationID: id, Revision: rev})
}

// decodeWriteReq parses the PUT/DELETE body under the size cap. An
// empty body decodes to the zero request (baseRevision null, no data).
func (s *Server) decodeWriteReq(w http.ResponseWriter, r *http.Request) (writeReq, bool) {
	var req writeReq

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errPayloadTooLarge)
		} else {
			writeError(w, http.StatusBadRequest, errInvalidRequest)
		}
		return req, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, true
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest)
		return req, false
	}
	if req.BaseRevision != nil && *req.BaseRevision < 0 {
		writeError(w, http.StatusBadRequest, errInvalidRequest)
		return req, false
	}
	return req, true
}

// writeStoreError maps a failed store write to the response taxonomy.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, id string, err error) {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		if s.Metrics != nil {
			s.Metrics.RecordConflict()
		}
		writeConflict(w, id, conflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errNotFound)
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("conversationId", id).Msg("store write failed")
		writeError(w, http.StatusInternalServerError, errServerError)
	}
}

// published fans an accepted write out to the owner's devices.
func (s *Server) published(userID, id string, rev int64, deleted bool, op string) {
	if s.Metrics != nil {
		s.Metrics.RecordWrite(op)
	}
	if s.Broker == nil {
		return
	}
	s.Broker.Publish(userID, notify.Event{
		ConversationID: id,
		Revision:       rev,
		Deleted:        deleted,
		UpdatedAt:      time.Now().UTC(),
	})
	if s.Metrics != nil {
		s.Metrics.RecordEventPublished()
	}
}
