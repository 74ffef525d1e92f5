package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/convsync/convsync/internal/store"
	"github.com/rs/zerolog/log"
)

// Error tokens shared with clients. Stable lowercase ASCII; internal
// error text never reaches the wire. The 401 token is written by the
// auth middleware.
const (
	errInvalidRequest  = "invalid_request"
	errNotFound        = "not_found"
	errConflict        = "conflict"
	errPayloadTooLarge = "payload_too_large"
	errRateLimited     = "rate_limited"
	errServerError     = "server_error"
)

// writeJSON writes a JSON response with the given status code. Sync
// responses are never cacheable.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, code int, token string) {
	writeJSON(w, code, map[string]string{"error": token})
}

// conflictBody is the structured 409 response clients parse to start
// conflict resolution.
type conflictBody struct {
	Error          string `json:"error"`
	ConversationID string `json:"conversationId"`
	Revision       int64  `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

func writeConflict(w http.ResponseWriter, conversationID string, c *store.ConflictError) {
	writeJSON(w, http.StatusConflict, conflictBody{
		Error:          errConflict,
		ConversationID: conversationID,
		Revision:       c.Revision,
		Deleted:        c.Deleted,
	})
}
