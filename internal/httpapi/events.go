package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/convsync/convsync/internal/auth"
	"github.com/rs/zerolog/log"
)

// StreamEvents streams conversation change notifications for the
// authenticated user as server-sent events. The connection is closed
// after a fixed TTL so upstream authorization re-applies on reconnect.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errServerError)
		return
	}

	userID := auth.UserID(r.Context())
	cfg := s.eventsConfig()

	events, cancel := s.Broker.Subscribe(userID)
	defer cancel()

	if s.Metrics != nil {
		s.Metrics.SubscriberConnected()
		defer s.Metrics.SubscriberDisconnected()
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-store, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", cfg.RetryMs)
	writeEvent(w, "ready", []byte("{}"))
	flusher.Flush()

	ping := time.NewTicker(cfg.Ping)
	defer ping.Stop()
	ttl := time.NewTimer(cfg.TTL)
	defer ttl.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ttl.C:
			writeEvent(w, "close", []byte("{}"))
			flusher.Flush()
			return
		case <-ping.C:
			writeEvent(w, "ping", []byte("{}"))
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Ctx(r.Context()).Error().Err(err).Msg("encode change event failed")
				continue
			}
			writeEvent(w, "conversation_changed", data)
			flusher.Flush()
		}
	}
}

// writeEvent frames one server-sent event.
func writeEvent(w io.Writer, name string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", name)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
