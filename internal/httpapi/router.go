package httpapi

import (
	"net/http"
	"time"

	"github.com/convsync/convsync/internal/auth"
	"github.com/convsync/convsync/internal/metrics"
	"github.com/convsync/convsync/internal/notify"
	"github.com/convsync/convsync/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// ChangeBroker is the notifier contract the API consumes. The
// in-process *notify.Broker satisfies it; a clustered broker can
// substitute without touching the handlers.
type ChangeBroker interface {
	Subscribe(userID string) (<-chan notify.Event, func())
	Publish(userID string, ev notify.Event)
}

// EventsConfig controls the events stream cadence.
type EventsConfig struct {
	Ping    time.Duration // keep-alive interval
	TTL     time.Duration // forced disconnect so authorization re-applies on reconnect
	RetryMs int           // client reconnect-delay hint
}

// DefaultEventsConfig matches the documented stream contract.
var DefaultEventsConfig = EventsConfig{
	Ping:    25 * time.Second,
	TTL:     60 * time.Second,
	RetryMs: 3000,
}

// defaultMaxBodyBytes caps PUT/DELETE request bodies.
const defaultMaxBodyBytes = 1 << 20

// Server holds dependencies for HTTP handlers
type Server struct {
	Store   store.Store
	Broker  ChangeBroker
	Metrics *metrics.Metrics

	RateLimitConfig RateLimitInfo
	Events          EventsConfig
	MaxBodyBytes    int64
}

func (s *Server) eventsConfig() EventsConfig {
	cfg := s.Events
	if cfg.Ping <= 0 {
		cfg.Ping = DefaultEventsConfig.Ping
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultEventsConfig.TTL
	}
	if cfg.RetryMs <= 0 {
		cfg.RetryMs = DefaultEventsConfig.RetryMs
	}
	return cfg
}

func (s *Server) maxBodyBytes() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func (s *Server) rateLimitConfig() RateLimitInfo {
	if s.RateLimitConfig.MaxRequests > 0 {
		return s.RateLimitConfig
	}
	return DefaultRateLimitConfig
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.Metrics != nil {
		r.Use(s.Metrics.Middleware())
	}

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Prometheus exposition (unauthenticated)
	if s.Metrics != nil {
		r.Method("GET", "/metrics", s.Metrics.Handler())
	}

	// All sync endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(CorrelationMiddleware)
		r.Use(RateLimitMiddleware(s.rateLimitConfig()))

		r.Get("/sync/conversations", s.ListConversations)
		r.Get("/sync/conversations/{id}", s.GetConversation)
		r.Put("/sync/conversations/{id}", s.UpsertConversation)
		r.Delete("/sync/conversations/{id}", s.DeleteConversation)
		r.Get("/sync/events", s.Events)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
