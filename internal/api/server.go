package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/fernhill/crmhooks/internal/config"
	"github.com/fernhill/crmhooks/internal/events"
	"github.com/fernhill/crmhooks/internal/storage"
)

type Server struct {
	cfg    config.ServerConfig
	store  storage.Storage
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Storage, eventRouter *events.Router, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		log:   log,
	}
	s.router = s.buildRouter(eventRouter)
	return s
}

func (s *Server) buildRouter(eventRouter *events.Router) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	subHandler := NewSubscriptionHandler(s.store)
	eventHandler := NewEventHandler(eventRouter)
	dlvHandler := NewDeliveryHandler(s.store)
	statsHandler := NewStatsHandler(s.store)

	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Subscriptions
		r.Post("/subscriptions", subHandler.Create)
		r.Get("/subscriptions", subHandler.List)
		r.Get("/subscriptions/{id}", subHandler.Get)
		r.Put("/subscriptions/{id}", subHandler.Update)
		r.Delete("/subscriptions/{id}", subHandler.Delete)
		r.Patch("/subscriptions/{id}/toggle", subHandler.Toggle)

		// Event intake
		r.Post("/events", eventHandler.Raise)
		r.Post("/mutations", eventHandler.Mutate)

		// Deliveries
		r.Get("/deliveries", dlvHandler.List)
		r.Get("/deliveries/{id}", dlvHandler.Get)
		r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)
		r.Post("/deliveries/{id}/retry", dlvHandler.Retry)
		r.Post("/deliveries/{id}/cancel", dlvHandler.Cancel)

		// Stats
		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
