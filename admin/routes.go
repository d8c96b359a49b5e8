package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the chi router for the WAL API
func NewRouter(handlers *Handlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/wal", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/range", handlers.handleRange)
		r.Get("/lastTick", handlers.handleLastTick)
		r.Get("/tail", handlers.handleTail)
		r.Get("/open-transactions", handlers.handleOpenTransactions)
		r.Get("/followers", handlers.handleFollowers)
	})

	r.With(AuthMiddleware(secret)).Get("/databases", handlers.handleListDatabases)
	r.With(AuthMiddleware(secret)).Get("/publisher/sinks", handlers.handleSinks)

	return r
}

// RegisterRoutes mounts the WAL API on mux
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers, secret string) {
	r := NewRouter(handlers, secret)
	mux.Handle("/wal/", r)
	mux.Handle("/databases", r)
	mux.Handle("/publisher/", r)

	log.Info().Bool("auth", secret != "").Msg("WAL endpoints enabled at /wal/*")
}
