package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DoyleJ11/tides-backend/internal/hub"
	"github.com/DoyleJ11/tides-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/tables", CreateTable(h))
	r.Get("/tables/{code}", GetTable(h))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h))
	return r
}
