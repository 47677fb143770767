package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appI18n "github.com/pavelanni/toeic/internal/i18n"
	"github.com/pavelanni/toeic/internal/metrics"
)

// Router builds the HTTP handler. Requests from allowedOrigins may call the
// API from a browser; with no origins CORS headers are not sent.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Accept-Language", "Content-Type"},
			ExposedHeaders: []string{"Content-Length"},
			MaxAge:         300,
		}))
	}
	r.Use(appI18n.Middleware())

	mount := func(r chi.Router) {
		r.Get("/healthz", h.handleHealth)
		r.Handle("/metrics", metrics.Handler())
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))
			h.Routes(r)
		})
	}

	if h.config.BasePath != "" {
		r.Route(h.config.BasePath, mount)
	} else {
		mount(r)
	}
	return r
}

type healthResponse struct {
	Status        string   `json:"status"`
	PromptVariant string   `json:"prompt_variant"`
	Languages     []string `json:"languages"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		PromptVariant: h.config.PromptVariant,
		Languages:     appI18n.Languages(),
	})
}
