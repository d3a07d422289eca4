package api

import (
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/rs/cors"
)

// NewRouter assembles the /api/v1 router with CORS, request logging and
// timing middleware.
func NewRouter(handlers *Handlers, logger *log.Logger) *chi.Mux {
	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept"},
	}).Handler)
	router.Use(requestLogger(logger))
	router.Use(processTime)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.Health)
		r.Post("/memories/generate", handlers.Generate)
		r.Post("/memories/create", handlers.Create)
		r.Get("/memories", handlers.List)
		r.Get("/memories/similar", handlers.Similar)
		r.Post("/memories/get_by_ids", handlers.GetByIDs)
		r.Put("/memories/update", handlers.Update)
		r.Delete("/memories/delete_by_id", handlers.Delete)
	})

	return router
}
