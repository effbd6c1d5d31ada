package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gridsight/gridsight-api/internal/handlers"
)

// NewRouter sets up the API routes
func NewRouter(imports *handlers.ImportHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Import queue boundary
	router.HandleFunc("/v1/imports", imports.Enqueue).Methods(http.MethodPost)
	router.HandleFunc("/v1/imports", imports.List).Methods(http.MethodGet)

	return router
}
