package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/gridsight/gridsight-api/internal/config"
	"github.com/gridsight/gridsight-api/internal/handlers"
	"github.com/gridsight/gridsight-api/internal/middleware"
	"github.com/gridsight/gridsight-api/internal/migration"
	"github.com/gridsight/gridsight-api/internal/pipeline"
	"github.com/gridsight/gridsight-api/internal/repository"
	"github.com/gridsight/gridsight-api/internal/routes"
	"github.com/gridsight/gridsight-api/internal/worker"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config *config.Config
	db     *sql.DB
	logger zerolog.Logger
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	// Create the application instance.
	app := &application{
		config: cfg,
		db:     db,
		logger: logger,
	}

	// Start the import worker in a separate goroutine.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := app.startWorker(workerCtx, logger)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{cfg.CORSAllowedOrigin}),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, stopWorker, workerDone, logger)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	jobRepo := repository.NewJobRepository(app.db)
	catalogRepo := repository.NewCatalogRepository(app.db)

	importHandler := handlers.NewImportHandler(jobRepo, catalogRepo, logger)

	return routes.NewRouter(importHandler)
}

// startWorker launches the polling worker and returns a channel closed
// when the worker loop has exited.
func (app *application) startWorker(ctx context.Context, logger zerolog.Logger) <-chan struct{} {
	jobRepo := repository.NewJobRepository(app.db)
	catalogRepo := repository.NewCatalogRepository(app.db)

	executor := pipeline.NewExecutor(
		jobRepo,
		catalogRepo,
		&http.Client{Timeout: app.config.Worker.DownloadTimeout},
		app.config.Worker.DataDir,
		logger,
	)

	w := worker.New(worker.Config{
		Jobs:         jobRepo,
		Executor:     executor,
		PollInterval: app.config.Worker.PollInterval,
		BatchSize:    app.config.Worker.BatchSize,
	}, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker loop exited with error")
		}
	}()
	return done
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, stopWorker context.CancelFunc, workerDone <-chan struct{}, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Stop the import worker and wait for the loop to drain.
	logger.Info().Msg("Stopping import worker...")
	stopWorker()
	select {
	case <-workerDone:
		logger.Info().Msg("Import worker stopped.")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("Import worker did not stop in time.")
	}
}
