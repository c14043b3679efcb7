/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the recurring-charge detection server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Load the provider directory (embedded default or -providers file)
  4. Wire detector, engine, suggestion cache, and (if keyed) AI client
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: spendwise.db)
              Use ":memory:" for an in-memory database
  -providers  Optional JSON provider directory overriding the embedded one

ENVIRONMENT:
  ANTHROPIC_API_KEY  Enables the AI alternative-suggestion collaborator.
                     Unset: detection runs normally, no suggestions.
  LOG_LEVEL          zerolog level (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/spendwise.db"

  # Run with in-memory database and a custom provider directory
  ./server -db=":memory:" -providers=./providers.json

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/spendwise/recurring-engine/api"
	"github.com/spendwise/recurring-engine/engine"
	"github.com/spendwise/recurring-engine/recurring"
	"github.com/spendwise/recurring-engine/store/sqlite"
	"github.com/spendwise/recurring-engine/suggest"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "spendwise.db", "SQLite database path")
	providersPath := flag.String("providers", "", "JSON provider directory (default: embedded)")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	// Provider directory: embedded default unless overridden
	providers := recurring.DefaultProviders()
	if *providersPath != "" {
		if providers, err = recurring.LoadProviders(*providersPath); err != nil {
			logger.Fatal().Err(err).Str("path", *providersPath).Msg("failed to load provider directory")
		}
	}
	logger.Info().Int("providers", providers.Len()).Msg("provider directory loaded")

	// Engine wiring
	opts := []engine.Option{engine.WithLogger(logger)}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		opts = append(opts, engine.WithSuggestionFetcher(suggest.NewClient(apiKey)))
		logger.Info().Msg("AI suggestion collaborator enabled")
	} else {
		logger.Info().Msg("ANTHROPIC_API_KEY not set; suggestions disabled")
	}
	eng := engine.New(store, recurring.NewDetector(providers), opts...)

	// Initialize handler and router
	handler := api.NewHandler(store, eng, suggest.NewCache(store))
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
