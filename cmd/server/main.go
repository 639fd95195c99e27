/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the community billing engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Apply the YAML seed, if any
  4. Create API handler and router
  5. Start the evaluation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: billing.db)
                  Use ":memory:" for an in-memory database
  -seed           YAML seed file to load at boot (optional)
  -eval-interval  Evaluation scheduler interval (default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Bootstrap a demo community
  ./server -db=":memory:" -seed=./seeds/demo.yaml

  # Nightly-style evaluation
  ./server -eval-interval=24h

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - factory/seed.go: Seed file format
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vecindario/billing-engine/api"
	"github.com/vecindario/billing-engine/billing"
	"github.com/vecindario/billing-engine/factory"
	"github.com/vecindario/billing-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "billing.db", "SQLite database path")
	seedPath := flag.String("seed", "", "YAML seed file to load at boot")
	evalInterval := flag.Duration("eval-interval", 1*time.Hour, "evaluation scheduler interval")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Apply seed
	if *seedPath != "" {
		if err := applySeed(context.Background(), store, *seedPath); err != nil {
			log.Fatalf("Failed to apply seed: %v", err)
		}
		log.Printf("Seed applied from %s", *seedPath)
	}

	// Initialize handler and router
	handler := api.NewHandler(store, api.LogNotifier{})
	router := api.NewRouter(handler)

	// Start the evaluation scheduler
	scheduler := api.NewEvaluationScheduler(handler)
	scheduler.CheckInterval = *evalInterval
	scheduler.Start()
	defer scheduler.Stop()

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
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// applySeed loads the seed file and writes it into the store in one
// transaction: a broken seed leaves the database untouched.
func applySeed(ctx context.Context, store *sqlite.Store, path string) error {
	seed, err := factory.LoadSeed(path)
	if err != nil {
		return err
	}

	return store.WithTx(ctx, func(s billing.Store) error {
		return seed.Apply(ctx, s)
	})
}
