/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reward points & commission ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Load TOML configuration over defaults
  3. Initialize SQLite store
  4. Wire the ledger, sweeper, commission engine, and settlement batcher
  5. Start HTTP server and background scheduler with graceful shutdown

COMMAND-LINE FLAGS:
  -config  TOML config file path (default: config.toml; missing file
           runs on defaults)
  -port    HTTP server port (overrides config when set)
  -db      SQLite database path (overrides config when set)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for in-flight runs)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run with a config file
  ./server -config="./ledger.toml"

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration schema and defaults
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/salonhub/ledger-engine/api"
	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/config"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/policy"
	"github.com/salonhub/ledger-engine/store/sqlite"
)

func main() {
	// .env is optional; real config comes from the TOML file and flags.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.toml", "TOML config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}

	// Initialize store
	store, err := sqlite.New(cfg.Server.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Shared infrastructure: one lock table and clock across all engines,
	// so point and commission operations on the same account serialize.
	locks := ledger.NewAccountLocks()
	clock := ledger.SystemClock
	publisher := ledger.LogPublisher{}

	pol := policy.NewStandard(cfg.PolicyConfig())
	points := ledger.NewPointsLedger(store, locks, clock)
	sweeper := ledger.NewExpirySweeper(store, locks, publisher, clock)
	engine := commission.NewEngine(store, cfg.RateTable(), locks, publisher, clock)
	batcher := commission.NewSettlementBatcher(store, locks, clock)

	handler := api.NewHandler(store, points, sweeper, engine, batcher, pol, clock)
	router := api.NewRouter(handler)

	// Background jobs
	scheduler := api.NewScheduler(sweeper, batcher)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.SweepInterval = time.Duration(cfg.Scheduler.SweepIntervalMinutes) * time.Minute
	scheduler.SettlementInterval = time.Duration(cfg.Scheduler.SettlementIntervalMinutes) * time.Minute
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Ledger engine listening on http://%s", cfg.Server.Addr())
		log.Printf("API available at http://%s/api", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
