package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segflow/segflow/internal/api"
	"github.com/segflow/segflow/internal/auth"
	"github.com/segflow/segflow/internal/config"
	"github.com/segflow/segflow/internal/ingress"
	"github.com/segflow/segflow/internal/mailer"
	"github.com/segflow/segflow/internal/pkg/logger"
	"github.com/segflow/segflow/internal/reconcile"
	"github.com/segflow/segflow/internal/storage"
	"github.com/segflow/segflow/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Segflow Engine (cmd/server/main.go)                       ║")
	log.Println("║  Segments, campaigns and transactional email over MySQL    ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	// Every request must present the key, so an unset key would lock the
	// engine open. Refuse to boot instead.
	if cfg.Auth.APIKey == "" {
		log.Fatal("SEGFLOW_API_KEY is required")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MySQL
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	// Wire the engine: outbound mail, ingress mutations, config reconciler.
	sender := mailer.NewService(db, cfg.Email)
	svc := ingress.NewService(db, sender)
	reconciler := reconcile.NewReconciler(db, svc)

	handlers := api.NewHandlers(db, svc, reconciler)
	manager := auth.NewManager(cfg.Auth.APIKey)
	server := api.NewServer(cfg.Server, handlers, manager)

	// Start the embedded flow executor unless this deployment runs
	// cmd/worker separately.
	var executor *worker.FlowExecutor
	if cfg.Executor.Enabled {
		executor = worker.NewFlowExecutor(db, sender, cfg.Executor)
		executor.Start()
		log.Printf("Flow executor started (tick every %s)", cfg.Executor.TickInterval())
	} else {
		log.Println("Flow executor disabled (run cmd/worker separately)")
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Cancel background tasks
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Let the in-flight tick finish before the pool closes.
	if executor != nil {
		executor.Stop()
	}

	log.Println("Server stopped")
}
