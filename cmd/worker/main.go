package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/segflow/segflow/internal/config"
	"github.com/segflow/segflow/internal/mailer"
	"github.com/segflow/segflow/internal/pkg/logger"
	"github.com/segflow/segflow/internal/storage"
	"github.com/segflow/segflow/internal/worker"
)

func main() {
	log.Println("Starting Segflow flow executor...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	sender := mailer.NewService(db, cfg.Email)

	// The standalone worker always runs the executor; cfg.Executor.Enabled
	// only gates the copy embedded in cmd/server.
	executor := worker.NewFlowExecutor(db, sender, cfg.Executor)
	executor.Start()
	log.Printf("Flow executor started (tick every %s)", cfg.Executor.TickInterval())

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	executor.Stop()
	log.Println("Worker stopped")
}
