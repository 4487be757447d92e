package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cohort-validator/cmd"
	"cohort-validator/internal/analytics"
	"cohort-validator/internal/config"
	"cohort-validator/internal/core"
	"cohort-validator/internal/database"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/messaging"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.CreateObjectStore(cfg)

	engine, err := analytics.NewEngine(analytics.Config{
		DatabasePath:  cfg.DuckDBPath,
		MemoryLimitMB: cfg.DuckDBMemoryLimitMB,
		TempDirectory: cfg.DuckDBTempDir,
	})
	if err != nil {
		log.Fatalf("Failed to create analytical engine: %v", err)
	}
	defer engine.Close()

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}

	lifecycleManager := lifecycle.NewManager(db, cfg.ScratchRoot, cfg.CleanupMaxAttempts)

	jobTimeout := time.Duration(cfg.JobTimeoutMinutes) * time.Minute
	orchestrator := core.NewOrchestrator(db, engine, lifecycleManager, store, core.DefaultRegistry(), cfg.DefinitionsDir, cfg.WorkerConcurrency, jobTimeout)

	worker := core.NewTaskProcessor(db, store, publisher, receiver, orchestrator)

	go worker.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")

	worker.Stop()

	log.Println("Worker process stopped.")
}
