package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cohort-validator/internal/analytics"
	"cohort-validator/internal/api"
	"cohort-validator/internal/core"
	"cohort-validator/internal/database"
	"cohort-validator/internal/lifecycle"
	"cohort-validator/internal/messaging"
	"cohort-validator/internal/storage"
)

type Config struct {
	Root           string `env:"ROOT" envDefault:"./cohort-validator"`
	Port           int    `env:"PORT" envDefault:"3001"`
	DefinitionsDir string `env:"DEFINITIONS_DIR" envDefault:"./definitions"`
	MemoryLimitMB  int    `env:"DUCKDB_MEMORY_LIMIT_MB" envDefault:"512"`
	Concurrency    int    `env:"CONCURRENCY" envDefault:"2"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "cohort-validator.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue republishes work that was queued when the process last exited.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var uploads []database.FileUpload
	if err := db.Where("status = ?", database.UploadPending).Find(&uploads).Error; err != nil {
		log.Fatalf("Failed to fetch pending uploads from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, upload := range uploads {
		if err := queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{
			UploadId: upload.Id,
		}); err != nil {
			log.Fatalf("Failed to publish validation task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, queue messaging.Publisher, lifecycleManager *lifecycle.Manager, port int) *http.Server {
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, queue, lifecycleManager)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "definitions_dir", cfg.DefinitionsDir)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	engine, err := analytics.NewEngine(analytics.Config{
		MemoryLimitMB: cfg.MemoryLimitMB,
		TempDirectory: filepath.Join(cfg.Root, "duckdb-tmp"),
	})
	if err != nil {
		log.Fatalf("Failed to create analytical engine: %v", err)
	}
	defer engine.Close()

	queue := createQueue(db)

	lifecycleManager := lifecycle.NewManager(db, filepath.Join(cfg.Root, "scratch"), lifecycle.DefaultMaxCleanupAttempts)

	orchestrator := core.NewOrchestrator(db, engine, lifecycleManager, store, core.DefaultRegistry(), cfg.DefinitionsDir, cfg.Concurrency, core.DefaultJobTimeout)

	worker := core.NewTaskProcessor(db, store, queue, queue, orchestrator)

	server := createServer(db, queue, lifecycleManager, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
