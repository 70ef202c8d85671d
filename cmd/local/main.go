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

	"mlbridge/cmd"
	"mlbridge/internal/api"
	"mlbridge/internal/database"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"
	"mlbridge/internal/worker"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// The local stack runs the api and worker in one process with a sqlite
// database, filesystem object storage, and an in-memory queue. The platform
// itself is still remote; only the orchestration side is collapsed.
type Config struct {
	Root        string `env:"ROOT" envDefault:"./mlbridge"`
	Port        int    `env:"PORT" envDefault:"3001"`
	BatchBucket string `env:"BATCH_BUCKET" envDefault:"batch"`

	JobPollInterval time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"10s"`

	Platform platform.Config
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "mlbridge.db")
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

// createQueue re-publishes runs that were queued when the process last
// stopped, so a restart picks them back up.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var finetuneRuns []database.FinetuneRun
	if err := db.Where("status = ?", database.StatusQueued).Find(&finetuneRuns).Error; err != nil {
		log.Fatalf("Failed to fetch finetune runs from database: %v", err)
	}

	var scoringRuns []database.ScoringRun
	if err := db.Where("status = ?", database.StatusQueued).Find(&scoringRuns).Error; err != nil {
		log.Fatalf("Failed to fetch scoring runs from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, run := range finetuneRuns {
		if err := queue.PublishFinetuneTask(context.Background(), messaging.FinetuneTaskPayload{
			RunId: run.Id,
		}); err != nil {
			log.Fatalf("Failed to publish finetune task: %v", err)
		}
	}

	for _, run := range scoringRuns {
		if err := queue.PublishScoringTask(context.Background(), messaging.ScoringTaskPayload{
			RunId: run.Id,
		}); err != nil {
			log.Fatalf("Failed to publish scoring task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, store storage.Store, queue messaging.Publisher, client *platform.Client, port int, batchBucket string) *http.Server {
	r := chi.NewRouter()

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

	backend := api.NewBackendService(db, queue, store, client, batchBucket)
	r.Route("/api/v1", backend.AddRoutes)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting local stack", "root", cfg.Root, "port", cfg.Port, "platform", cfg.Platform.BaseURL)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create local storage: %v", err)
	}
	cmd.EnsureBuckets(context.Background(), store, cfg.BatchBucket)

	queue := createQueue(db)

	client := platform.NewClient(cfg.Platform)

	processor := worker.NewTaskProcessor(db, store, client, queue, queue, cfg.BatchBucket, cfg.JobPollInterval)

	server := createServer(db, store, queue, client, cfg.Port, cfg.BatchBucket)

	slog.Info("starting worker")
	go processor.Start()

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
		processor.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
