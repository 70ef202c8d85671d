package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mlbridge/cmd"
	"mlbridge/internal/database"
	"mlbridge/internal/messaging"
	"mlbridge/internal/platform"
	"mlbridge/internal/storage"
	"mlbridge/internal/worker"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	cmd.ServiceConfig

	// JobPollInterval is how often the worker polls the platform for job
	// status while a run is in flight.
	JobPollInterval time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"10s"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3Store(cfg.S3)
	if err != nil {
		log.Fatalf("Worker: Failed to create datastore client: %v", err)
	}
	cmd.EnsureBuckets(context.Background(), store, cfg.BatchBucket)

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}

	client := platform.NewClient(cfg.Platform)

	processor := worker.NewTaskProcessor(db, store, client, publisher, reciever, cfg.BatchBucket, cfg.JobPollInterval)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("Shutdown signal received, stopping task processor...")
		processor.Stop()
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	processor.Start()

	log.Println("Worker process stopped.")
}
