package cmd

import (
	"context"
	"flag"
	"log"

	"mlbridge/internal/platform"
	"mlbridge/internal/storage"

	"github.com/joho/godotenv"
)

// ServiceConfig is the environment shared by the api and worker processes.
type ServiceConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`

	// BatchBucket is the datastore bucket holding chunked scoring inputs,
	// raw endpoint outputs, and merged prediction files.
	BatchBucket string `env:"BATCH_BUCKET" envDefault:"batch"`

	S3       storage.S3Config
	Platform platform.Config
}

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func EnsureBuckets(ctx context.Context, store storage.Store, buckets ...string) {
	for _, bucket := range buckets {
		if err := store.CreateBucket(ctx, bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}
}
