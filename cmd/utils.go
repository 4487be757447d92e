package cmd

import (
	"flag"
	"log"

	"github.com/joho/godotenv"

	"cohort-validator/internal/config"
	"cohort-validator/internal/storage"
)

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

func CreateObjectStore(cfg *config.Config) storage.ObjectStore {
	if cfg.UseS3() {
		store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			log.Fatalf("Failed to create S3 object store: %v", err)
		}
		return store
	}

	store, err := storage.NewLocalObjectStore(cfg.StorageDir)
	if err != nil {
		log.Fatalf("Failed to create local object store: %v", err)
	}
	return store
}
