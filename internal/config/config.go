// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Object storage (S3-compatible). When Bucket is empty the pipeline
	// falls back to a local filesystem store under DataDir.
	Storage StorageConfig

	// Inference service. When URL is empty the built-in lexicon scorer is used.
	InferenceURL     string
	InferenceTimeout time.Duration

	// Pipeline parameters. These are fixed per deployment: changing them on a
	// live job table changes retry/idempotence semantics for in-flight jobs.
	Pipeline PipelineConfig
}

// StorageConfig holds S3-compatible object storage settings
type StorageConfig struct {
	Endpoint        string // Custom endpoint (R2, MinIO); empty = AWS default
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// PipelineConfig holds job orchestration parameters
type PipelineConfig struct {
	Workers        int           // Number of concurrent claim loops
	MaxAttempts    int           // Claims before a transient failure becomes terminal
	LeaseTTL       time.Duration // Claim lease duration
	PollInterval   time.Duration // Idle worker poll interval
	ReaperInterval time.Duration // Expired-lease scan interval
	BatchSize      int           // Records per inference batch
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	dataDir := getEnv("PIPELINE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", ""),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
			Bucket:          getEnv("STORAGE_BUCKET", ""),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("STORAGE_SECRET_ACCESS_KEY", ""),
		},
		InferenceURL:     getEnv("INFERENCE_URL", ""),
		InferenceTimeout: getEnvAsDuration("INFERENCE_TIMEOUT", 60*time.Second),
		Pipeline: PipelineConfig{
			Workers:        getEnvAsInt("PIPELINE_WORKERS", 2),
			MaxAttempts:    getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 5),
			LeaseTTL:       getEnvAsDuration("PIPELINE_LEASE_TTL", 2*time.Minute),
			PollInterval:   getEnvAsDuration("PIPELINE_POLL_INTERVAL", 5*time.Second),
			ReaperInterval: getEnvAsDuration("PIPELINE_REAPER_INTERVAL", 30*time.Second),
			BatchSize:      getEnvAsInt("PIPELINE_BATCH_SIZE", 32),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max attempts must be >= 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.LeaseTTL <= 0 {
		return fmt.Errorf("pipeline lease TTL must be positive, got %s", c.Pipeline.LeaseTTL)
	}
	if c.Storage.Bucket != "" && c.Storage.AccessKeyID == "" {
		return fmt.Errorf("storage bucket configured without access key")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
