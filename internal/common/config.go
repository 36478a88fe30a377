package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Processing ProcessingConfig
	Storage    StorageConfig
	Notify     NotifyConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	MetricsAddr     string
	PublicBaseURL   string
	MaxUploadBytes  int64
	UploadRateLimit float64 // uploads per second, 0 disables limiting
	UploadBurst     int
	CORSOrigin      string // empty disables CORS headers
	ShutdownTimeout time.Duration
}

// ProcessingConfig holds job runner configuration
type ProcessingConfig struct {
	JobWorkers      int
	QueueSize       int
	JobTimeout      time.Duration
	ItemConcurrency int
	FetchTimeout    time.Duration
	MaxImageBytes   int64
	InboxDir        string
}

// StorageConfig holds artifact storage configuration
type StorageConfig struct {
	UploadDir    string
	ProcessedDir string
	OutputDir    string
}

// NotifyConfig holds completion callback configuration
type NotifyConfig struct {
	Timeout    time.Duration
	SigningKey string
	Source     string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", "sqlite://./data/image-batch.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:        normalizeAddr(getEnv("PORT", "3000")),
			GRPCAddr:        normalizeAddr(getEnv("GRPC_ADDR", "")),
			MetricsAddr:     normalizeAddr(getEnv("METRICS_PORT", "9090")),
			PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
			MaxUploadBytes:  getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
			UploadRateLimit: getEnvAsFloat64("UPLOAD_RATE_LIMIT", 5),
			UploadBurst:     getEnvAsInt("UPLOAD_RATE_BURST", 10),
			CORSOrigin:      getEnv("CORS_ORIGIN", "*"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 25*time.Second),
		},
		Processing: ProcessingConfig{
			JobWorkers:      getEnvAsInt("JOB_WORKERS", 4),
			QueueSize:       getEnvAsInt("JOB_QUEUE_SIZE", 256),
			JobTimeout:      getEnvAsDuration("JOB_TIMEOUT", 30*time.Minute),
			ItemConcurrency: getEnvAsInt("ITEM_CONCURRENCY", 1),
			FetchTimeout:    getEnvAsDuration("FETCH_TIMEOUT", 30*time.Second),
			MaxImageBytes:   getEnvAsInt64("MAX_IMAGE_BYTES", 32<<20),
			InboxDir:        getEnv("INBOX_DIR", ""),
		},
		Storage: StorageConfig{
			UploadDir:    getEnv("UPLOAD_DIR", "./uploads"),
			ProcessedDir: getEnv("PROCESSED_DIR", "./processed"),
			OutputDir:    getEnv("OUTPUT_DIR", "./output"),
		},
		Notify: NotifyConfig{
			Timeout:    getEnvAsDuration("CALLBACK_TIMEOUT", 10*time.Second),
			SigningKey: getEnv("CALLBACK_SIGNING_KEY", ""),
			Source:     getEnv("CALLBACK_SOURCE", "image-batch"),
		},
	}
}

// Helper functions for environment variable parsing
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

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// normalizeAddr turns a bare port into a listen address; empty stays empty.
func normalizeAddr(addr string) string {
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "PORT is required", ErrInvalidInput)
	}
	if c.Processing.JobWorkers <= 0 {
		return NewAppError("CONFIG_ERROR", "JOB_WORKERS must be positive", ErrInvalidInput)
	}
	if c.Processing.ItemConcurrency <= 0 {
		return NewAppError("CONFIG_ERROR", "ITEM_CONCURRENCY must be positive", ErrInvalidInput)
	}
	if c.Storage.UploadDir == "" || c.Storage.ProcessedDir == "" || c.Storage.OutputDir == "" {
		return NewAppError("CONFIG_ERROR", "UPLOAD_DIR, PROCESSED_DIR and OUTPUT_DIR are required", ErrInvalidInput)
	}
	return nil
}
