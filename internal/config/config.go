package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	LogLevel    string

	// Download engine configuration
	DownloadDir      string
	ProgressDir      string
	PartSizeMB       int
	ReadSizeKB       int
	MaxWorkers       int
	WorkerCount      int
	ProgressMode     string
	ProgressInterval time.Duration
	LogInterval      time.Duration
	RateLimitBytes   int64
	OpenRetries      int

	// Task snapshot store: "redis" or "file"
	TaskStore string

	// MinIO configuration (media transport)
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseSSL    bool
	MediaBucket    string

	// TiDB configuration (completion history)
	HistoryEnabled bool
	TiDBHost       string
	TiDBPort       string
	TiDBUser       string
	TiDBPassword   string
	TiDBDatabase   string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
}

const (
	ProgressInteractive = "interactive"
	ProgressLog         = "log"
)

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "labfetch"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Engine defaults
		DownloadDir:      getEnv("DOWNLOAD_DIR", "downloads"),
		ProgressDir:      getEnv("PROGRESS_DIR", ".progress"),
		PartSizeMB:       getEnvAsInt("PART_SIZE_MB", 10),
		ReadSizeKB:       getEnvAsInt("READ_SIZE_KB", 1024),
		MaxWorkers:       getEnvAsInt("MAX_WORKERS", 4),
		WorkerCount:      getEnvAsInt("WORKER_COUNT", 4),
		ProgressMode:     getEnv("PROGRESS_MODE", ProgressInteractive),
		ProgressInterval: getEnvAsDuration("PROGRESS_INTERVAL", 200*time.Millisecond),
		LogInterval:      getEnvAsDuration("LOG_INTERVAL", 10*time.Second),
		RateLimitBytes:   int64(getEnvAsInt("RATE_LIMIT_BYTES", 0)),
		OpenRetries:      getEnvAsInt("OPEN_RETRIES", 5),
		TaskStore:        getEnv("TASK_STORE", "redis"),

		// MinIO defaults
		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOUseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		MediaBucket:    getEnv("MEDIA_BUCKET", "media"),

		// TiDB defaults
		HistoryEnabled: getEnvAsBool("HISTORY_ENABLED", true),
		TiDBHost:       getEnv("TIDB_HOST", "localhost"),
		TiDBPort:       getEnv("TIDB_PORT", "4000"),
		TiDBUser:       getEnv("TIDB_USER", "root"),
		TiDBPassword:   getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase:   getEnv("TIDB_DATABASE", "labfetch"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.PartSizeMB <= 0 {
		return fmt.Errorf("PART_SIZE_MB must be positive, got %d", c.PartSizeMB)
	}
	if c.ReadSizeKB <= 0 {
		return fmt.Errorf("READ_SIZE_KB must be positive, got %d", c.ReadSizeKB)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("MAX_WORKERS must be positive, got %d", c.MaxWorkers)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.ProgressMode != ProgressInteractive && c.ProgressMode != ProgressLog {
		return fmt.Errorf("PROGRESS_MODE must be %q or %q, got %q", ProgressInteractive, ProgressLog, c.ProgressMode)
	}
	if c.TaskStore != "redis" && c.TaskStore != "file" {
		return fmt.Errorf("TASK_STORE must be \"redis\" or \"file\", got %q", c.TaskStore)
	}
	if c.RateLimitBytes < 0 {
		return fmt.Errorf("RATE_LIMIT_BYTES must not be negative, got %d", c.RateLimitBytes)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetPartSizeBytes returns the part width in bytes
func (c *Config) GetPartSizeBytes() int64 {
	return int64(c.PartSizeMB) * 1024 * 1024
}

// GetReadSizeBytes returns the streaming read size in bytes
func (c *Config) GetReadSizeBytes() int {
	return c.ReadSizeKB * 1024
}

// GetProgressPath returns the directory holding part files and file-store snapshots
func (c *Config) GetProgressPath() string {
	return filepath.Join(c.DownloadDir, c.ProgressDir)
}

// GetMonitorInterval returns the tick for the configured progress mode
func (c *Config) GetMonitorInterval() time.Duration {
	if c.ProgressMode == ProgressLog {
		return c.LogInterval
	}
	return c.ProgressInterval
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
