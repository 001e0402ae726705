package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full archive configuration, loaded from the environment
// (optionally seeded from a .env file).
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Quota    QuotaConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Dicom    DicomConfig
	Auth     AuthConfig
	Log      LogConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

type StorageConfig struct {
	Root        string
	Compression bool
	ComputeMD5  bool
}

type QuotaConfig struct {
	MaxPatientCount int64
	MaxStorageSize  int64 // compressed bytes, 0 = unlimited
}

type CacheConfig struct {
	Enabled bool
	Type    string // "memory" or "redis"
	// DatasetCapacity bounds the parsed-instance LRU.
	DatasetCapacity int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type DicomConfig struct {
	AETitle          string
	DefaultCharset   string
	CloseDelay       time.Duration
	SchedulerWorkers int
	MaxQueuedBytes   int64
}

type AuthConfig struct {
	JWTSecret string // empty disables authentication
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// Missing .env is fine; plain environment variables win anyway.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8042),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 60*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Path:     getEnv("DB_PATH", "archive.db"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "archive"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "archive"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Storage: StorageConfig{
			Root:        getEnv("STORAGE_ROOT", "./storage"),
			Compression: getEnvBool("STORAGE_COMPRESSION", true),
			ComputeMD5:  getEnvBool("STORAGE_MD5", true),
		},
		Quota: QuotaConfig{
			MaxPatientCount: int64(getEnvInt("QUOTA_MAX_PATIENTS", 0)),
			MaxStorageSize:  int64(getEnvInt("QUOTA_MAX_SIZE_BYTES", 0)),
		},
		Cache: CacheConfig{
			Enabled:         getEnvBool("CACHE_ENABLED", true),
			Type:            getEnv("CACHE_TYPE", "memory"),
			DatasetCapacity: getEnvInt("CACHE_DATASET_CAPACITY", 2),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_CHANGES_TOPIC", "archive.changes"),
		},
		Dicom: DicomConfig{
			AETitle:          getEnv("DICOM_AE_TITLE", "ARCHIVE"),
			DefaultCharset:   getEnv("DICOM_DEFAULT_CHARSET", "ISO_IR 100"),
			CloseDelay:       getEnvDuration("DICOM_CLOSE_DELAY", 5*time.Second),
			SchedulerWorkers: getEnvInt("SCHEDULER_WORKERS", 10),
			MaxQueuedBytes:   int64(getEnvInt("SCHEDULER_MAX_QUEUED_BYTES", 512*1024*1024)),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Cache.Enabled && c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	if c.Quota.MaxPatientCount < 0 || c.Quota.MaxStorageSize < 0 {
		return fmt.Errorf("quota caps must be non-negative")
	}
	if c.Dicom.AETitle == "" || len(c.Dicom.AETitle) > 16 {
		return fmt.Errorf("AE title must be 1-16 characters")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
