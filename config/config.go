package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StoreDriver   string `yaml:"store_driver"`
	QueueDriver   string `yaml:"queue_driver"`
	StorageDriver string `yaml:"storage_driver"`
	LogLevel      string `yaml:"log_level"`

	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisPrefix     string `yaml:"redis_prefix"`
	NotifyChannel   string `yaml:"notify_channel"`
	StatusKeyPrefix string `yaml:"status_key_prefix"`

	NATSURL           string `yaml:"nats_url"`
	NATSName          string `yaml:"nats_name"`
	NATSSubject       string `yaml:"nats_subject"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`

	GotenbergURL string `yaml:"gotenberg_url"`

	LocalStorageRoot string `yaml:"local_storage_root"`

	S3Bucket       string `yaml:"s3_bucket"`
	S3Region       string `yaml:"s3_region"`
	AWSS3AccessKey string `yaml:"-"`
	AWSS3SecretKey string `yaml:"-"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`

	MinIOEndpoint  string `yaml:"minio_endpoint"`
	MinIOAccessKey string `yaml:"-"`
	MinIOSecretKey string `yaml:"-"`
	MinIOUseSSL    bool   `yaml:"minio_use_ssl"`
	MinIOBucket    string `yaml:"minio_bucket"`
	MinIOBasePath  string `yaml:"minio_base_path"`

	DatabaseURL string `yaml:"-"`

	WorkerCount       int           `yaml:"worker_count"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ConversionTimeout time.Duration `yaml:"conversion_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`

	WebhookTimeout     time.Duration `yaml:"webhook_timeout"`
	WebhookMaxAttempts int           `yaml:"webhook_max_attempts"`
	WebhookBackoff     time.Duration `yaml:"webhook_backoff"`
	WebhookRateLimit   float64       `yaml:"webhook_rate_limit"`
}

func defaults() *Config {
	return &Config{
		StoreDriver:   "postgres",
		QueueDriver:   "redis",
		StorageDriver: "local",
		LogLevel:      "info",

		RedisAddr:       "redis:6379",
		RedisDB:         3,
		NotifyChannel:   "conversion:jobs",
		StatusKeyPrefix: "conversion:status:",

		NATSURL:           "nats://nats:4222",
		NATSName:          "converter-worker",
		NATSSubject:       "conversion.jobs",
		NATSMaxReconnects: 10,

		LocalStorageRoot: "./local-storage",

		S3Bucket:    "converter",
		S3Region:    "us-east-1",
		MinIOBucket: "converter",

		WorkerCount:       3,
		SweepInterval:     1500 * time.Millisecond,
		ConversionTimeout: 30 * time.Second,
		MaxAttempts:       3,
		StaleAfter:        5 * time.Minute,
		RecoveryInterval:  5 * time.Minute,

		WebhookTimeout:     30 * time.Second,
		WebhookMaxAttempts: 3,
		WebhookBackoff:     250 * time.Millisecond,
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing order of precedence.
func Load() *Config {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	return nil
}

func applyEnv(cfg *Config) {
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.QueueDriver = getEnv("QUEUE_DRIVER", cfg.QueueDriver)
	cfg.StorageDriver = getEnv("STORAGE_DRIVER", cfg.StorageDriver)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_CONVERSION_DB", cfg.RedisDB)
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.NotifyChannel = applyPrefix(getEnv("CONVERSION_NOTIFY_CHANNEL", cfg.NotifyChannel), cfg.RedisPrefix)
	cfg.StatusKeyPrefix = applyPrefix(getEnv("CONVERSION_STATUS_PREFIX", cfg.StatusKeyPrefix), cfg.RedisPrefix)

	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSName = getEnv("NATS_NAME", cfg.NATSName)
	cfg.NATSSubject = getEnv("NATS_SUBJECT", cfg.NATSSubject)
	cfg.NATSMaxReconnects = getEnvInt("NATS_MAX_RECONNECTS", cfg.NATSMaxReconnects)

	cfg.GotenbergURL = getEnv("GOTENBERG_URL", cfg.GotenbergURL)
	cfg.LocalStorageRoot = getEnv("LOCAL_STORAGE_ROOT", cfg.LocalStorageRoot)

	cfg.S3Bucket = getEnv("AWS_BUCKET", cfg.S3Bucket)
	// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
	cfg.S3Region = getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", cfg.S3Region)
	cfg.AWSS3AccessKey = getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", cfg.AWSS3AccessKey)
	cfg.AWSS3SecretKey = getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", cfg.AWSS3SecretKey)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", cfg.S3UsePathStyle)

	cfg.MinIOEndpoint = getEnv("MINIO_ENDPOINT", cfg.MinIOEndpoint)
	cfg.MinIOAccessKey = getEnv("MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
	cfg.MinIOSecretKey = getEnv("MINIO_SECRET_KEY", cfg.MinIOSecretKey)
	cfg.MinIOUseSSL = getEnvBool("MINIO_USE_SSL", cfg.MinIOUseSSL)
	cfg.MinIOBucket = getEnv("MINIO_BUCKET", cfg.MinIOBucket)
	cfg.MinIOBasePath = getEnv("MINIO_BASE_PATH", cfg.MinIOBasePath)

	cfg.DatabaseURL = getEnv("DATABASE_URL", databaseURL())

	cfg.WorkerCount = getEnvInt("CONVERSION_WORKER_COUNT", cfg.WorkerCount)
	cfg.SweepInterval = getEnvDuration("CONVERSION_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.ConversionTimeout = getEnvDuration("CONVERSION_TIMEOUT", cfg.ConversionTimeout)
	cfg.MaxAttempts = getEnvInt("CONVERSION_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.StaleAfter = getEnvDuration("CONVERSION_STALE_AFTER", cfg.StaleAfter)
	cfg.RecoveryInterval = getEnvDuration("CONVERSION_RECOVERY_INTERVAL", cfg.RecoveryInterval)

	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.WebhookMaxAttempts = getEnvInt("WEBHOOK_MAX_ATTEMPTS", cfg.WebhookMaxAttempts)
	cfg.WebhookBackoff = getEnvDuration("WEBHOOK_BACKOFF", cfg.WebhookBackoff)
	cfg.WebhookRateLimit = getEnvFloat("WEBHOOK_RATE_LIMIT", cfg.WebhookRateLimit)
}

func (c *Config) validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.WorkerCount)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.RecoveryInterval <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("recovery interval and stale limit must be positive, got %s and %s", c.RecoveryInterval, c.StaleAfter)
	}
	if c.WebhookMaxAttempts <= 0 {
		return fmt.Errorf("webhook max attempts must be positive, got %d", c.WebhookMaxAttempts)
	}
	// The in-memory store only backs tests; a process using it could never
	// receive jobs.
	if c.StoreDriver != "postgres" {
		return fmt.Errorf("unsupported store driver %q", c.StoreDriver)
	}
	return nil
}

func databaseURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "converter")
	dbUser := getEnv("DB_USERNAME", "converter")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLCert := getEnv("DB_SSLCERT", "")
	dbSSLKey := getEnv("DB_SSLKEY", "")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}

	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("1.5s") or a plain number of
// seconds ("120").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" || strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
