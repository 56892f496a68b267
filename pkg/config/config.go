package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/blob"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Record store and snapshot configuration
	Store StoreConfig

	// Uploaded file transport
	Blob BlobConfig

	// Verification code delivery
	Email EmailConfig

	// Workflow behaviour
	Workflow WorkflowConfig

	// Observability configuration
	Observability ObservabilityConfig

	// PolicyPath points at the YAML policy file
	PolicyPath string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StoreConfig selects the record store
type StoreConfig struct {
	// Type is memory, sqlite, postgres or redis
	Type string
	// DSN is the sqlite file or postgres URL
	DSN string

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// SnapshotPath is the JSON file holding roster, credentials and
	// sessions. SQL stores keep the snapshot in their database instead.
	SnapshotPath string

	DirectoryCacheSize int
	DirectoryCacheTTL  time.Duration
}

// BlobConfig selects the upload transport
type BlobConfig struct {
	// Type is filesystem or s3
	Type           string
	FilesystemRoot string
	BaseURL        string
	S3             blob.S3Config
}

// EmailConfig selects the code delivery
type EmailConfig struct {
	// Type is log, resend or smtp
	Type string
	From string

	ResendAPIKey  string
	ResendBaseURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
}

// WorkflowConfig tunes the approval workflows
type WorkflowConfig struct {
	DecisionMode workflow.DecisionMode
	OTPTTL       time.Duration
	SessionTTL   time.Duration
	BcryptCost   int

	// SyncInterval is the default live-sync polling interval
	SyncInterval time.Duration

	// DigestSchedule is the cron spec of the pending review digest; empty
	// disables it
	DigestSchedule string
	DigestAge      time.Duration
	DigestTo       string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// AuditDir enables the JSON lines audit log
	AuditDir string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadDotEnv loads variables from a .env file when one exists. Variables
// already set in the environment win.
func LoadDotEnv(log logrus.FieldLogger, files ...string) {
	if err := godotenv.Load(files...); err != nil {
		log.Debug("No .env file found, using system environment variables")
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	mode, err := workflow.ParseDecisionMode(getEnv("PORTAL_DECISION_MODE", ""))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Store:         loadStoreConfig(),
		Blob:          loadBlobConfig(),
		Email:         loadEmailConfig(),
		Workflow:      loadWorkflowConfig(mode),
		Observability: loadObservabilityConfig(),
		PolicyPath:    getEnv("PORTAL_POLICY_FILE", "policy.yaml"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PORTAL_HOST", "0.0.0.0"),
		Port:            getEnv("PORTAL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PORTAL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PORTAL_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("PORTAL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PORTAL_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PORTAL_HEALTH_PORT", "9090"),
	}
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		Type:               strings.ToLower(getEnv("PORTAL_STORE_TYPE", "sqlite")),
		DSN:                getEnv("PORTAL_STORE_DSN", "portal.db"),
		RedisURL:           getEnv("PORTAL_REDIS_URL", ""),
		RedisPassword:      getEnv("PORTAL_REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("PORTAL_REDIS_DB", 0),
		RedisPrefix:        getEnv("PORTAL_REDIS_PREFIX", "portal"),
		SnapshotPath:       getEnv("PORTAL_SNAPSHOT_PATH", "portal-snapshot.json"),
		DirectoryCacheSize: getEnvInt("PORTAL_DIRECTORY_CACHE_SIZE", 256),
		DirectoryCacheTTL:  getEnvDuration("PORTAL_DIRECTORY_CACHE_TTL", 30*time.Second),
	}
}

func loadBlobConfig() BlobConfig {
	return BlobConfig{
		Type:           strings.ToLower(getEnv("PORTAL_BLOB_TYPE", "filesystem")),
		FilesystemRoot: getEnv("PORTAL_FILESYSTEM_ROOT", "uploads"),
		BaseURL:        getEnv("PORTAL_FILES_BASE_URL", ""),
		S3: blob.S3Config{
			Bucket:        getEnv("PORTAL_S3_BUCKET", ""),
			Region:        getEnv("PORTAL_S3_REGION", "us-east-1"),
			Endpoint:      getEnv("PORTAL_S3_ENDPOINT", ""),
			AccessKey:     getEnv("PORTAL_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("PORTAL_S3_SECRET_KEY", ""),
			UsePathStyle:  getEnvBool("PORTAL_S3_USE_PATH_STYLE", false),
			PublicBaseURL: getEnv("PORTAL_FILES_BASE_URL", ""),
		},
	}
}

func loadEmailConfig() EmailConfig {
	return EmailConfig{
		Type:          strings.ToLower(getEnv("PORTAL_EMAIL_TYPE", "log")),
		From:          getEnv("PORTAL_EMAIL_FROM", ""),
		ResendAPIKey:  getEnv("PORTAL_RESEND_API_KEY", ""),
		ResendBaseURL: getEnv("PORTAL_RESEND_BASE_URL", ""),
		SMTPHost:      getEnv("PORTAL_SMTP_HOST", ""),
		SMTPPort:      getEnvInt("PORTAL_SMTP_PORT", 587),
		SMTPUsername:  getEnv("PORTAL_SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("PORTAL_SMTP_PASSWORD", ""),
	}
}

func loadWorkflowConfig(mode workflow.DecisionMode) WorkflowConfig {
	return WorkflowConfig{
		DecisionMode:   mode,
		OTPTTL:         getEnvDuration("PORTAL_OTP_TTL", 10*time.Minute),
		SessionTTL:     getEnvDuration("PORTAL_SESSION_TTL", 12*time.Hour),
		BcryptCost:     getEnvInt("PORTAL_BCRYPT_COST", 0),
		SyncInterval:   getEnvDuration("PORTAL_SYNC_INTERVAL", 10*time.Second),
		DigestSchedule: getEnv("PORTAL_DIGEST_SCHEDULE", "0 8 * * *"),
		DigestAge:      getEnvDuration("PORTAL_DIGEST_AGE", 24*time.Hour),
		DigestTo:       getEnv("PORTAL_DIGEST_TO", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("PORTAL_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("PORTAL_LOG_FORMAT", "json")),
		AuditDir:           getEnv("PORTAL_AUDIT_DIR", ""),
		MetricsEnabled:     getEnvBool("PORTAL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PORTAL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PORTAL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PORTAL_OTEL_SERVICE_NAME", "consortium-portal"),
		OTelServiceVersion: getEnv("PORTAL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PORTAL_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PORTAL_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store DSN is required for %s store", c.Store.Type)
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory, sqlite, postgres, or redis)", c.Store.Type)
	}
	if c.Store.Type != "sqlite" && c.Store.Type != "postgres" && c.Store.SnapshotPath == "" {
		return fmt.Errorf("snapshot path is required for %s store", c.Store.Type)
	}

	switch c.Blob.Type {
	case "filesystem":
		if c.Blob.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem uploads")
		}
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 uploads")
		}
	default:
		return fmt.Errorf("invalid blob type: %s (must be filesystem or s3)", c.Blob.Type)
	}

	switch c.Email.Type {
	case "log":
	case "resend":
		if c.Email.ResendAPIKey == "" || c.Email.From == "" {
			return fmt.Errorf("resend API key and sender address are required for resend email")
		}
	case "smtp":
		if c.Email.SMTPHost == "" || c.Email.From == "" {
			return fmt.Errorf("SMTP host and sender address are required for smtp email")
		}
	default:
		return fmt.Errorf("invalid email type: %s (must be log, resend, or smtp)", c.Email.Type)
	}

	if c.Workflow.OTPTTL <= 0 {
		return fmt.Errorf("OTP TTL must be positive")
	}
	if c.Workflow.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Workflow.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
