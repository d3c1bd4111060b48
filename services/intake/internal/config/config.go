package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when INTAKE_CONFIG is unset.
var ConfigPath = envOr("INTAKE_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	DevMode  bool   `yaml:"devMode"`

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	AMQPURL       string `yaml:"amqpURL"`

	// Empty MinioEndpoint selects the in-memory object store.
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	WorkerURL             string `yaml:"workerURL"`
	PublicBaseURL         string `yaml:"publicBaseURL"`
	WorkerSecret          string `yaml:"workerSecret"`
	DispatchTimeout       string `yaml:"dispatchTimeout"`
	DispatchMaxInFlight   int64  `yaml:"dispatchMaxInFlight"`
	MaxRetries            int    `yaml:"maxRetries"`
	RedispatchConcurrency int    `yaml:"redispatchConcurrency"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	UploadRateLimitPerMinute   int      `yaml:"uploadRateLimitPerMinute"`
	CallbackRateLimitPerMinute int      `yaml:"callbackRateLimitPerMinute"`
	MaxUploadBytes             int64    `yaml:"maxUploadBytes"`
	AllowedMediaTypes          []string `yaml:"allowedMediaTypes"`

	AuditRetentionDays          int    `yaml:"auditRetentionDays"`
	AuditSensitiveRetentionDays int    `yaml:"auditSensitiveRetentionDays"`
	AuditSweepInterval          string `yaml:"auditSweepInterval"`
	ResultsCacheSize            int    `yaml:"resultsCacheSize"`
	ResultsCacheTTL             string `yaml:"resultsCacheTTL"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setBool(&cfg.DevMode, "INTAKE_DEV_MODE")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	setString(&cfg.WorkerURL, "INTAKE_WORKER_URL")
	setString(&cfg.PublicBaseURL, "INTAKE_PUBLIC_BASE_URL")
	setString(&cfg.WorkerSecret, "INTAKE_WORKER_SECRET")
	setString(&cfg.DispatchTimeout, "INTAKE_DISPATCH_TIMEOUT")
	setInt(&cfg.MaxRetries, "INTAKE_MAX_RETRIES")
	setInt(&cfg.RedispatchConcurrency, "INTAKE_REDISPATCH_CONCURRENCY")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setInt(&cfg.UploadRateLimitPerMinute, "INTAKE_UPLOAD_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.CallbackRateLimitPerMinute, "INTAKE_CALLBACK_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.AuditRetentionDays, "INTAKE_AUDIT_RETENTION_DAYS")
	setInt(&cfg.AuditSensitiveRetentionDays, "INTAKE_AUDIT_SENSITIVE_RETENTION_DAYS")
	if v := os.Getenv("INTAKE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("INTAKE_ALLOWED_MEDIA_TYPES"); v != "" {
		cfg.AllowedMediaTypes = splitCSV(v)
	}
	if v := os.Getenv("INTAKE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if len(cfg.AllowedMediaTypes) == 0 {
		cfg.AllowedMediaTypes = []string{"application/pdf", "image/jpeg", "image/png", "image/tiff", "text/plain"}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "mediscan-artifacts"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.WorkerURL) == "" {
		return errors.New("config: workerURL is required (set in config.yaml or INTAKE_WORKER_URL)")
	}
	if _, err := url.ParseRequestURI(cfg.WorkerURL); err != nil {
		return fmt.Errorf("config: workerURL: %w", err)
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return errors.New("config: publicBaseURL is required so the worker can call back")
	}
	if len(cfg.WorkerSecret) < 32 {
		return errors.New("config: workerSecret must be at least 32 bytes (INTAKE_WORKER_SECRET)")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes (JWT_SECRET)")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minio credentials are required when minioEndpoint is set")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: maxRetries must be >= 0")
	}
	if cfg.UploadRateLimitPerMinute < 0 || cfg.CallbackRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.UploadRateLimitPerMinute > 0 || cfg.CallbackRateLimitPerMinute > 0) && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if cfg.AuditRetentionDays < 0 || cfg.AuditSensitiveRetentionDays < 0 {
		return errors.New("config: audit retention must be >= 0")
	}
	for name, raw := range map[string]string{
		"dispatchTimeout":    cfg.DispatchTimeout,
		"jwtLeeway":          cfg.JWTLeeway,
		"auditSweepInterval": cfg.AuditSweepInterval,
		"resultsCacheTTL":    cfg.ResultsCacheTTL,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// Days converts a day count to a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
