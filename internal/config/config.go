package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Clamd     ClamdConfig     `mapstructure:"clamd"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Log       LogConfig       `mapstructure:"log"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port        int    `mapstructure:"port"`
	CORSOrigins string `mapstructure:"cors_origins"`

	// CookieDomain 为空时 refresh_token cookie 只对当前主机生效。
	CookieDomain string `mapstructure:"cookie_domain"`
}

// AllowedOrigins 将逗号分隔的来源拆分为列表。
func (a APIConfig) AllowedOrigins() []string {
	parts := strings.Split(a.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, strings.TrimRight(p, "/"))
		}
	}
	return origins
}

// DatabaseConfig contains connection options for PostgreSQL.
// URL 优先于分散字段。
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	Region           string `mapstructure:"region"`
	BucketLookup     string `mapstructure:"bucket_lookup"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// JWTConfig 描述令牌签发参数。
type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

// RateLimitConfig 控制固定窗口限流。
type RateLimitConfig struct {
	Window  time.Duration `mapstructure:"window"`
	Max     int           `mapstructure:"max"`
	AuthMax int           `mapstructure:"auth_max"`
}

// UploadConfig 控制上传约束。
type UploadConfig struct {
	MaxBytes int64         `mapstructure:"max_bytes"`
	Quota    int           `mapstructure:"quota"`
	URLTTL   time.Duration `mapstructure:"url_ttl"`
}

// ProvidersConfig 在启动时选择各能力的实现。
type ProvidersConfig struct {
	LLM               string  `mapstructure:"llm"`
	LLMEndpoint       string  `mapstructure:"llm_endpoint"`
	LLMAPIKey         string  `mapstructure:"llm_api_key"`
	LLMModel          string  `mapstructure:"llm_model"`
	LLMRPS            float64 `mapstructure:"llm_rps"`
	Embedding         string  `mapstructure:"embedding"`
	EmbeddingEndpoint string  `mapstructure:"embedding_endpoint"`
	EmbeddingModel    string  `mapstructure:"embedding_model"`
	Storage           string  `mapstructure:"storage"`
	Scanner           string  `mapstructure:"scanner"`
}

// ClamdConfig 指向 clamd 守护进程。
type ClamdConfig struct {
	Addr string `mapstructure:"addr"`
}

// WorkerConfig 控制后台任务消费。
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	ReconcileEvery time.Duration `mapstructure:"reconcile_every"`
	StuckAfter     time.Duration `mapstructure:"stuck_after"`

	// MetricsAddr 为空时 worker 不暴露 /metrics。
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RabbitMQConfig 为空 URL 时禁用事件投递。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LogConfig 控制日志级别与格式。
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	if strings.TrimSpace(d.URL) != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 3001)
	v.SetDefault("api.cors_origins", "http://localhost:3000")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "aicareer")
	v.SetDefault("database.user", "aicareer")
	v.SetDefault("database.password", "aicareer")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "documents")
	v.SetDefault("minio.region", "us-east-1")
	v.SetDefault("minio.bucket_lookup", "auto")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("jwt.issuer", "aicareer")
	v.SetDefault("jwt.access_ttl", 15*time.Minute)
	v.SetDefault("jwt.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("rate_limit.window", 15*time.Minute)
	v.SetDefault("rate_limit.max", 100)
	v.SetDefault("rate_limit.auth_max", 20)
	v.SetDefault("upload.max_bytes", 10*1024*1024)
	v.SetDefault("upload.quota", 50)
	v.SetDefault("upload.url_ttl", time.Hour)
	v.SetDefault("providers.llm", "echo")
	v.SetDefault("providers.llm_model", "gpt-4o-mini")
	v.SetDefault("providers.llm_rps", 2.0)
	v.SetDefault("providers.embedding", "stub")
	v.SetDefault("providers.embedding_model", "text-embedding-3-small")
	v.SetDefault("providers.storage", "minio")
	v.SetDefault("providers.scanner", "stub")
	v.SetDefault("clamd.addr", "tcp://localhost:3310")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.reconcile_every", 5*time.Minute)
	v.SetDefault("worker.stuck_after", 15*time.Minute)
	v.SetDefault("worker.metrics_addr", ":9091")
	v.SetDefault("rabbitmq.exchange", "aicareer.events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                     "PORT",
		"api.cors_origins":             "WEB_BASE_URL",
		"api.cookie_domain":            "COOKIE_DOMAIN",
		"database.url":                 "DATABASE_URL",
		"database.host":                "DATABASE_HOST",
		"database.port":                "DATABASE_PORT",
		"database.name":                "POSTGRES_DB",
		"database.user":                "POSTGRES_USER",
		"database.password":            "POSTGRES_PASSWORD",
		"database.sslmode":             "DATABASE_SSLMODE",
		"redis.url":                    "REDIS_URL",
		"minio.endpoint":               "S3_ENDPOINT",
		"minio.public_endpoint":        "S3_PUBLIC_ENDPOINT",
		"minio.access_key_id":          "S3_ACCESS_KEY",
		"minio.secret_access_key":      "S3_SECRET_KEY",
		"minio.use_ssl":                "S3_USE_SSL",
		"minio.bucket":                 "S3_BUCKET",
		"minio.region":                 "S3_REGION",
		"minio.bucket_lookup":          "S3_BUCKET_LOOKUP",
		"minio.auto_create_bucket":     "S3_AUTO_CREATE_BUCKET",
		"jwt.secret":                   "JWT_SECRET",
		"jwt.issuer":                   "JWT_ISSUER",
		"jwt.access_ttl":               "JWT_ACCESS_TTL",
		"jwt.refresh_ttl":              "JWT_REFRESH_TTL",
		"rate_limit.window":            "RATE_LIMIT_WINDOW",
		"rate_limit.max":               "RATE_LIMIT_MAX",
		"rate_limit.auth_max":          "RATE_LIMIT_AUTH_MAX",
		"upload.max_bytes":             "UPLOAD_MAX_BYTES",
		"upload.quota":                 "UPLOAD_QUOTA",
		"upload.url_ttl":               "UPLOAD_URL_TTL",
		"providers.llm":                "LLM_PROVIDER",
		"providers.llm_endpoint":       "LLM_ENDPOINT",
		"providers.llm_api_key":        "LLM_API_KEY",
		"providers.llm_model":          "LLM_MODEL",
		"providers.llm_rps":            "LLM_RPS",
		"providers.embedding":          "EMBEDDING_PROVIDER",
		"providers.embedding_endpoint": "EMBEDDING_ENDPOINT",
		"providers.embedding_model":    "EMBEDDING_MODEL",
		"providers.storage":            "STORAGE_PROVIDER",
		"providers.scanner":            "AV_PROVIDER",
		"clamd.addr":                   "CLAMD_ADDR",
		"worker.concurrency":           "WORKER_CONCURRENCY",
		"worker.reconcile_every":       "RECONCILE_EVERY",
		"worker.stuck_after":           "RECONCILE_STUCK_AFTER",
		"worker.metrics_addr":          "WORKER_METRICS_ADDR",
		"rabbitmq.url":                 "RABBITMQ_URL",
		"rabbitmq.exchange":            "RABBITMQ_EXCHANGE",
		"log.level":                    "LOG_LEVEL",
		"log.format":                   "LOG_FORMAT",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		if cfg.Database.Host == "" {
			return errors.New("database host is required")
		}
		if cfg.Database.Port <= 0 {
			return errors.New("database port must be positive")
		}
		if cfg.Database.Name == "" {
			return errors.New("database name is required")
		}
		if cfg.Database.User == "" {
			return errors.New("database user is required")
		}
	}
	if cfg.Redis.URL == "" {
		return errors.New("redis url is required")
	}
	if len(cfg.JWT.Secret) < 32 {
		return errors.New("jwt secret must be at least 32 characters")
	}
	if cfg.JWT.AccessTTL <= 0 || cfg.JWT.RefreshTTL <= 0 {
		return errors.New("jwt ttl values must be positive")
	}
	if cfg.RateLimit.Window <= 0 || cfg.RateLimit.Max <= 0 {
		return errors.New("rate limit window and max must be positive")
	}
	if cfg.Upload.MaxBytes <= 0 || cfg.Upload.Quota <= 0 || cfg.Upload.URLTTL <= 0 {
		return errors.New("upload limits must be positive")
	}

	switch cfg.Providers.Storage {
	case "memory":
	case "minio":
		if cfg.MinIO.Endpoint == "" {
			return errors.New("minio endpoint is required")
		}
		if cfg.MinIO.AccessKeyID == "" {
			return errors.New("minio access key id is required")
		}
		if cfg.MinIO.SecretAccessKey == "" {
			return errors.New("minio secret access key is required")
		}
		if cfg.MinIO.Bucket == "" {
			return errors.New("minio bucket is required")
		}
	default:
		return fmt.Errorf("unknown storage provider %q", cfg.Providers.Storage)
	}

	switch cfg.Providers.LLM {
	case "echo":
	case "http":
		if cfg.Providers.LLMEndpoint == "" {
			return errors.New("llm endpoint is required for http provider")
		}
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.Providers.LLM)
	}

	switch cfg.Providers.Embedding {
	case "stub":
	case "http":
		if cfg.Providers.EmbeddingEndpoint == "" {
			return errors.New("embedding endpoint is required for http provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", cfg.Providers.Embedding)
	}

	switch cfg.Providers.Scanner {
	case "stub":
	case "clamd":
		if cfg.Clamd.Addr == "" {
			return errors.New("clamd addr is required for clamd scanner")
		}
	default:
		return fmt.Errorf("unknown av provider %q", cfg.Providers.Scanner)
	}

	if cfg.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	return nil
}
