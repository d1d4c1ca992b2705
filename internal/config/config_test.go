package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("S3_ACCESS_KEY", "minio")
	t.Setenv("S3_SECRET_KEY", "minio-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWT.AccessTTL != 15*time.Minute {
		t.Fatalf("expected access ttl 15m got %s", cfg.JWT.AccessTTL)
	}
	if cfg.JWT.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("expected refresh ttl 7d got %s", cfg.JWT.RefreshTTL)
	}
	if cfg.RateLimit.Window != 15*time.Minute || cfg.RateLimit.Max != 100 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Upload.MaxBytes != 10*1024*1024 || cfg.Upload.Quota != 50 {
		t.Fatalf("unexpected upload config %+v", cfg.Upload)
	}
	if cfg.Worker.MetricsAddr != ":9091" {
		t.Fatalf("expected worker metrics on :9091 got %q", cfg.Worker.MetricsAddr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "8081")
	t.Setenv("JWT_ACCESS_TTL", "5m")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app?sslmode=disable")
	t.Setenv("WEB_BASE_URL", "https://app.example.com/, https://admin.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Port != 8081 {
		t.Fatalf("expected port 8081 got %d", cfg.API.Port)
	}
	if cfg.JWT.AccessTTL != 5*time.Minute {
		t.Fatalf("expected 5m got %s", cfg.JWT.AccessTTL)
	}
	if got := cfg.Database.DSN(); got != "postgres://u:p@db:5432/app?sslmode=disable" {
		t.Fatalf("expected DATABASE_URL to win, got %q", got)
	}
	origins := cfg.API.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://app.example.com" {
		t.Fatalf("unexpected origins %v", origins)
	}
}

func TestLoad_RejectsShortSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JWT_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for short jwt secret")
	}
}

func TestLoad_MemoryStorageSkipsMinIOCredentials(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("STORAGE_PROVIDER", "memory")
	t.Setenv("S3_ACCESS_KEY", "")
	t.Setenv("S3_SECRET_KEY", "")

	if _, err := Load(); err != nil {
		t.Fatalf("expected memory storage to load without minio credentials: %v", err)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LLM_PROVIDER", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown llm provider")
	}
}
