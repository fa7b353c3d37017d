package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "")
	t.Setenv("STREAM_THROTTLE_MS", "")

	cfg := Load()
	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected base url: %q", cfg.APIBaseURL)
	}
	if cfg.StreamThrottle != 50*time.Millisecond {
		t.Fatalf("unexpected throttle: %s", cfg.StreamThrottle)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.test")
	t.Setenv("STREAM_THROTTLE_MS", "120")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ACCESS_TOKEN_TTL", "2m")
	t.Setenv("CORS_ORIGINS", "http://localhost:5173, https://app.example.test,")

	cfg := Load()
	if cfg.APIBaseURL != "https://api.example.test" {
		t.Fatalf("unexpected base url: %q", cfg.APIBaseURL)
	}
	if cfg.StreamThrottle != 120*time.Millisecond {
		t.Fatalf("unexpected throttle: %s", cfg.StreamThrottle)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("unexpected redis db: %d", cfg.RedisDB)
	}
	if cfg.AccessTokenTTL != 2*time.Minute {
		t.Fatalf("unexpected ttl: %s", cfg.AccessTokenTTL)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://app.example.test" {
		t.Fatalf("unexpected cors origins: %q", cfg.CORSOrigins)
	}
}

func TestLoadFile_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "api_base_url: https://yaml.example.test\ntimeline_page_size: 30\nredis_addr: redis:6379\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("API_BASE_URL", "")
	t.Setenv("REDIS_ADDR", "override:6379")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.APIBaseURL != "https://yaml.example.test" {
		t.Fatalf("yaml value lost: %q", cfg.APIBaseURL)
	}
	if cfg.TimelinePageSize != 30 {
		t.Fatalf("unexpected page size: %d", cfg.TimelinePageSize)
	}
	if cfg.RedisAddr != "override:6379" {
		t.Fatalf("env should win over yaml: %q", cfg.RedisAddr)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Config{APIBaseURL: "ftp://nope", TimelinePageSize: 0, WorkerConcurrency: 0}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"api_base_url", "timeline_page_size", "token ttls", "worker_concurrency"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}
