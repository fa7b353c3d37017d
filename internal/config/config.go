package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// client core
	APIBaseURL       string        `yaml:"api_base_url"`
	StreamThrottle   time.Duration `yaml:"stream_throttle"`
	TimelinePageSize int           `yaml:"timeline_page_size"`

	// realtime
	RedisAddr     string `yaml:"redis_addr"`
	RedisUsername string `yaml:"redis_username"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	// devserver
	ListenAddr      string        `yaml:"listen_addr"`
	DBDSN           string        `yaml:"db_dsn"`
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`

	// CORSOrigins enables CORS for browser clients when non-empty.
	CORSOrigins []string `yaml:"cors_origins"`

	AIProvider    string `yaml:"ai_provider"`
	OllamaBaseURL string `yaml:"ollama_base_url"`
	OllamaModel   string `yaml:"ollama_model"`

	// rabbitMQ
	RabbitURL         string `yaml:"rabbit_url"`
	RabbitQueue       string `yaml:"rabbit_queue"`
	WorkerConcurrency int    `yaml:"worker_concurrency"`
}

func defaults() Config {
	return Config{
		APIBaseURL:        "http://localhost:8080",
		StreamThrottle:    50 * time.Millisecond,
		TimelinePageSize:  20,
		RedisAddr:         "127.0.0.1:6379",
		LogLevel:          "info",
		ListenAddr:        ":8080",
		DBDSN:             "file:mediation.db?cache=shared",
		JWTSecret:         "dev-secret-change-me",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		AIProvider:        "scripted",
		OllamaBaseURL:     "http://localhost:11434",
		OllamaModel:       "llama3:latest",
		RabbitQueue:       "push_jobs",
		WorkerConcurrency: 2,
	}
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	cfg := defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile overlays a YAML file on the defaults; environment variables still win.
func LoadFile(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	millis := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("API_BASE_URL", &cfg.APIBaseURL)
	millis("STREAM_THROTTLE_MS", &cfg.StreamThrottle)
	num("TIMELINE_PAGE_SIZE", &cfg.TimelinePageSize)

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_USERNAME", &cfg.RedisUsername)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)

	str("LOG_LEVEL", &cfg.LogLevel)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LogPretty, _ = strconv.ParseBool(v)
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("DB_DSN", &cfg.DBDSN)
	str("JWT_SECRET", &cfg.JWTSecret)
	dur("ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL)
	dur("REFRESH_TOKEN_TTL", &cfg.RefreshTokenTTL)
	if v := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); v != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	str("AI_PROVIDER", &cfg.AIProvider)
	str("OLLAMA_BASE_URL", &cfg.OllamaBaseURL)
	str("OLLAMA_MODEL", &cfg.OllamaModel)

	str("RABBIT_URL", &cfg.RabbitURL)
	str("RABBIT_QUEUE", &cfg.RabbitQueue)
	num("WORKER_CONCURRENCY", &cfg.WorkerConcurrency)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.APIBaseURL) == "" {
		errs = append(errs, "api_base_url is required")
	} else if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		errs = append(errs, "api_base_url must be an http(s) URL")
	}
	if c.StreamThrottle < 0 {
		errs = append(errs, "stream_throttle must not be negative")
	}
	if c.TimelinePageSize <= 0 || c.TimelinePageSize > 100 {
		errs = append(errs, "timeline_page_size must be between 1 and 100")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, "token ttls must be positive")
	}
	if c.WorkerConcurrency <= 0 || c.WorkerConcurrency > 50 {
		errs = append(errs, "worker_concurrency must be between 1 and 50")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
