// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string // activation-service

	// Base public URL used for problem type identifiers
	BasePublicURL string

	// Backend catalog (YAML file, one descriptor per remote panel)
	BackendsFile string

	// CAPTCHA solving provider
	CaptchaAPIURL  string
	CaptchaAPIKey  string
	CaptchaPoll    time.Duration
	CaptchaTimeout time.Duration

	// Session cache default TTL (backend descriptors may override)
	SessionTTL time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:            env("ACTIGATE_ENV", "dev"),
		HTTPAddr:       env("ACTIGATE_HTTP_ADDR", ":8080"),
		BasePublicURL:  env("BASE_PUBLIC_URL", "http://localhost:8080"),
		BackendsFile:   env("BACKENDS_FILE", "backends.yaml"),
		CaptchaAPIURL:  env("CAPTCHA_API_URL", ""),
		CaptchaAPIKey:  env("CAPTCHA_API_KEY", ""),
		CaptchaPoll:    envDur("CAPTCHA_POLL_SEC", 5) * time.Second,
		CaptchaTimeout: envDur("CAPTCHA_TIMEOUT_SEC", 120) * time.Second,
		SessionTTL:     envDur("SESSION_TTL_MIN", 110) * time.Minute,
		RedisURL:       env("REDIS_URL", ""),
		DatabaseURL:    env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; using in-memory credential and voucher stores for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
