package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the whole service, read from
// environment variables with sane defaults for local development.
type Config struct {
	Env      string
	HTTPPort string

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WorkerCount     int
	WorkerQueueSize int

	ProviderBaseURL string
	RequestTimeout  time.Duration
	ItemDelay       time.Duration

	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthScopes       []string

	RefreshPolicy string

	RateLimitBurst  int
	RateLimitRefill float64

	PostsSyncSpec  string
	TokenPurgeSpec string
	HealthSpec     string
}

// Load reads configuration from the environment.
func Load() Config {
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WorkerCount:     getEnvInt("WORKER_COUNT", 4),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 64),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://graph.provider.example"),
		RequestTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		ItemDelay:       getEnvDuration("SYNC_ITEM_DELAY", 500*time.Millisecond),

		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthRedirectURI:  getEnv("OAUTH_REDIRECT_URI", ""),
		OAuthAuthURL:      getEnv("OAUTH_AUTH_URL", "https://marketplace.provider.example/oauth/chooselocation"),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", "https://services.provider.example/oauth/token"),
		OAuthScopes:       getEnvList("OAUTH_SCOPES", []string{"contacts.readonly", "contacts.write"}),

		RefreshPolicy: getEnv("TOKEN_REFRESH_POLICY", "strict"),

		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 10),
		RateLimitRefill: getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),

		PostsSyncSpec:  getEnv("POSTS_SYNC_SPEC", "@every 59m"),
		TokenPurgeSpec: getEnv("TOKEN_PURGE_SPEC", "0 2 * * *"),
		HealthSpec:     getEnv("HEALTH_SPEC", "@every 30m"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
