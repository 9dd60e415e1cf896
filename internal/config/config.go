// Package config loads process configuration: secrets and endpoints from
// the environment, optional tunables from a YAML file. Production refuses
// to start on missing or weak secrets.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// MinSecretLen is the minimum length for signing and hashing secrets.
const MinSecretLen = 32

// Development-only fallback secrets, long enough to exercise the same code
// paths as production. Never accepted outside development.
const (
	devJWTSecret    = "stillhour-dev-jwt-secret-change-before-deploy"
	devIPHashSecret = "stillhour-dev-iphash-secret-change-before-deploy"
)

// Config is everything the process needs at startup.
type Config struct {
	Env            string // development | production
	Port           string // HTTP control surface
	WSPort         string // WebSocket gateway listener
	DatabaseURL    string
	JWTSecret      []byte
	IPHashSecret   []byte
	AllowedOrigins []string
	Tuning         Tuning
}

// Tuning holds the optional knobs read from CONFIG_FILE. Zero values select
// the built-in defaults.
type Tuning struct {
	HeartbeatTimeoutSeconds  int `yaml:"heartbeat_timeout_seconds"`
	HeartbeatSweepSeconds    int `yaml:"heartbeat_sweep_seconds"`
	StaleSessionSweepSeconds int `yaml:"stale_session_sweep_seconds"`
	StaleSessionAfterHours   int `yaml:"stale_session_after_hours"`
	TokenTTLHours            int `yaml:"token_ttl_hours"`
}

func (t Tuning) HeartbeatTimeout() time.Duration {
	return secondsOr(t.HeartbeatTimeoutSeconds, 90*time.Second)
}

func (t Tuning) HeartbeatSweepInterval() time.Duration {
	return secondsOr(t.HeartbeatSweepSeconds, 30*time.Second)
}

func (t Tuning) StaleSessionSweepInterval() time.Duration {
	return secondsOr(t.StaleSessionSweepSeconds, 5*time.Minute)
}

func (t Tuning) StaleSessionAfter() time.Duration {
	if t.StaleSessionAfterHours > 0 {
		return time.Duration(t.StaleSessionAfterHours) * time.Hour
	}
	return 24 * time.Hour
}

func (t Tuning) TokenTTL() time.Duration {
	if t.TokenTTLHours > 0 {
		return time.Duration(t.TokenTTLHours) * time.Hour
	}
	return 24 * time.Hour
}

func secondsOr(s int, fallback time.Duration) time.Duration {
	if s > 0 {
		return time.Duration(s) * time.Second
	}
	return fallback
}

// Load reads the environment (and CONFIG_FILE, when set) into a validated
// Config.
func Load() (*Config, error) {
	cfg := &Config{
		Env:         envOr("APP_ENV", "development"),
		Port:        envOr("PORT", "8080"),
		WSPort:      envOr("WS_PORT", "3001"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
	production := cfg.Env == "production"

	var err error
	if cfg.JWTSecret, err = loadSecret("JWT_SECRET", devJWTSecret, production); err != nil {
		return nil, err
	}
	if cfg.IPHashSecret, err = loadSecret("IP_HASH_SECRET", devIPHashSecret, production); err != nil {
		return nil, err
	}

	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if production {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(cfg.AllowedOrigins) == 0 {
			return nil, fmt.Errorf("ALLOWED_ORIGINS is required in production")
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadTuning(path, &cfg.Tuning); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func loadSecret(name, devFallback string, production bool) ([]byte, error) {
	val := os.Getenv(name)
	if val == "" {
		if production {
			return nil, fmt.Errorf("%s is required in production", name)
		}
		slog.Warn("using development fallback secret", "var", name)
		val = devFallback
	}
	if len(val) < MinSecretLen {
		return nil, fmt.Errorf("%s must be at least %d bytes", name, MinSecretLen)
	}
	return []byte(val), nil
}

func loadTuning(path string, t *Tuning) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(t); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
