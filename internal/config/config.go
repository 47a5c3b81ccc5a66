// Package config assembles the runtime configuration from tier defaults, an
// optional YAML file and LOANWATCH_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/escalation"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LOANWATCH_"

// Load builds the configuration. An empty path falls back to
// LOANWATCH_CONFIG; no file at all means defaults plus environment.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(env("TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = env("CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if file := env("ESCALATION_CONFIG"); file != "" {
		esc, err := escalation.LoadConfig(file)
		if err != nil {
			return nil, err
		}
		cfg.Escalation = esc
	}
	if err := escalation.ValidateConfig(cfg.Escalation); err != nil {
		return nil, fmt.Errorf("invalid escalation config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	var errs []error
	setString := func(key string, dst *string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := env(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := env(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	setString("HOST", &cfg.Server.Host)
	setInt("PORT", &cfg.Server.Port)

	setString("DB_DRIVER", &cfg.Repository.Driver)
	setString("SQLITE_PATH", &cfg.Repository.SQLitePath)
	setString("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	setInt("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	setString("POSTGRES_USER", &cfg.Repository.PostgresUser)
	setString("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	setString("POSTGRES_DB", &cfg.Repository.PostgresDB)
	setString("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	setString("CACHE", &cfg.Cache.Type)
	setString("REDIS_ADDR", &cfg.Cache.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	setString("EVENTBUS", &cfg.EventBus.Type)
	setString("NATS_URL", &cfg.EventBus.NATSUrl)
	setString("NATS_TOKEN", &cfg.EventBus.NATSToken)

	setBool("SCHEDULER", &cfg.Scheduler.Enabled)
	setDuration("SCHEDULER_INTERVAL", &cfg.Scheduler.Interval)
	setBool("WORKER", &cfg.Worker.Enabled)
	setInt("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)

	setInt("SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	setDuration("SYNC_BATCH_PAUSE", &cfg.Sync.BatchPause)
	setString("SYNC_CONFLICT_RESOLUTION", &cfg.Sync.ConflictResolution)
	setInt("SYNC_RETRY_ATTEMPTS", &cfg.Sync.RetryAttempts)
	setDuration("SYNC_RETRY_DELAY", &cfg.Sync.RetryDelay)

	setBool("TRACING", &cfg.Tracing.Enabled)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	if debug := false; env("DEBUG") != "" {
		setBool("DEBUG", &debug)
		if debug {
			cfg.Logging.Level = "debug"
		}
	}

	return errors.Join(errs...)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

// LogLevel maps the configured level name to a slog level.
func LogLevel(cfg *domain.Config) slog.Level {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
