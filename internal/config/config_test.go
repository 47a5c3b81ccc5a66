package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Tier != domain.TierCommunity || cfg.Repository.Driver != "sqlite" {
			t.Errorf("expected community defaults, got %s %s", cfg.Tier, cfg.Repository.Driver)
		}
		if cfg.Sync.BatchSize != 100 || len(cfg.Escalation.Levels) != 3 {
			t.Errorf("unexpected unit defaults: %+v", cfg.Sync)
		}
	})

	t.Run("ProTier", func(t *testing.T) {
		t.Setenv("LOANWATCH_TIER", "pro")
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.EventBus.Type != "nats" || cfg.Cache.Type != "redis" || !cfg.Scheduler.Enabled {
			t.Errorf("expected pro stack, got %+v", cfg.EventBus)
		}
	})

	t.Run("FileThenEnv", func(t *testing.T) {
		path := writeFile(t, "loanwatch.yaml", `
server:
  port: 9090
sync:
  batchSize: 25
  batchPause: 250ms
escalation:
  thresholds:
    overdueDays: 10
`)
		t.Setenv("LOANWATCH_PORT", "7070")
		t.Setenv("LOANWATCH_SCHEDULER", "true")
		t.Setenv("LOANWATCH_DEBUG", "true")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("expected env to win over file, got port %d", cfg.Server.Port)
		}
		if cfg.Sync.BatchSize != 25 || cfg.Sync.BatchPause != 250*time.Millisecond {
			t.Errorf("unexpected sync config %+v", cfg.Sync)
		}
		if cfg.Sync.RetryAttempts != 3 {
			t.Errorf("expected untouched defaults to survive, got %d", cfg.Sync.RetryAttempts)
		}
		if cfg.Escalation.Thresholds.OverdueDays != 10 || cfg.Escalation.Thresholds.MaxReminders != 3 {
			t.Errorf("unexpected thresholds %+v", cfg.Escalation.Thresholds)
		}
		if !cfg.Scheduler.Enabled || LogLevel(cfg) != slog.LevelDebug {
			t.Error("expected scheduler and debug logging from env")
		}
	})

	t.Run("EscalationFile", func(t *testing.T) {
		path := writeFile(t, "levels.yaml", `
levels:
  - level: 1
    name: Desk
    timeout: 12h
    recipients: [desk]
    actions: [notify]
`)
		t.Setenv("LOANWATCH_ESCALATION_CONFIG", path)
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(cfg.Escalation.Levels) != 1 || cfg.Escalation.Levels[0].Timeout != 12*time.Hour {
			t.Errorf("unexpected levels %+v", cfg.Escalation.Levels)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := map[string]func(t *testing.T) string{
			"MissingFile": func(t *testing.T) string { return filepath.Join(t.TempDir(), "none.yaml") },
			"BadYAML":     func(t *testing.T) string { return writeFile(t, "bad.yaml", "server: [") },
			"BadEnv": func(t *testing.T) string {
				t.Setenv("LOANWATCH_PORT", "eighty")
				return ""
			},
			"UnknownAction": func(t *testing.T) string {
				return writeFile(t, "esc.yaml", "escalation:\n  levels:\n    - level: 1\n      actions: [page_everyone]\n")
			},
		}
		for name, setup := range tests {
			t.Run(name, func(t *testing.T) {
				if _, err := Load(setup(t)); err == nil {
					t.Error("expected an error")
				}
			})
		}
	})
}
