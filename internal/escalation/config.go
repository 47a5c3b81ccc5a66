package escalation

import (
	"fmt"
	"io"
	"os"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"gopkg.in/yaml.v3"
)

var knownActions = map[string]bool{
	domain.ActionNotify:        true,
	domain.ActionRemind:        true,
	domain.ActionAssign:        true,
	domain.ActionAutoExtension: true,
	domain.ActionForceClose:    true,
	domain.ActionAuditTrail:    true,
}

// LoadConfig reads a level table and thresholds from a YAML file. Fields the
// file leaves out keep their defaults; a levels list replaces the default table.
func LoadConfig(path string) (domain.EscalationConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.EscalationConfig{}, fmt.Errorf("failed to open escalation config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes YAML over the default configuration and validates it.
func ParseConfig(r io.Reader) (domain.EscalationConfig, error) {
	cfg := domain.DefaultEscalationConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
		return domain.EscalationConfig{}, fmt.Errorf("failed to parse escalation config: %w", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return domain.EscalationConfig{}, err
	}
	return cfg, nil
}

// ValidateConfig checks that levels are unique and positive and that every
// action is known.
func ValidateConfig(cfg domain.EscalationConfig) error {
	if len(cfg.Levels) == 0 {
		return ErrNoLevels
	}
	seen := make(map[int]bool, len(cfg.Levels))
	for _, l := range cfg.Levels {
		if l.Level <= 0 {
			return fmt.Errorf("escalation level %q: level must be positive", l.Name)
		}
		if seen[l.Level] {
			return fmt.Errorf("escalation level %d defined twice", l.Level)
		}
		seen[l.Level] = true
		if l.Timeout < 0 {
			return fmt.Errorf("escalation level %d: negative timeout", l.Level)
		}
		for _, a := range l.Actions {
			if !knownActions[NormalizeAction(a)] {
				return fmt.Errorf("escalation level %d: unknown action %q", l.Level, a)
			}
		}
	}
	return nil
}
