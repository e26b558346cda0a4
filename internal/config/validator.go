package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Validator checks a loaded configuration
type Validator struct {
	config *Config
}

// NewValidator creates a configuration validator
func NewValidator(config *Config) *Validator {
	return &Validator{
		config: config,
	}
}

// Validate returns every problem found, joined into one error
func (v *Validator) Validate() error {
	var problems []string

	checks := []struct {
		section string
		check   func() error
	}{
		{"app", v.validateApp},
		{"server", v.validateServer},
		{"database", v.validateDatabase},
		{"ledger", v.validateLedger},
		{"audit", v.validateAudit},
		{"rate_limit", v.validateRateLimit},
		{"logging", v.validateLogging},
	}
	for _, c := range checks {
		if err := c.check(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", c.section, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

func (v *Validator) validateApp() error {
	switch v.config.App.Env {
	case "development", "test", "staging", "production":
		return nil
	default:
		return fmt.Errorf("unknown environment %q", v.config.App.Env)
	}
}

func (v *Validator) validateServer() error {
	server := v.config.Server

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", server.Port)
	}
	if server.ReadTimeout <= 0 || server.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	db := v.config.Database

	if db.URL != "" {
		u, err := url.Parse(db.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}
	}
	if db.Port <= 0 || db.Port > 65535 {
		return fmt.Errorf("invalid port: %d", db.Port)
	}
	if db.MaxOpen < 1 {
		return fmt.Errorf("max_open must be at least 1")
	}
	if db.MaxIdle > db.MaxOpen {
		return fmt.Errorf("max_idle (%d) exceeds max_open (%d)", db.MaxIdle, db.MaxOpen)
	}
	switch db.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid sslmode %q", db.SSLMode)
	}
	if db.ImpersonateRoles && v.config.Ledger.PublicIndexInsert {
		return fmt.Errorf("impersonate_roles cannot be combined with ledger.public_index_insert, the schema policy restricts index inserts")
	}
	return nil
}

func (v *Validator) validateLedger() error {
	ledger := v.config.Ledger

	if d := ledger.Deviation(); d < 0 || d >= 1 {
		return fmt.Errorf("max_deviation must be in [0, 1), got %v", d)
	}
	if t := ledger.AuditTolerance(); t < 0 || t >= 1 {
		return fmt.Errorf("tolerance must be in [0, 1), got %v", t)
	}
	return nil
}

func (v *Validator) validateAudit() error {
	audit := v.config.Audit
	if !audit.Enabled {
		return nil
	}

	if audit.Schedule == "" {
		return fmt.Errorf("schedule is required when the audit is enabled")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(audit.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", audit.Schedule, err)
	}
	if audit.Lookback <= 0 {
		return fmt.Errorf("lookback must be positive")
	}
	return nil
}

func (v *Validator) validateRateLimit() error {
	rl := v.config.RateLimit
	if !rl.Enabled {
		return nil
	}
	if rl.RequestsPerMinute <= 0 || rl.Burst <= 0 {
		return fmt.Errorf("requests_per_minute and burst must be positive")
	}
	return nil
}

func (v *Validator) validateLogging() error {
	if _, err := logrus.ParseLevel(v.config.Logging.Level); err != nil {
		return err
	}
	switch v.config.Logging.Output {
	case "stdout", "stderr", "file", "discard":
		return nil
	default:
		return fmt.Errorf("unknown output %q", v.config.Logging.Output)
	}
}
