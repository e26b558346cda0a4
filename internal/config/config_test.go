package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0shephard/t4-bot/internal/testutils"
)

func TestLoadConfig(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	configContent := `
app:
  name: "t4-ledger-test"
  env: "test"

server:
  port: 8081
  host: "127.0.0.1"

database:
  host: "localhost"
  port: 5432
  user: "ledger"
  password: "ledger"
  dbname: "t4_test"
  impersonate_roles: true

ledger:
  strict_invariants: true
  max_deviation: 0

audit:
  enabled: true
  schedule: "0 0 * * * *"
  lookback: 6h
`
	configPath := suite.CreateTempFile("config.yaml", configContent)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "t4-ledger-test", cfg.App.Name)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.True(t, cfg.Database.ImpersonateRoles)
	assert.True(t, cfg.UseDatabase())
	assert.True(t, cfg.Ledger.StrictInvariants)
	assert.Zero(t, cfg.Ledger.Deviation(), "an explicit zero disables the guard")
	assert.Equal(t, 6*time.Hour, cfg.Audit.Lookback)

	// defaults
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 0.01, cfg.Ledger.AuditTolerance())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Monitoring.PrometheusPath)

	conn := cfg.Database.Connection()
	assert.Equal(t, "t4_test", conn.DBName)
	assert.Equal(t, cfg.Database.MaxOpen, conn.MaxOpen)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0.20, cfg.Ledger.Deviation())
	assert.False(t, cfg.UseDatabase(), "no database target runs the ledger in memory")
	assert.Equal(t, Default().Audit.Schedule, cfg.Audit.Schedule)
}

func TestLoadConfigExplicitZeroTolerance(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	configPath := suite.CreateTempFile("config.yaml", `
ledger:
  tolerance: 0
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg.Ledger.Tolerance)
	assert.Zero(t, cfg.Ledger.AuditTolerance(), "zero means exact comparisons, not the default")

	testutils.SetEnv(t, "T4_LEDGER_TOLERANCE", "0.05")
	cfg, err = Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 0.05, cfg.Ledger.AuditTolerance())
}

func TestLoadConfigWithEnvironmentOverride(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	testutils.SetEnv(t, "T4_SERVER_PORT", "9090")
	testutils.SetEnv(t, "T4_DATABASE_URL", "postgres://ledger:pw@db.example.com:5432/postgres")
	testutils.SetEnv(t, "T4_LEDGER_MAX_DEVIATION", "0.35")
	testutils.SetEnv(t, "T4_LOG_LEVEL", "warn")

	configPath := suite.CreateTempFile("config.yaml", `
server:
  port: 8080
logging:
  level: debug
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://ledger:pw@db.example.com:5432/postgres", cfg.Database.URL)
	assert.Equal(t, 0.35, cfg.Ledger.Deviation())
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	suite.CreateTempFile(".env", "T4_AUDIT_SCHEDULE=\"0 30 * * * *\"\n")
	suite.Chdir(suite.TempDir)
	suite.AddCleanup(func() { os.Unsetenv("T4_AUDIT_SCHEDULE") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0 30 * * * *", cfg.Audit.Schedule)
}

func TestEncryptedEnvironmentValue(t *testing.T) {
	testutils.SetEnv(t, "T4_ENCRYPTION_KEY", "test-key")

	encrypted, err := NewEnvManager("", "").Encrypt("s3cret")
	require.NoError(t, err)
	assert.Contains(t, encrypted, EncryptedPrefix)

	testutils.SetEnv(t, "T4_DATABASE_PASSWORD", encrypted)
	testutils.SetEnv(t, "T4_AUTH_JWT_SECRET", "plain-secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "plain-secret", cfg.Auth.JWTSecret)

	wrongKey := NewEnvManager("other-key", "")
	assert.Equal(t, "fallback", wrongKey.GetEncryptedString("undefined_key", "fallback"))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "unknown environment",
			mutate:  func(c *Config) { c.App.Env = "qa" },
			wantErr: "unknown environment",
		},
		{
			name: "impersonation with public index insert",
			mutate: func(c *Config) {
				c.Database.ImpersonateRoles = true
				c.Ledger.PublicIndexInsert = true
			},
			wantErr: "impersonate_roles",
		},
		{
			name:    "tolerance out of range",
			mutate:  func(c *Config) { tol := 1.5; c.Ledger.Tolerance = &tol },
			wantErr: "tolerance",
		},
		{
			name: "bad cron schedule",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.Schedule = "every hour"
			},
			wantErr: "invalid schedule",
		},
		{
			name:    "bad database url",
			mutate:  func(c *Config) { c.Database.URL = "mysql://localhost/db" },
			wantErr: "unsupported url scheme",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := NewValidator(cfg).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
