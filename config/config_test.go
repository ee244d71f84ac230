package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load([]string{"-env", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "log", cfg.NotifySink)
	assert.Equal(t, "@every 5s", cfg.OutboxSpec)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins())
}

func TestLoad_EnvFileAndFlags(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"LCFS_DB_DRIVER=postgres\n"+
			"LCFS_POSTGRES_URL=postgres://lcfs@localhost/lcfs\n"+
			"LCFS_NOTIFY_SINK=kafka\n"+
			"LCFS_KAFKA_BROKERS=k1:9092, k2:9092\n"+
			"LCFS_LOG_FORMAT=text\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"LCFS_DB_DRIVER", "LCFS_POSTGRES_URL", "LCFS_NOTIFY_SINK", "LCFS_KAFKA_BROKERS", "LCFS_LOG_FORMAT"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := config.Load([]string{"-env", envFile, "-addr", ":9090"})
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr, "flags win over the environment")
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())

	logger := cfg.Logger()
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestValidate(t *testing.T) {
	base := config.Config{DBDriver: "sqlite", NotifySink: "log", LogLevel: "info", LogFormat: "json"}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"postgres without url", func(c *config.Config) { c.DBDriver = "postgres" }},
		{"unknown driver", func(c *config.Config) { c.DBDriver = "mysql" }},
		{"kafka without brokers", func(c *config.Config) { c.NotifySink = "kafka" }},
		{"redis without addr", func(c *config.Config) { c.NotifySink = "redis" }},
		{"bad level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"bad format", func(c *config.Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
