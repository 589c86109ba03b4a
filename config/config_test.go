package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "pixelpipe", cfg.Service.Name)
	assert.Equal(t, "development", cfg.Service.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "10M", cfg.Server.BodyLimit)
	assert.Equal(t, "pixelpipe.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Processor.PollInterval)
	assert.Equal(t, 4, cfg.Processor.Concurrency)
	assert.Equal(t, 3, cfg.Processor.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Processor.LeaseTTL)
	assert.Equal(t, 4, cfg.Webhook.ImageMaxPerSKU)
	assert.Equal(t, "none", cfg.Providers.AICompositor)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
processor:
  concurrency: 8
webhook:
  default_theme: studio
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Processor.Concurrency)
	assert.Equal(t, "studio", cfg.Webhook.DefaultTheme)
	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadConfigBareEnvKeys(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/override.db")
	t.Setenv("PORT", "9999")
	t.Setenv("TJMS_WEBHOOK_SECRET", "hunter2")
	t.Setenv("POLL_INTERVAL_MS", "250")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Webhook.Secret)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.PollInterval)
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Processor.Concurrency = 0
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Providers.AICompositor = "dalle"
	assert.Error(t, ValidateConfig(cfg))

	cfg = base()
	cfg.Service.Environment = "production"
	assert.Error(t, ValidateConfig(cfg), "production requires a webhook secret")

	cfg.Webhook.Secret = "s"
	cfg.Webhook.SkipVerification = true
	require.NoError(t, ValidateConfig(cfg))
	assert.False(t, cfg.Webhook.SkipVerification, "bypass flag is void in production")
}
