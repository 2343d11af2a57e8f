package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, 1200, cfg.RateLimit.MaxWeightPerMin)
	assert.Equal(t, 85, cfg.RateLimit.SafetyPct)
	assert.Equal(t, []int{60, 300, 900, 3600}, cfg.OrderFlow.Windows)
	assert.Len(t, cfg.HlpTracker.Vaults, 3)
	assert.True(t, cfg.SmartMoney.AutoCurateEnabled)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
rate_limit:
  max_weight_per_min: 600
  safety_pct: 50
position_poller:
  workers: 4
  whale_threshold: 500000
order_flow:
  windows: [30, 60]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 600, cfg.RateLimit.MaxWeightPerMin)
	assert.Equal(t, 50, cfg.RateLimit.SafetyPct)
	assert.Equal(t, 4, cfg.PositionPoller.Workers)
	assert.Equal(t, 500000.0, cfg.PositionPoller.WhaleThreshold)
	assert.Equal(t, []int{30, 60}, cfg.OrderFlow.Windows)
	// Untouched sections keep defaults.
	assert.Equal(t, "storage/hynous-data.db", cfg.DB.Path)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.Server.Port)
}

func TestL2BookConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.L2Book.Enabled)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, cfg.L2Book.Coins)

	// Enabling without coins is a config error.
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("l2_book:\n  enabled: true\n  coins: []\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestInvalidSafetyPct(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  safety_pct: 150\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HYNOUS_PORT", "8200")
	t.Setenv("HYNOUS_DB_PATH", "/tmp/other.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.DB.Path)
}
