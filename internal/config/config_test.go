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
	assert.Equal(t, "colo-dev", cfg.Colo)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9500", cfg.RiskJudge.ListenAddr)
	assert.Equal(t, "sim", cfg.Trader.Gateway)
	assert.Equal(t, 5, cfg.Watcher.ColoStatusSeconds)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradelink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
colo: colo-sh
log_level: debug
risk_judge:
  listen_addr: 10.0.0.5:9500
  db_path: /var/lib/tradelink/risk.db
trader:
  account: "188795"
  gateway: sim
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "colo-sh", cfg.Colo)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "10.0.0.5:9500", cfg.RiskJudge.ListenAddr)
	assert.Equal(t, "188795", cfg.Trader.Account)
	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1:9600", cfg.Trader.ListenAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("COLO", "colo-env")
	t.Setenv("TRADER_SHM_SLOTS", "2048")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "colo-env", cfg.Colo)
	assert.Equal(t, 2048, cfg.Trader.ShmSlots)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
