package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lendledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), cfg.Lending.MinCollateralRatio)
	assert.Equal(t, 10, cfg.Lending.MaxLeverageLoops)
	assert.False(t, cfg.Lending.ShockEnabled)
	assert.Equal(t, uint16(0), cfg.Pool.FeeBps)
	assert.True(t, cfg.ProvisionPool())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[lending]
min_collateral_ratio = 150
max_leverage_loops = 4
shock_enabled = true

[pool]
fee_bps = 30
initial_collateral = "1000000000"
initial_debt = "1000000000"

[persistence]
flush_timeout = "25ms"
snapshot_dir = "/var/lib/lendledger"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), cfg.Lending.MinCollateralRatio)
	assert.Equal(t, 4, cfg.Lending.MaxLeverageLoops)
	assert.True(t, cfg.Lending.ShockEnabled)
	assert.Equal(t, uint16(30), cfg.Pool.FeeBps)
	assert.Equal(t, 25*time.Millisecond, cfg.Persistence.FlushTimeout)
	assert.Equal(t, "/var/lib/lendledger", cfg.Persistence.SnapshotDir)
	// Untouched sections keep their defaults.
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[lending]
min_collateral_ratio = 150
liquidation_bonus = 5
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lending.liquidation_bonus")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEND_MIN_COLLATERAL_RATIO", "200")
	t.Setenv("LEND_SHOCK_ENABLED", "true")
	t.Setenv("LEND_GRPC_ADDR", ":7000")
	t.Setenv("LEND_POOL_FEE_BPS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), cfg.Lending.MinCollateralRatio)
	assert.True(t, cfg.Lending.ShockEnabled)
	assert.Equal(t, ":7000", cfg.Server.GRPCAddr)
	assert.Equal(t, uint16(5), cfg.Pool.FeeBps)
}

func TestLoad_RejectsBadEnv(t *testing.T) {
	t.Setenv("LEND_MAX_LEVERAGE_LOOPS", "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"ratio at 100", func(c *Config) { c.Lending.MinCollateralRatio = 100 }},
		{"zero loops", func(c *Config) { c.Lending.MaxLeverageLoops = 0 }},
		{"loops above hard cap", func(c *Config) { c.Lending.MaxLeverageLoops = 11 }},
		{"fee at 100%", func(c *Config) { c.Pool.FeeBps = 10_000 }},
		{"one-sided reserves", func(c *Config) { c.Pool.InitialDebt = "" }},
		{"non-numeric reserve", func(c *Config) { c.Pool.InitialCollateral = "lots" }},
		{"zero reserve", func(c *Config) { c.Pool.InitialDebt = "0" }},
		{"zero batch size", func(c *Config) { c.Persistence.BatchSize = 0 }},
		{"zero channel", func(c *Config) { c.Persistence.PersistChanSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Pool.InitialCollateral, cfg.Pool.InitialDebt = "", ""
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.ProvisionPool())
}
