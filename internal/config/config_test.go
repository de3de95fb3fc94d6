package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "data", cfg.Cache.DataDir)
	require.InDelta(t, 500.0, cfg.Cache.PersistentBudgetGB, 0.001)
	require.Equal(t, 2, cfg.Pools.Convert)
	require.Equal(t, int64(500_000), cfg.Upstream.MinPayloadBytes)
	require.Equal(t, 10*time.Second, cfg.AcquireTimeout())
	require.Equal(t, 2*time.Hour, cfg.ProtectionWindow())
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
cache:
  data_dir: /var/lib/nwpcache
  rotating_budget_gb: 32
pools:
  convert: 1
ingest:
  slot_overrides:
    hrrr: 6
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "/var/lib/nwpcache", cfg.Cache.DataDir)
	require.InDelta(t, 32.0, cfg.Cache.RotatingBudgetGB, 0.001)
	require.Equal(t, 1, cfg.Pools.Convert)
	require.Equal(t, 6, cfg.Ingest.SlotOverrides["hrrr"])
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty data dir", func(c *Config) { c.Cache.DataDir = "" }},
		{"zero rotating budget", func(c *Config) { c.Cache.RotatingBudgetGB = 0 }},
		{"bad low water", func(c *Config) { c.Cache.LowWaterFraction = 1.5 }},
		{"zero render pool", func(c *Config) { c.Pools.Render = 0 }},
		{"zero attempts", func(c *Config) { c.Ingest.MaxAttempts = 0 }},
		{"negative slot override", func(c *Config) { c.Ingest.SlotOverrides = map[string]int{"gfs": -1} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
