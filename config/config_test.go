package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/config"
)

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	assert.Equal(t, "./data/ledger.db", cfg.Server.DBPath)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 60, cfg.Scheduler.SweepIntervalMinutes)
	assert.Equal(t, 360, cfg.Scheduler.SettlementIntervalMinutes)
	assert.Equal(t, 10.0, cfg.Points.EarnPercent)
	assert.Equal(t, 4, cfg.Points.ExpiryMonths)
	assert.Equal(t, 50.0, cfg.Points.RedemptionCapPercent)
	assert.True(t, cfg.Points.BlockCODAfterFirst)
	assert.Equal(t, 5.0, cfg.Commission.DefaultRatePercent)
	assert.Empty(t, cfg.Commission.Bands)
}

// =============================================================================
// LOADING
// =============================================================================

func TestLoad_MissingFileRunsOnDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/ledger.toml")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoad_EmptyPathSkipsFileRead(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoad_PartialFileOverlaysDefaults(t *testing.T) {
	// GIVEN: A config file that only tunes the port and the earn percent
	// WHEN: It is loaded
	// THEN: Named keys override; everything else keeps its default

	path := filepath.Join(t.TempDir(), "ledger.toml")
	content := `
[server]
port = 9090

[points]
earn_percent = 7.5

[commission]
default_rate_percent = 4.0

[[commission.bands]]
min_amount = 0.0
max_amount = 1000.0
rate_percent = 3.0

[[commission.bands]]
min_amount = 1000.0
max_amount = 0.0
rate_percent = 6.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "untouched keys keep defaults")
	assert.Equal(t, 7.5, cfg.Points.EarnPercent)
	assert.Equal(t, 4, cfg.Points.ExpiryMonths)
	require.Len(t, cfg.Commission.Bands, 2)
	assert.Equal(t, 3.0, cfg.Commission.Bands[0].RatePercent)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nport="), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

// =============================================================================
// DERIVED OBJECTS
// =============================================================================

func TestPolicyConfig_Conversion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Points.EarnPercent = 7.5
	cfg.Points.MinOrderValue = 250

	pc := cfg.PolicyConfig()
	assert.True(t, pc.EarnPercent.Equal(decimal.NewFromFloat(7.5)))
	assert.True(t, pc.MinOrderValue.Equal(decimal.NewFromInt(250)))
	assert.True(t, pc.BlockCODAfterFirst)
	assert.Equal(t, 4, pc.ExpiryMonths)
}

func TestRateTable_Conversion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Commission.Bands = []config.RateBandConfig{
		{MinAmount: 0, MaxAmount: 1000, RatePercent: 3},
		{MinAmount: 1000, MaxAmount: 0, RatePercent: 6}, // max <= 0: unbounded
	}

	table := cfg.RateTable()
	assert.True(t, table.DefaultPercent.Equal(decimal.NewFromInt(5)))
	require.Len(t, table.Bands, 2)

	require.NotNil(t, table.Bands[0].MaxAmount)
	assert.True(t, table.Bands[0].MaxAmount.Equal(decimal.NewFromInt(1000)))
	assert.Nil(t, table.Bands[1].MaxAmount, "zero max converts to unbounded")

	assert.True(t, table.RateFor(decimal.NewFromInt(500)).Equal(decimal.NewFromInt(3)))
	assert.True(t, table.RateFor(decimal.NewFromInt(5000)).Equal(decimal.NewFromInt(6)))
}
