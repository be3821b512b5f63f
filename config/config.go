/*
Package config loads engine configuration from a TOML file over built-in
defaults.

PURPOSE:
  Everything an operator tunes lives here: the HTTP listen address, the
  database path, scheduler cadence, the reward policy knobs, and the
  commission rate-band table. The file overlays DefaultConfig(), so a
  partial config is valid and a missing file runs on defaults.
*/
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/policy"
)

// =============================================================================
// CONFIG SECTIONS
// =============================================================================

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Points     PointsConfig     `toml:"points"`
	Commission CommissionConfig `toml:"commission"`
}

type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	DBPath string `toml:"db_path"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
	// SweepIntervalMinutes is how often the expiry sweep runs.
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
	// SettlementIntervalMinutes is how often the settlement check runs.
	// Settlement itself is idempotent per (agent, period), so running the
	// check frequently is harmless.
	SettlementIntervalMinutes int `toml:"settlement_interval_minutes"`
}

type PointsConfig struct {
	EarnPercent          float64 `toml:"earn_percent"`
	MinOrderValue        float64 `toml:"min_order_value"`
	BlockCODAfterFirst   bool    `toml:"block_cod_after_first"`
	RedemptionCapPercent float64 `toml:"redemption_cap_percent"`
	ExpiryMonths         int     `toml:"expiry_months"`
}

type CommissionConfig struct {
	DefaultRatePercent float64          `toml:"default_rate_percent"`
	Bands              []RateBandConfig `toml:"bands"`
}

// RateBandConfig is one [[commission.bands]] block. MaxAmount <= 0 means
// unbounded above.
type RateBandConfig struct {
	MinAmount   float64 `toml:"min_amount"`
	MaxAmount   float64 `toml:"max_amount"`
	RatePercent float64 `toml:"rate_percent"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// DefaultConfig returns the launch configuration: 10% earn with 4-month
// expiry, 50% redemption cap, 5% flat commission.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:   "127.0.0.1",
			Port:   8080,
			DBPath: "./data/ledger.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:                   true,
			SweepIntervalMinutes:      60,
			SettlementIntervalMinutes: 360,
		},
		Points: PointsConfig{
			EarnPercent:          10,
			MinOrderValue:        0,
			BlockCODAfterFirst:   true,
			RedemptionCapPercent: 50,
			ExpiryMonths:         4,
		},
		Commission: CommissionConfig{
			DefaultRatePercent: 5,
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error: the defaults apply unchanged. An empty path skips the
// file read entirely.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// =============================================================================
// DERIVED OBJECTS
// =============================================================================

// PolicyConfig converts the points section into the policy package's
// decimal-typed configuration.
func (c Config) PolicyConfig() policy.Config {
	return policy.Config{
		EarnPercent:          decimal.NewFromFloat(c.Points.EarnPercent),
		MinOrderValue:        decimal.NewFromFloat(c.Points.MinOrderValue),
		BlockCODAfterFirst:   c.Points.BlockCODAfterFirst,
		RedemptionCapPercent: decimal.NewFromFloat(c.Points.RedemptionCapPercent),
		ExpiryMonths:         c.Points.ExpiryMonths,
	}
}

// RateTable converts the commission section into the engine's band table.
func (c Config) RateTable() commission.RateTable {
	table := commission.RateTable{
		DefaultPercent: decimal.NewFromFloat(c.Commission.DefaultRatePercent),
	}
	for _, b := range c.Commission.Bands {
		band := commission.RateBand{
			MinAmount:   decimal.NewFromFloat(b.MinAmount),
			RatePercent: decimal.NewFromFloat(b.RatePercent),
		}
		if b.MaxAmount > 0 {
			max := decimal.NewFromFloat(b.MaxAmount)
			band.MaxAmount = &max
		}
		table.Bands = append(table.Bands, band)
	}
	return table
}
