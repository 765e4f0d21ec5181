// Package config loads the daemon configuration from a YAML file with
// environment variable overrides. The returned Config is validated once and
// never mutated afterwards; components hold a reference and treat it as
// read-only.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/talgya/tokenmill/internal/token"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	Chain struct {
		Endpoint        string `yaml:"endpoint"`
		TreasuryAddress string `yaml:"treasury_address"`
		// Simulate runs against the in-process chain instead of a real
		// endpoint. Used for local development.
		Simulate bool `yaml:"simulate"`
	} `yaml:"chain"`

	Economy Economy `yaml:"economy"`

	Schedule struct {
		// CycleCron triggers the scoring + emission pipeline.
		CycleCron string `yaml:"cycle_cron"`
	} `yaml:"schedule"`

	Notifier struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notifier"`
}

// Economy holds the token-economy constants. The tier percentages are read
// from here by the allocator rather than hard-coded, so a governance change
// is a config change.
type Economy struct {
	WithdrawTxFee         int64   `yaml:"withdraw_tx_fee"`
	MinUserWithdraw       int64   `yaml:"min_user_withdraw"`
	MinCreatorWithdraw    int64   `yaml:"min_creator_withdraw"`
	MinPoolCharge         int64   `yaml:"min_pool_charge"`
	StakingLockingDays    int64   `yaml:"staking_locking_days"`
	AgentStakeLockingDays int64   `yaml:"agent_stake_locking_days"`
	AgentCreationStake    int64   `yaml:"agent_creation_stake"`
	EmissionIntervalDays  int64   `yaml:"emission_interval_days"`
	EmissionStart         int64   `yaml:"emission_start"`
	GenesisEmission       int64   `yaml:"genesis_emission"`
	SupplyCap             int64   `yaml:"supply_cap"`
	EmissionDecayRate     float64 `yaml:"emission_decay_rate"`
	MinStakedPortion      float64 `yaml:"min_staked_portion"`
	StakerTierPercent     float64 `yaml:"staker_tier_percent"`
	TopAgentTierPercent   float64 `yaml:"top_agent_tier_percent"`
	NewAgentTierPercent   float64 `yaml:"new_agent_tier_percent"`
	// PaymentPoolRatio of an inbound payment lands in the agent pool;
	// PaymentCreatorRatio goes to the creator; the remainder to the
	// developer account.
	PaymentPoolRatio    float64 `yaml:"payment_pool_ratio"`
	PaymentCreatorRatio float64 `yaml:"payment_creator_ratio"`
}

// Defaults returns the economy constants currently in force.
func Defaults() Economy {
	return Economy{
		WithdrawTxFee:         1,
		MinUserWithdraw:       10,
		MinCreatorWithdraw:    10,
		MinPoolCharge:         10,
		StakingLockingDays:    90,
		AgentStakeLockingDays: 90,
		AgentCreationStake:    10000,
		EmissionIntervalDays:  7,
		GenesisEmission:       20_000_000,
		SupplyCap:             token.SupplyCap,
		EmissionDecayRate:     0.015,
		MinStakedPortion:      0.3,
		StakerTierPercent:     0.08,
		TopAgentTierPercent:   0.603,
		NewAgentTierPercent:   0.18,
		PaymentPoolRatio:      0.69,
		PaymentCreatorRatio:   0.30,
	}
}

// Load reads config from a YAML file, then applies environment variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Economy = Defaults()
	cfg.LogLevel = "info"
	cfg.Database.SQLitePath = "data/tokenmill.db"
	cfg.Schedule.CycleCron = "0 0 0 * * 1"

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TOKENMILL_DB_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("TOKENMILL_CHAIN_ENDPOINT"); v != "" {
		cfg.Chain.Endpoint = v
	}
	if v := os.Getenv("TOKENMILL_TREASURY_ADDRESS"); v != "" {
		cfg.Chain.TreasuryAddress = v
	}
	if v := os.Getenv("TOKENMILL_WEBHOOK_URL"); v != "" {
		cfg.Notifier.WebhookURL = v
	}
	if v := os.Getenv("TOKENMILL_EMISSION_START"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse TOKENMILL_EMISSION_START: %w", err)
		}
		cfg.Economy.EmissionStart = ts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	e := c.Economy
	if e.EmissionIntervalDays <= 0 {
		return fmt.Errorf("emission_interval_days must be positive, got %d", e.EmissionIntervalDays)
	}
	if e.SupplyCap <= 0 {
		return fmt.Errorf("supply_cap must be positive, got %d", e.SupplyCap)
	}
	if e.GenesisEmission <= 0 || e.GenesisEmission > e.SupplyCap {
		return fmt.Errorf("genesis_emission %d out of range (0, %d]", e.GenesisEmission, e.SupplyCap)
	}
	if e.EmissionDecayRate <= 0 || e.EmissionDecayRate >= 1 {
		return fmt.Errorf("emission_decay_rate %f out of range (0, 1)", e.EmissionDecayRate)
	}
	tierSum := e.StakerTierPercent + e.TopAgentTierPercent + e.NewAgentTierPercent
	if tierSum > 1 {
		return fmt.Errorf("tier percentages sum to %f, must not exceed 1", tierSum)
	}
	if e.WithdrawTxFee < 0 {
		return fmt.Errorf("withdraw_tx_fee must not be negative, got %d", e.WithdrawTxFee)
	}
	if e.PaymentPoolRatio+e.PaymentCreatorRatio > 1 {
		return fmt.Errorf("payment ratios sum to %f, must not exceed 1",
			e.PaymentPoolRatio+e.PaymentCreatorRatio)
	}
	if !c.Chain.Simulate && c.Chain.Endpoint == "" {
		return fmt.Errorf("chain endpoint is required unless chain.simulate is set")
	}
	return nil
}

// CycleSeconds returns the length of an emission cycle in seconds.
func (e Economy) CycleSeconds() int64 {
	return e.EmissionIntervalDays * 86400
}
