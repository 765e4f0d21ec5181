package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Nil(t, cfg)
	// The only complaint about an all-defaults config is the missing chain
	// endpoint; simulate mode lifts it.
	assert.Contains(t, err.Error(), "chain endpoint")

	t.Setenv("TOKENMILL_CHAIN_ENDPOINT", "http://localhost:9650")
	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "data/tokenmill.db", cfg.Database.SQLitePath)
	assert.Equal(t, "0 0 0 * * 1", cfg.Schedule.CycleCron)
	assert.Equal(t, Defaults(), cfg.Economy)
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
database:
  sqlite_path: /var/lib/tokenmill/mill.db
chain:
  simulate: true
economy:
  withdraw_tx_fee: 2
  emission_start: 1700000000
schedule:
  cycle_cron: "0 30 1 * * *"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/tokenmill/mill.db", cfg.Database.SQLitePath)
	assert.True(t, cfg.Chain.Simulate)
	assert.Equal(t, "0 30 1 * * *", cfg.Schedule.CycleCron)
	assert.Equal(t, int64(2), cfg.Economy.WithdrawTxFee)
	assert.Equal(t, int64(1700000000), cfg.Economy.EmissionStart)
	// Fields the file does not mention keep their defaults.
	assert.Equal(t, Defaults().GenesisEmission, cfg.Economy.GenesisEmission)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  sqlite_path: from-file.db
chain:
  simulate: true
`)
	t.Setenv("TOKENMILL_DB_PATH", "from-env.db")
	t.Setenv("TOKENMILL_TREASURY_ADDRESS", "treasury-env")
	t.Setenv("TOKENMILL_EMISSION_START", "1234567890")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Database.SQLitePath)
	assert.Equal(t, "treasury-env", cfg.Chain.TreasuryAddress)
	assert.Equal(t, int64(1234567890), cfg.Economy.EmissionStart)
}

func TestLoadRejectsBadEmissionStartEnv(t *testing.T) {
	path := writeConfig(t, "chain:\n  simulate: true\n")
	t.Setenv("TOKENMILL_EMISSION_START", "next tuesday")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Economy: Defaults()}
		cfg.Chain.Simulate = true
		return cfg
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Economy.EmissionIntervalDays = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Economy.GenesisEmission = cfg.Economy.SupplyCap + 1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Economy.EmissionDecayRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Economy.StakerTierPercent = 0.5
	cfg.Economy.TopAgentTierPercent = 0.5
	cfg.Economy.NewAgentTierPercent = 0.5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Economy.WithdrawTxFee = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Economy.PaymentPoolRatio = 0.8
	cfg.Economy.PaymentCreatorRatio = 0.3
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Chain.Simulate = false
	assert.Error(t, cfg.Validate())
	cfg.Chain.Endpoint = "http://localhost:9650"
	assert.NoError(t, cfg.Validate())
}

func TestCycleSeconds(t *testing.T) {
	eco := Defaults()
	assert.Equal(t, int64(7*86400), eco.CycleSeconds())
	eco.EmissionIntervalDays = 1
	assert.Equal(t, int64(86400), eco.CycleSeconds())
}
