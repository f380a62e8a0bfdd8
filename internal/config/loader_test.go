package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  port: 9000
quota:
  store: memory
  per_ip_limit: 5
  per_account_limit: 2
  window: 1h
funder:
  address: "0xfunder"
  key_source: config
  private_key_hex: "0101010101010101010101010101010101010101010101010101010101010101"
  chain_endpoint: "http://localhost:8080"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, validConfig)).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Quota.Store)
	assert.Equal(t, uint64(5), cfg.Quota.PerIPLimit)
	assert.Equal(t, uint64(2), cfg.Quota.PerAccountLimit)
	assert.Equal(t, time.Hour, cfg.Quota.Window)
	assert.Equal(t, "0xfunder", cfg.Funder.Address)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, validConfig)).Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Greater(t, cfg.Quota.ReservationLease, time.Duration(0))
	assert.Greater(t, cfg.Funder.MaxAttempts, 0)
	assert.Greater(t, cfg.Funder.ConfirmationTimeout, time.Duration(0))
	assert.NotZero(t, cfg.Funder.MaximumAmount)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "tap",
		Password: "secret",
		Database: "tap_history",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=tap password=secret dbname=tap_history sslmode=require",
		cfg.GetDSN())
}

func TestLoad_RejectsUnknownStore(t *testing.T) {
	content := `
quota:
  store: cassandra
funder:
  address: "0xfunder"
  private_key_hex: "0101010101010101010101010101010101010101010101010101010101010101"
  chain_endpoint: "http://localhost:8080"
`
	_, err := NewLoader(writeConfig(t, content)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_RequiresFunderKey(t *testing.T) {
	content := `
quota:
  store: memory
funder:
  address: "0xfunder"
  key_source: config
  chain_endpoint: "http://localhost:8080"
`
	_, err := NewLoader(writeConfig(t, content)).Load()
	assert.Error(t, err)
}

func TestLoad_VaultKeySourceNeedsVaultAddress(t *testing.T) {
	content := `
quota:
  store: memory
funder:
  address: "0xfunder"
  key_source: vault
  chain_endpoint: "http://localhost:8080"
`
	_, err := NewLoader(writeConfig(t, content)).Load()
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("TAP_QUOTA_PER_IP_LIMIT", "42")
	cfg, err := NewLoader(writeConfig(t, validConfig)).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Quota.PerIPLimit)
}
