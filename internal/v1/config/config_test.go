package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getenvFromMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	_, err := Load(getenvFromMap(map[string]string{"PORT": "8080"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoadRejectsShortSecret(t *testing.T) {
	_, err := Load(getenvFromMap(map[string]string{
		"JWT_SECRET": "too-short",
		"PORT":       "8080",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	_, err := Load(getenvFromMap(map[string]string{
		"JWT_SECRET": "0123456789012345678901234567890123",
		"PORT":       "not-a-port",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
}

func TestLoadAggregatesMultipleErrors(t *testing.T) {
	_, err := Load(getenvFromMap(map[string]string{
		"PORT":       "99999",
		"STORE_ADDR": "not-host-port",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
	assert.Contains(t, err.Error(), "STORE_ADDR must be in format")
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(getenvFromMap(map[string]string{
		"JWT_SECRET": "0123456789012345678901234567890123",
	}))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.StoreAddr)
	assert.Equal(t, "gateway", cfg.StatePrefix)
	assert.Equal(t, 10000, cfg.CheckIntervalMs)
	assert.Equal(t, 95.0, cfg.CPUCritical)
	assert.Equal(t, 3, cfg.BackendMaxRetries)
	assert.True(t, cfg.StoreEnabled)
}

func TestLoadHonorsOverrides(t *testing.T) {
	cfg, err := Load(getenvFromMap(map[string]string{
		"JWT_SECRET":       "0123456789012345678901234567890123",
		"STORE_ENABLED":    "false",
		"MAX_RETRIES":      "5",
		"BACKEND_MAX_RETRIES": "7",
	}))
	require.NoError(t, err)
	assert.False(t, cfg.StoreEnabled)
	assert.Equal(t, 7, cfg.BackendMaxRetries)
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "abcdefgh***", redactSecret("abcdefghijklmnop"))
}
