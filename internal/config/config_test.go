package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DefaultContract, cfg.Contract)
	assert.Equal(t, "memory", cfg.EventIndex)
	assert.True(t, cfg.RenderLive)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, uint64(1), cfg.Confirmations)
	assert.False(t, cfg.DevMode)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("VEHICLEACCESS_DEV", "true")
	t.Setenv("VEHICLEACCESS_DEV_VEHICLES", " V1, V2 ,,")
	t.Setenv("VEHICLEACCESS_EVENT_INDEX", "SQLite")
	t.Setenv("VEHICLEACCESS_CONFIRM_TIMEOUT", "15s")
	t.Setenv("VEHICLEACCESS_GAS_LIMIT", "300000")
	t.Setenv("VEHICLEACCESS_RENDER_LIVE", "0")

	cfg := FromEnv()
	assert.True(t, cfg.DevMode)
	assert.Equal(t, []string{"V1", "V2"}, cfg.DevVehicles)
	assert.Equal(t, "sqlite", cfg.EventIndex)
	assert.Equal(t, 15*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, uint64(300000), cfg.GasLimit)
	assert.False(t, cfg.RenderLive)
}

func TestFromEnv_FailSoft(t *testing.T) {
	t.Setenv("VEHICLEACCESS_EVENT_INDEX", "postgres")
	t.Setenv("VEHICLEACCESS_CONFIRM_TIMEOUT", "soon")
	t.Setenv("VEHICLEACCESS_CONFIRMATIONS", "-3")
	t.Setenv("VEHICLEACCESS_DEV", "maybe")

	cfg := FromEnv()
	assert.Equal(t, "memory", cfg.EventIndex)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, uint64(1), cfg.Confirmations)
	assert.False(t, cfg.DevMode)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte(
		"VEHICLEACCESS_TEST_ONLY_HTTP=:9999\nVEHICLEACCESS_LOG_LEVEL=debug\n"), 0o600))

	t.Setenv("VEHICLEACCESS_LOG_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("VEHICLEACCESS_TEST_ONLY_HTTP") })

	cfg, err := Load(file, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9999", os.Getenv("VEHICLEACCESS_TEST_ONLY_HTTP"))
}

func TestBindFlags_OverrideEnvironment(t *testing.T) {
	t.Setenv("VEHICLEACCESS_HTTP_ADDR", ":7000")
	cfg := FromEnv()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--dev", "--dev-granted=V1,V2", "--confirm-timeout=5s"}))

	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, []string{"V1", "V2"}, cfg.DevGranted)
	assert.Equal(t, 5*time.Second, cfg.ConfirmTimeout)
}
