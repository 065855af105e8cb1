package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 1, cfg.Network.NumPorts)
	assert.True(t, cfg.Network.EnableBusLoad)
	assert.Equal(t, 4, cfg.Network.MaxTxSessionsPerPort)
	assert.Equal(t, 32, cfg.Network.RxBatchPerUpdate)
	assert.Equal(t, uint32(6000), cfg.TCClient.TimeoutMS)
	assert.False(t, cfg.TCClient.RetryOnPoolError)
	assert.Equal(t, uint8(4), cfg.TCServer.TCVersion)
	assert.Equal(t, uint32(2000), cfg.TCServer.StatusIntervalMS)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
logging:
  level: DEBUG
  format: json
network:
  num_ports: 2
tc_server:
  tc_number: 3
  num_sections: 32
  options: [documentation, peer_control]
metrics:
  enabled: true
  listen: "127.0.0.1:9999"
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 2, cfg.Network.NumPorts)
	assert.Equal(t, uint8(3), cfg.TCServer.TCNumber)
	assert.Equal(t, uint8(32), cfg.TCServer.NumSections)
	assert.Equal(t, []string{"documentation", "peer_control"}, cfg.TCServer.Options)
	assert.True(t, cfg.Metrics.Enabled)

	// Unset keys keep their defaults.
	assert.Equal(t, uint32(6000), cfg.TCClient.TimeoutMS)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: LOUD\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/agrobus.yaml")
	assert.Error(t, err)
}

func TestOptionBits(t *testing.T) {
	cfg := TCServerConfig{Options: []string{"documentation", "peer_control", "implement_section_control"}}
	assert.Equal(t, uint8(0x19), cfg.OptionBits())
	assert.Zero(t, TCServerConfig{}.OptionBits())
}
