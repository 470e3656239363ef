package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0, cfg.Reconnect.MaxAttempts, "reconnect retries forever by default")
	assert.Equal(t, 1000, cfg.Reconnect.InitialDelayMs)
	assert.Equal(t, 5000, cfg.Reconnect.MaxDelayMs)
	assert.Equal(t, 20, cfg.Channel.ConnectTimeoutSec)
	assert.Equal(t, 3000, cfg.Channel.TypingExpiryMs)
	assert.Equal(t, 200, cfg.Channel.DiagCapacity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket url", func(c *Config) { c.Server.SocketURL = "" }},
		{"http scheme", func(c *Config) { c.Server.SocketURL = "https://example.com/socket" }},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"zero initial delay", func(c *Config) { c.Reconnect.InitialDelayMs = 0 }},
		{"max below initial", func(c *Config) { c.Reconnect.MaxDelayMs = 500 }},
		{"zero connect timeout", func(c *Config) { c.Channel.ConnectTimeoutSec = 0 }},
		{"zero typing expiry", func(c *Config) { c.Channel.TypingExpiryMs = 0 }},
		{"zero diag capacity", func(c *Config) { c.Channel.DiagCapacity = 0 }},
		{"no ice servers", func(c *Config) { c.Media.ICEServers = nil }},
		{"turn server", func(c *Config) { c.Media.ICEServers = []string{"turn:relay.example.com"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comms.json")
	body := `{"server":{"socket_url":"ws://localhost:9000/socket"},"reconnect":{"initial_delay_ms":250,"max_delay_ms":2000}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9000/socket", cfg.Server.SocketURL)
	assert.Equal(t, 250, cfg.Reconnect.InitialDelayMs)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Channel.AckTimeoutSec)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Media.ICEServers)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comms.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"server":{"socket_url":"ws://h/s"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://h/s", cfg.Server.SocketURL)
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "comms.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Server.SocketURL = "not-a-url"
	err := Save(filepath.Join(t.TempDir(), "comms.json"), cfg)
	assert.Error(t, err)
}
