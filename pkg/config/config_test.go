package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexsec/apexhub/pkg/auth"
)

func createTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "apexhub-node", cfg.Hub.NodeID)
	assert.Equal(t, ":5000", cfg.Hub.Listen)
	assert.Equal(t, "/ws", cfg.Hub.WSPath)
	assert.Equal(t, ":8082", cfg.Hub.MetricsAddr)
	assert.Equal(t, ":8083", cfg.Hub.AdminAddr)
	assert.Equal(t, 30, cfg.Hub.HeartbeatIntervalSeconds)
	assert.Equal(t, 60, cfg.Hub.StaleAfterSeconds)

	assert.True(t, cfg.Hub.Auth.Enabled)
	require.Len(t, cfg.Hub.Auth.Tokens, 1)
	assert.Equal(t, "primary", cfg.Hub.Auth.Tokens[0].Name)
	assert.Equal(t, "sha256", cfg.Hub.Auth.Tokens[0].Algorithm)
	assert.True(t, cfg.Hub.Auth.Tokens[0].Enabled)

	assert.Equal(t, 256, cfg.Sinks.QueueSize)
	assert.Equal(t, "high", cfg.Sinks.NotifyMinSeverity)
	assert.False(t, cfg.Sinks.Postgres.Enabled)
	assert.False(t, cfg.Sinks.Webhook.Enabled)
	assert.False(t, cfg.Sinks.MQTT.Enabled)

	require.NoError(t, validateConfig(cfg))
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
hub:
  node_id: test-node
  listen: ":5001"
  ws_path: /ws
  metrics_addr: ":9082"
  admin_addr: ":9083"
  heartbeat_interval_seconds: 10
  sweep_interval_seconds: 10
  stale_after_seconds: 20
  stream_timeout_seconds: 5
  send_max_attempts: 2
  send_retry_base_ms: 50
  write_timeout_seconds: 3
  max_message_bytes: 65536
  auth:
    enabled: true
    tokens:
    - name: primary
      token: secret-token
      algorithm: bcrypt
      enabled: true
    - name: standby
      token: other-token
      algorithm: sha256
      enabled: false
sinks:
  queue_size: 64
  notify_min_severity: medium
  webhook:
    enabled: true
    url: http://localhost:9000/notify
    timeout_seconds: 2
`
	path := createTempFile(t, "hub.yaml", yamlContent)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.Hub.NodeID)
	assert.Equal(t, ":5001", cfg.Hub.Listen)
	assert.Equal(t, 10, cfg.Hub.HeartbeatIntervalSeconds)
	require.Len(t, cfg.Hub.Auth.Tokens, 2)
	assert.Equal(t, "standby", cfg.Hub.Auth.Tokens[1].Name)
	assert.False(t, cfg.Hub.Auth.Tokens[1].Enabled)
	assert.Equal(t, 64, cfg.Sinks.QueueSize)
	assert.Equal(t, "medium", cfg.Sinks.NotifyMinSeverity)
	assert.True(t, cfg.Sinks.Webhook.Enabled)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "hub": {
    "node_id": "json-node",
    "listen": ":5002",
    "ws_path": "/ws",
    "heartbeat_interval_seconds": 15,
    "sweep_interval_seconds": 15,
    "stale_after_seconds": 45,
    "stream_timeout_seconds": 8,
    "send_max_attempts": 3,
    "send_retry_base_ms": 100,
    "write_timeout_seconds": 5,
    "max_message_bytes": 1048576,
    "auth": {"enabled": false, "tokens": []}
  },
  "sinks": {"queue_size": 128, "notify_min_severity": "high"}
}`
	path := createTempFile(t, "hub.json", jsonContent)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "json-node", cfg.Hub.NodeID)
	assert.False(t, cfg.Hub.Auth.Enabled)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := LoadConfig("nonexistent.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	cfg, err := LoadConfig("")
	assert.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "apexhub-node", cfg.Hub.NodeID)
}

func TestLoadConfigInvalid(t *testing.T) {
	invalidYAML := `
hub:
  node_id: test
  invalid_yaml: [unclosed array
`
	path := createTempFile(t, "invalid.yaml", invalidYAML)
	_, err := LoadConfig(path)
	assert.Error(t, err)

	unsupported := createTempFile(t, "config.toml", "node_id = 'x'")
	_, err = LoadConfig(unsupported)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestSaveAndReloadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hub.NodeID = "save-test-node"

	for _, name := range []string{"save_test.yaml", "save_test.json"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, SaveConfig(cfg, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "save-test-node", loaded.Hub.NodeID)
	}

	assert.Error(t, SaveConfig(cfg, filepath.Join(t.TempDir(), "bad.toml")))
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.Hub.NodeID = "" }},
		{"empty listen", func(c *Config) { c.Hub.Listen = "" }},
		{"bad ws path", func(c *Config) { c.Hub.WSPath = "ws" }},
		{"zero heartbeat", func(c *Config) { c.Hub.HeartbeatIntervalSeconds = 0 }},
		{"zero sweep", func(c *Config) { c.Hub.SweepIntervalSeconds = 0 }},
		{"stale not above heartbeat", func(c *Config) { c.Hub.StaleAfterSeconds = 30 }},
		{"zero stream timeout", func(c *Config) { c.Hub.StreamTimeoutSeconds = 0 }},
		{"zero send attempts", func(c *Config) { c.Hub.SendMaxAttempts = 0 }},
		{"negative retry base", func(c *Config) { c.Hub.SendRetryBaseMs = -1 }},
		{"zero max message", func(c *Config) { c.Hub.MaxMessageBytes = 0 }},
		{"unnamed token", func(c *Config) { c.Hub.Auth.Tokens[0].Name = "" }},
		{"empty token value", func(c *Config) { c.Hub.Auth.Tokens[0].Token = "" }},
		{"bad token algorithm", func(c *Config) { c.Hub.Auth.Tokens[0].Algorithm = "md5" }},
		{"duplicate token names", func(c *Config) {
			c.Hub.Auth.Tokens = append(c.Hub.Auth.Tokens, c.Hub.Auth.Tokens[0])
		}},
		{"zero queue size", func(c *Config) { c.Sinks.QueueSize = 0 }},
		{"bad severity", func(c *Config) { c.Sinks.NotifyMinSeverity = "urgent" }},
		{"postgres without dsn", func(c *Config) { c.Sinks.Postgres.Enabled = true }},
		{"webhook without url", func(c *Config) { c.Sinks.Webhook.Enabled = true }},
		{"mqtt without broker", func(c *Config) { c.Sinks.MQTT.Enabled = true }},
		{"mqtt bad qos", func(c *Config) { c.Sinks.MQTT.QoS = 3 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}

func TestConfigureAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hub.Auth.Tokens = []TokenConfig{
		{Name: "primary", Token: "secret-one", Algorithm: "plain", Enabled: true},
		{Name: "retired", Token: "secret-two", Algorithm: "plain", Enabled: false},
	}

	chain := auth.NewChain()
	require.NoError(t, cfg.ConfigureAuth(chain))
	assert.True(t, chain.IsEnabled())
	assert.Equal(t, 1, chain.Count())

	assert.Equal(t, auth.AuthSuccess, chain.Validate("secret-one"))
	assert.Equal(t, auth.AuthFailure, chain.Validate("secret-two"), "disabled credential must not match")
	assert.Equal(t, auth.AuthFailure, chain.Validate("wrong"))
}

func TestConfigureAuthDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hub.Auth.Enabled = false

	chain := auth.NewChain()
	require.NoError(t, cfg.ConfigureAuth(chain))
	assert.False(t, chain.IsEnabled())
	assert.Equal(t, auth.AuthIgnore, chain.Validate("anything"))
}

func TestEngineTokenEnvOverride(t *testing.T) {
	t.Setenv(EngineTokenEnv, "env-injected-token")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Len(t, cfg.Hub.Auth.Tokens, 1)
	assert.Equal(t, "env", cfg.Hub.Auth.Tokens[0].Name)
	assert.Equal(t, "env-injected-token", cfg.Hub.Auth.Tokens[0].Token)
	assert.Equal(t, "plain", cfg.Hub.Auth.Tokens[0].Algorithm)
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
	assert.Equal(t, 60*time.Second, cfg.StaleAfter())
	assert.Equal(t, 10*time.Second, cfg.StreamTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.SendRetryBase())
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout())
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout())
}
