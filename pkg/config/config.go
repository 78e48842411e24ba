// Copyright 2024 The apexhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for apexhub: the hub
// listener and timing knobs, engine token credentials, and the alert sink
// endpoints. Files may be YAML or JSON, selected by extension.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/apexsec/apexhub/pkg/auth"
)

// EngineTokenEnv overrides the configured engine tokens with a single plain
// credential when set, so deployments can inject the secret without writing
// it to disk.
const EngineTokenEnv = "APEXHUB_ENGINE_TOKEN"

// TokenConfig is one engine credential entry.
type TokenConfig struct {
	Name      string `yaml:"name" json:"name"`
	Token     string `yaml:"token" json:"token"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig configures engine token validation.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Tokens  []TokenConfig `yaml:"tokens" json:"tokens"`
}

// HubConfig holds the listener and protocol timing settings.
type HubConfig struct {
	NodeID                   string     `yaml:"node_id" json:"node_id"`
	Listen                   string     `yaml:"listen" json:"listen"`
	WSPath                   string     `yaml:"ws_path" json:"ws_path"`
	MetricsAddr              string     `yaml:"metrics_addr" json:"metrics_addr"`
	AdminAddr                string     `yaml:"admin_addr" json:"admin_addr"`
	HeartbeatIntervalSeconds int        `yaml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	SweepIntervalSeconds     int        `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	StaleAfterSeconds        int        `yaml:"stale_after_seconds" json:"stale_after_seconds"`
	StreamTimeoutSeconds     int        `yaml:"stream_timeout_seconds" json:"stream_timeout_seconds"`
	SendMaxAttempts          int        `yaml:"send_max_attempts" json:"send_max_attempts"`
	SendRetryBaseMs          int        `yaml:"send_retry_base_ms" json:"send_retry_base_ms"`
	WriteTimeoutSeconds      int        `yaml:"write_timeout_seconds" json:"write_timeout_seconds"`
	MaxMessageBytes          int64      `yaml:"max_message_bytes" json:"max_message_bytes"`
	Auth                     AuthConfig `yaml:"auth" json:"auth"`
}

// PostgresSinkConfig configures the alert persistence sink.
type PostgresSinkConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	DSN     string `yaml:"dsn" json:"dsn"`
}

// WebhookSinkConfig configures the notification dispatch sink.
type WebhookSinkConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// MQTTSinkConfig configures the MQTT alert publisher.
type MQTTSinkConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	BrokerURL   string `yaml:"broker_url" json:"broker_url"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS         int    `yaml:"qos" json:"qos"`
}

// SinksConfig holds the alert pipeline settings.
type SinksConfig struct {
	QueueSize         int                `yaml:"queue_size" json:"queue_size"`
	NotifyMinSeverity string             `yaml:"notify_min_severity" json:"notify_min_severity"`
	Postgres          PostgresSinkConfig `yaml:"postgres" json:"postgres"`
	Webhook           WebhookSinkConfig  `yaml:"webhook" json:"webhook"`
	MQTT              MQTTSinkConfig     `yaml:"mqtt" json:"mqtt"`
}

// Config holds the complete configuration.
type Config struct {
	Hub   HubConfig   `yaml:"hub" json:"hub"`
	Sinks SinksConfig `yaml:"sinks" json:"sinks"`
}

// DefaultConfig returns a default configuration matching the development
// deployment: listener on :5000, 30 second heartbeats, 60 second staleness,
// and the stock engine token.
func DefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			NodeID:                   "apexhub-node",
			Listen:                   ":5000",
			WSPath:                   "/ws",
			MetricsAddr:              ":8082",
			AdminAddr:                ":8083",
			HeartbeatIntervalSeconds: 30,
			SweepIntervalSeconds:     30,
			StaleAfterSeconds:        60,
			StreamTimeoutSeconds:     10,
			SendMaxAttempts:          3,
			SendRetryBaseMs:          100,
			WriteTimeoutSeconds:      5,
			MaxMessageBytes:          1 << 20,
			Auth: AuthConfig{
				Enabled: true,
				Tokens: []TokenConfig{
					{
						Name:      "primary",
						Token:     "apex_ai_engine_2024",
						Algorithm: "sha256",
						Enabled:   true,
					},
				},
			},
		},
		Sinks: SinksConfig{
			QueueSize:         256,
			NotifyMinSeverity: "high",
			Webhook: WebhookSinkConfig{
				TimeoutSeconds: 5,
			},
			MQTT: MQTTSinkConfig{
				ClientID:    "apexhub-alerts",
				TopicPrefix: "apexhub/alerts",
				QoS:         1,
			},
		},
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// default configuration. The APEXHUB_ENGINE_TOKEN environment variable, when
// set, replaces the configured engine tokens.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		applyEnvOverrides(config)
		return config, nil
	}

	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config = &Config{}
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = ioutil.WriteFile(configPath, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

func applyEnvOverrides(config *Config) {
	if token := os.Getenv(EngineTokenEnv); token != "" {
		config.Hub.Auth.Tokens = []TokenConfig{
			{Name: "env", Token: token, Algorithm: "plain", Enabled: true},
		}
		log.Printf("[INFO] Engine token overridden from %s", EngineTokenEnv)
	}
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	hub := &config.Hub

	if hub.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if hub.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if hub.WSPath == "" || !strings.HasPrefix(hub.WSPath, "/") {
		return fmt.Errorf("ws_path must start with /")
	}
	if hub.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive")
	}
	if hub.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive")
	}
	if hub.StaleAfterSeconds <= hub.HeartbeatIntervalSeconds {
		return fmt.Errorf("stale_after_seconds must exceed heartbeat_interval_seconds")
	}
	if hub.StreamTimeoutSeconds <= 0 {
		return fmt.Errorf("stream_timeout_seconds must be positive")
	}
	if hub.SendMaxAttempts < 1 {
		return fmt.Errorf("send_max_attempts must be at least 1")
	}
	if hub.SendRetryBaseMs < 0 {
		return fmt.Errorf("send_retry_base_ms cannot be negative")
	}
	if hub.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive")
	}

	names := make(map[string]bool)
	for i, token := range hub.Auth.Tokens {
		if token.Name == "" {
			return fmt.Errorf("token %d: name cannot be empty", i)
		}
		if names[token.Name] {
			return fmt.Errorf("duplicate token name: %s", token.Name)
		}
		names[token.Name] = true

		if token.Token == "" {
			return fmt.Errorf("token %s: value cannot be empty", token.Name)
		}

		switch token.Algorithm {
		case "plain", "sha256", "bcrypt":
		default:
			return fmt.Errorf("token %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", token.Name, token.Algorithm)
		}
	}

	sinks := &config.Sinks
	if sinks.QueueSize <= 0 {
		return fmt.Errorf("sink queue_size must be positive")
	}
	switch sinks.NotifyMinSeverity {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("notify_min_severity must be one of: low, medium, high, critical")
	}
	if sinks.Postgres.Enabled && sinks.Postgres.DSN == "" {
		return fmt.Errorf("postgres sink enabled but dsn is empty")
	}
	if sinks.Webhook.Enabled && sinks.Webhook.URL == "" {
		return fmt.Errorf("webhook sink enabled but url is empty")
	}
	if sinks.MQTT.Enabled && sinks.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt sink enabled but broker_url is empty")
	}
	if sinks.MQTT.QoS < 0 || sinks.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	return nil
}

// ConfigureAuth installs the configured engine credentials into the
// validation chain.
func (c *Config) ConfigureAuth(chain *auth.Chain) error {
	chain.Clear()

	if !c.Hub.Auth.Enabled {
		chain.SetEnabled(false)
		log.Println("[INFO] Engine authentication disabled by configuration")
		return nil
	}

	chain.SetEnabled(true)

	validator := auth.NewMemoryValidator()
	for _, tc := range c.Hub.Auth.Tokens {
		algorithm := auth.HashAlgorithm(tc.Algorithm)
		if err := validator.AddToken(tc.Name, tc.Token, algorithm); err != nil {
			return fmt.Errorf("failed to add token %s: %w", tc.Name, err)
		}
		if err := validator.SetTokenEnabled(tc.Name, tc.Enabled); err != nil {
			return fmt.Errorf("failed to set token %s enabled status: %w", tc.Name, err)
		}
		log.Printf("[INFO] Configured engine credential: %s (algorithm: %s, enabled: %t)",
			tc.Name, tc.Algorithm, tc.Enabled)
	}

	chain.AddValidator(validator)
	log.Printf("[INFO] Engine authentication configured with %d credentials", len(c.Hub.Auth.Tokens))

	return nil
}

// Timing accessors converting the integer config fields into durations.

// HeartbeatInterval is how often clients are told to heartbeat.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Hub.HeartbeatIntervalSeconds) * time.Second
}

// SweepInterval is the liveness monitor period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Hub.SweepIntervalSeconds) * time.Second
}

// StaleAfter is the heartbeat age beyond which a connection is evicted.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Hub.StaleAfterSeconds) * time.Second
}

// StreamTimeout is how long the coordinator waits for an engine response.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Hub.StreamTimeoutSeconds) * time.Second
}

// SendRetryBase is the delivery backoff unit.
func (c *Config) SendRetryBase() time.Duration {
	return time.Duration(c.Hub.SendRetryBaseMs) * time.Millisecond
}

// WriteTimeout bounds a single transport write.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Hub.WriteTimeoutSeconds) * time.Second
}

// WebhookTimeout bounds one webhook POST.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Sinks.Webhook.TimeoutSeconds) * time.Second
}
