// Package config loads orchestrator configuration from an optional YAML
// file with environment variable overrides. A .env file is honored when
// present so local development matches deployed environments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Canary    CanaryConfig    `yaml:"canary"`
	BlueGreen BlueGreenConfig `yaml:"bluegreen"`
	Rollback  RollbackConfig  `yaml:"rollback"`
	Slack     SlackConfig     `yaml:"slack"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP API listener
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig configures persistence
type StorageConfig struct {
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`
}

// CanaryConfig tunes the canary controller
type CanaryConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// ProbeEndpoints answers health check and smoke test endpoints with
	// live HTTP probes instead of the metrics provider
	ProbeEndpoints bool `yaml:"probe_endpoints"`
}

// BlueGreenConfig tunes the blue-green promoter
type BlueGreenConfig struct {
	InstancesPerEnv int           `yaml:"instances_per_env"`
	InitialVersion  string        `yaml:"initial_version"`
	DeployTimeout   time.Duration `yaml:"deploy_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	CutoverDuration time.Duration `yaml:"cutover_duration"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// RollbackConfig tunes the rollback engine
type RollbackConfig struct {
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	TxRetention     time.Duration `yaml:"tx_retention"`
}

// SlackConfig configures operator notifications. An empty token disables
// Slack delivery.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
	Debug   bool   `yaml:"debug"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Address: ":8080"},
		Storage: StorageConfig{DataDir: "/var/lib/helmsman"},
		Canary:  CanaryConfig{MonitorInterval: 10 * time.Second},
		BlueGreen: BlueGreenConfig{
			InstancesPerEnv: 2,
			InitialVersion:  "1.0.0",
			DeployTimeout:   5 * time.Minute,
			HealthInterval:  5 * time.Second,
			CutoverDuration: 10 * time.Minute,
			DrainTimeout:    30 * time.Second,
		},
		Rollback: RollbackConfig{
			ApprovalTimeout: 5 * time.Minute,
			TxRetention:     7 * 24 * time.Hour,
		},
		Slack: SlackConfig{Channel: "#trading-deploys"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads configuration from the given YAML file (skipped when path is
// empty or the file does not exist), then applies environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Address = getEnv("HELMSMAN_LISTEN_ADDRESS", c.Server.Address)
	c.Storage.DataDir = getEnv("HELMSMAN_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("HELMSMAN_IN_MEMORY", c.Storage.InMemory)
	c.Canary.MonitorInterval = getEnvDuration("HELMSMAN_MONITOR_INTERVAL", c.Canary.MonitorInterval)
	c.Canary.ProbeEndpoints = getEnvBool("HELMSMAN_PROBE_ENDPOINTS", c.Canary.ProbeEndpoints)
	c.BlueGreen.CutoverDuration = getEnvDuration("HELMSMAN_CUTOVER_DURATION", c.BlueGreen.CutoverDuration)
	c.BlueGreen.DrainTimeout = getEnvDuration("HELMSMAN_DRAIN_TIMEOUT", c.BlueGreen.DrainTimeout)
	c.Rollback.ApprovalTimeout = getEnvDuration("HELMSMAN_APPROVAL_TIMEOUT", c.Rollback.ApprovalTimeout)
	c.Slack.Token = getEnv("HELMSMAN_SLACK_TOKEN", c.Slack.Token)
	c.Slack.Channel = getEnv("HELMSMAN_SLACK_CHANNEL", c.Slack.Channel)
	c.Log.Level = getEnv("HELMSMAN_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvBool("HELMSMAN_LOG_PRETTY", c.Log.Pretty)
}

func getEnv(key, fallback string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	return value
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
