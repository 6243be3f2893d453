// Package config loads the bridge configuration from YAML with sane
// defaults for every field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full bridge configuration.
type Config struct {
	CAN    CANConfig    `yaml:"can"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type CANConfig struct {
	// Interface is the SocketCAN interface name. The CAN_INTERFACE
	// environment variable overrides it.
	Interface string `yaml:"interface"`
}

type ServerConfig struct {
	Address           string   `yaml:"address"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the built-in configuration: vcan0, localhost:8080, 5 s
// reconnect delay, 30 s heartbeat.
func Default() *Config {
	return &Config{
		CAN: CANConfig{Interface: "vcan0"},
		Server: ServerConfig{
			Address:           "localhost:8080",
			ReconnectDelay:    Duration{5 * time.Second},
			HeartbeatInterval: Duration{30 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. The CAN_INTERFACE environment variable wins over both.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if iface := os.Getenv("CAN_INTERFACE"); iface != "" {
		cfg.CAN.Interface = iface
	}
	return cfg, nil
}

// Duration wraps time.Duration so YAML accepts values like "5s" or "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}
