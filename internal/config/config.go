// Package config loads and saves the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mihome-go/internal/device"
)

// Config is the service configuration.
type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	HomeKit struct {
		Enabled     bool   `yaml:"enabled"`
		Pin         string `yaml:"pin"`
		Port        string `yaml:"port"`
		StoragePath string `yaml:"storage_path"`
		BridgeName  string `yaml:"bridge_name"`
	} `yaml:"homekit"`
	Command struct {
		Timeout string `yaml:"timeout"`
		Port    int    `yaml:"port"`
	} `yaml:"command"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Wizard struct {
		IdleTimeout string `yaml:"idle_timeout"`
	} `yaml:"wizard"`
	Devices []device.Definition `yaml:"devices"`
}

// Load reads path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "mihome.db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mihome"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.HomeKit.StoragePath == "" {
		c.HomeKit.StoragePath = "homekit"
	}
	if c.HomeKit.BridgeName == "" {
		c.HomeKit.BridgeName = "MiHome Bridge"
	}
	if c.Command.Timeout == "" {
		c.Command.Timeout = "2s"
	}
	if c.Command.Port == 0 {
		c.Command.Port = 54321
	}
	if c.Wizard.IdleTimeout == "" {
		c.Wizard.IdleTimeout = "30m"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

var pinPattern = regexp.MustCompile(`^\d{8}$`)

// Validate checks the configuration for mistakes that would stop startup.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}
	if _, err := c.CommandTimeout(); err != nil {
		return err
	}
	if _, err := c.WizardIdleTimeout(); err != nil {
		return err
	}
	if c.Command.Port < 1 || c.Command.Port > 65535 {
		return fmt.Errorf("command.port must be 1-65535, got %d", c.Command.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.HomeKit.Enabled && !pinPattern.MatchString(c.HomeKit.Pin) {
		return fmt.Errorf("homekit.pin must be 8 digits")
	}
	return nil
}

// CommandTimeout returns the per-command send deadline.
func (c *Config) CommandTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Command.Timeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("command.timeout: invalid duration %q", c.Command.Timeout)
	}
	return d, nil
}

// WizardIdleTimeout returns how long an idle wizard session is kept.
func (c *Config) WizardIdleTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Wizard.IdleTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("wizard.idle_timeout: invalid duration %q", c.Wizard.IdleTimeout)
	}
	return d, nil
}
