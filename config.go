package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/mqtt"
	"github.com/mil-ad/rfkilld/internal/rfkill"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Logging logger.Config `yaml:"logging"`
	DBus    DBusConfig    `yaml:"dbus"`
	MQTT    mqtt.Config   `yaml:"mqtt"`
	HTTP    HTTPConfig    `yaml:"http"`

	// Preferred names the device the `device` command reports when given
	// no argument.
	Preferred string `yaml:"preferred"`
}

type NodeConfig struct {
	Path         string        `yaml:"path"`
	NameTemplate string        `yaml:"name_template"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type DBusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bus     string `yaml:"bus"` // "session" or "system"
	Name    string `yaml:"name"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP server
}

func defaultConfig() Config {
	return Config{
		Node: NodeConfig{
			Path:         rfkill.DefaultNodePath,
			NameTemplate: rfkill.DefaultNameTemplate,
			InitialDelay: rfkill.DefaultInitialDelay,
			RetryDelay:   rfkill.DefaultRetryDelay,
		},
		Logging: logger.Config{Level: "info"},
		DBus:    DBusConfig{Enabled: true, Bus: "session", Name: defaultBusName},
		MQTT: mqtt.Config{
			Port:              1883,
			ClientID:          "rfkilld",
			QoS:               1,
			TopicPrefix:       mqtt.DefaultTopicPrefix,
			ReconnectDelay:    5,
			MaxReconnectDelay: 60,
		},
	}
}

func configPath() string {
	if p := os.Getenv("RFKILLD_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "rfkilld", "config.yaml")
}

// loadConfig reads the config file over the defaults. A missing file is not
// an error.
func loadConfig() (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(configPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RFKILLD_NODE"); v != "" {
		cfg.Node.Path = v
	}
	if v := os.Getenv("RFKILLD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c Config) validate() error {
	if c.Node.Path == "" {
		return errors.New("node.path is empty")
	}
	if c.Node.InitialDelay <= 0 || c.Node.RetryDelay <= 0 {
		return errors.New("node delays must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		return errors.New("mqtt.host is required when mqtt is enabled")
	}
	switch c.DBus.Bus {
	case "session", "system":
	default:
		return fmt.Errorf("dbus.bus must be session or system, got %q", c.DBus.Bus)
	}
	return nil
}

func (c Config) monitorConfig() rfkill.Config {
	return rfkill.Config{
		NodePath:     c.Node.Path,
		NameTemplate: c.Node.NameTemplate,
		InitialDelay: c.Node.InitialDelay,
		RetryDelay:   c.Node.RetryDelay,
	}
}
