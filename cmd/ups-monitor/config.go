package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ups-monitor/internal/upsapi"
)

type Config struct {
	Server struct {
		URL            string   `yaml:"url"`
		ConnectionID   string   `yaml:"connection_id"`
		Devices        []string `yaml:"devices"`
		ReconnectDelay string   `yaml:"reconnect_delay"`
	} `yaml:"server"`
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
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if err := upsapi.ValidateServerURL(c.Server.URL); err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if _, err := c.reconnectDelay(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// reconnectDelay parses server.reconnect_delay. Zero means the stream
// client default.
func (c *Config) reconnectDelay() (time.Duration, error) {
	if c.Server.ReconnectDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Server.ReconnectDelay)
	if err != nil {
		return 0, fmt.Errorf("server.reconnect_delay: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("server.reconnect_delay must not be negative")
	}
	return d, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ups-monitor.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "ups-monitor"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// applyEnvOverrides updates cfg in place from the environment.
// Recognized variables:
//   - UPS_MONITOR_SERVER_URL overrides server.url
//   - UPS_MONITOR_API_KEY overrides web.api_key
//   - UPS_MONITOR_MQTT_PASSWORD overrides mqtt.password
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("UPS_MONITOR_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if key := os.Getenv("UPS_MONITOR_API_KEY"); key != "" {
		cfg.Web.APIKey = key
	}
	if pw := os.Getenv("UPS_MONITOR_MQTT_PASSWORD"); pw != "" {
		cfg.MQTT.Password = pw
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
