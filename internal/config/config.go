package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "orderline.yml"

// Config models orderline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		TokenTTL  string `yaml:"token_ttl"`
		// DevTokens enables the unauthenticated token-minting endpoint.
		// Local development only.
		DevTokens bool `yaml:"dev_tokens"`
	} `yaml:"auth"`
	Realtime struct {
		SendBuffer    int    `yaml:"send_buffer"`
		IdleBound     string `yaml:"idle_bound"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"realtime"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one event-journal subscriber.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Types  []string `yaml:"types"`
}

// Path returns the config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Default returns a runnable local configuration.
func Default() *Config {
	c := &Config{}
	c.Server.Addr = "127.0.0.1:8787"
	c.Server.BasePath = "/v1"
	c.Auth.TokenTTL = "720h"
	c.Realtime.SendBuffer = 64
	c.Realtime.IdleBound = "5m"
	c.Realtime.SweepInterval = "2m"
	return c
}

// Load reads config from the workspace, falling back to defaults when the
// file is missing.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures durations parse and webhook entries are complete.
func (c *Config) Validate() error {
	if _, err := c.TokenTTL(); err != nil {
		return fmt.Errorf("auth.token_ttl: %w", err)
	}
	if _, err := c.IdleBound(); err != nil {
		return fmt.Errorf("realtime.idle_bound: %w", err)
	}
	if _, err := c.SweepInterval(); err != nil {
		return fmt.Errorf("realtime.sweep_interval: %w", err)
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (c *Config) TokenTTL() (time.Duration, error) {
	return time.ParseDuration(c.Auth.TokenTTL)
}

func (c *Config) IdleBound() (time.Duration, error) {
	return time.ParseDuration(c.Realtime.IdleBound)
}

func (c *Config) SweepInterval() (time.Duration, error) {
	return time.ParseDuration(c.Realtime.SweepInterval)
}
