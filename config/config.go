// Package config holds the storectl daemon configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// websocket attach endpoint
	ListenAddr string `yaml:"listen_addr"`
	// prometheus endpoint; empty disables it
	MetricsAddr string `yaml:"metrics_addr"`
	// subscription token secret; empty runs the store ungated
	AuthSecret string `yaml:"auth_secret"`
	// retained chat messages served by the history request
	ChatHistorySize int `yaml:"chat_history_size"`
	// glog -v level
	Verbosity int `yaml:"verbosity"`
}

func Default() *Config {
	return &Config{
		ListenAddr:      ":7301",
		MetricsAddr:     "",
		ChatHistorySize: 256,
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

func (self *Config) Validate() error {
	if self.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if self.ChatHistorySize < 0 {
		return fmt.Errorf("chat_history_size must not be negative")
	}
	if self.Verbosity < 0 {
		return fmt.Errorf("verbosity must not be negative")
	}
	return nil
}
