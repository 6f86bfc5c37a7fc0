package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
	Agents    AgentsConfig    `yaml:"agents"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"tickInterval"`
	MaxConcurrency  int           `yaml:"maxConcurrency"`
	LeaseGrace      time.Duration `yaml:"leaseGrace"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type HistoryConfig struct {
	// Retention is how long finalized execution records are kept.
	Retention time.Duration `yaml:"retention"`
	// Window is the span successRate is computed over.
	Window time.Duration `yaml:"window"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type AgentsConfig struct {
	Shell         ShellAgentConfig   `yaml:"shell"`
	Webhook       WebhookAgentConfig `yaml:"webhook"`
	SystemMonitor MonitorAgentConfig `yaml:"systemMonitor"`
}

type ShellAgentConfig struct {
	Enabled bool `yaml:"enabled"`
	// Allowed restricts commands to these executables; empty allows any.
	Allowed []string `yaml:"allowed"`
}

type WebhookAgentConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type MonitorAgentConfig struct {
	Paths []string `yaml:"paths"`
}

var AppConfig *Config

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8990,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Path: "./data/scheduler.db",
		},
		Scheduler: SchedulerConfig{
			TickInterval:    time.Second,
			MaxConcurrency:  8,
			LeaseGrace:      30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		History: HistoryConfig{
			Retention: 30 * 24 * time.Hour,
			Window:    7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		Agents: AgentsConfig{
			Shell:   ShellAgentConfig{Enabled: false},
			Webhook: WebhookAgentConfig{Timeout: 30 * time.Second},
		},
	}
}

func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Override with environment variables
	if port := os.Getenv("SCHEDULER_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			config.Server.Port = p
		}
	}
	if dbPath := os.Getenv("SCHEDULER_DB_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if level := os.Getenv("SCHEDULER_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	AppConfig = config
	return config, nil
}

// Validate rejects values the scheduler cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Scheduler.TickInterval <= 0:
		return fmt.Errorf("scheduler.tickInterval must be positive")
	case c.Scheduler.MaxConcurrency <= 0:
		return fmt.Errorf("scheduler.maxConcurrency must be positive")
	case c.History.Window <= 0:
		return fmt.Errorf("history.window must be positive")
	}
	return nil
}
