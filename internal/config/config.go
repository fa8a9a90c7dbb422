// Package config loads runtime configuration: defaults, then bub.toml,
// then BUB_* environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Bus      BusConfig      `toml:"bus"`
	Agent    AgentConfig    `toml:"agent"`
	Tape     TapeConfig     `toml:"tape"`
	Tools    ToolsConfig    `toml:"tools"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type BusConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr is the host:port the bus listens on and clients dial.
func (b BusConfig) Addr() string {
	return b.Host + ":" + strconv.Itoa(b.Port)
}

type AgentConfig struct {
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	MaxSteps int    `toml:"max_steps"`
}

type TapeConfig struct {
	// Backend selects the store: "file" (default), "sqlite", "postgres".
	Backend string `toml:"backend"`
	// Home is the file backend's root directory.
	Home string `toml:"home"`
	// DSN is the sqlite path or postgres connection string.
	DSN string `toml:"dsn"`
}

type ToolsConfig struct {
	Workspace    string `toml:"workspace"`
	ShellTimeout int    `toml:"shell_timeout"` // seconds
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	// Filter is the minimum level: "debug", "info", "warn", "error".
	Filter string `toml:"filter"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	bubHome := filepath.Join(home, ".bub")
	return Config{
		Bus:   BusConfig{Host: "127.0.0.1", Port: 7483},
		Agent: AgentConfig{Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1", MaxSteps: 20},
		Tape:  TapeConfig{Backend: "file", Home: bubHome},
		Tools: ToolsConfig{Workspace: filepath.Join(bubHome, "workspace"), ShellTimeout: 30},
		Log:   LogConfig{Filter: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "bub.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("BUB_BUS_HOST"); v != "" {
		cfg.Bus.Host = v
	}
	if v := os.Getenv("BUB_BUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Port = n
		}
	}
	if v := os.Getenv("BUB_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("BUB_AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("BUB_AGENT_BASE_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("BUB_AGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxSteps = n
		}
	}
	if v := os.Getenv("BUB_TAPE_BACKEND"); v != "" {
		cfg.Tape.Backend = v
	}
	if v := os.Getenv("BUB_TAPE_HOME"); v != "" {
		cfg.Tape.Home = v
	}
	if v := os.Getenv("BUB_TAPE_DSN"); v != "" {
		cfg.Tape.DSN = v
	}
	if v := os.Getenv("BUB_WORKSPACE"); v != "" {
		cfg.Tools.Workspace = v
	}
	if v := os.Getenv("BUB_LOG_FILTER"); v != "" {
		cfg.Log.Filter = v
	}
	if v := os.Getenv("BUB_OBSERVER_ENABLED"); v == "1" || v == "true" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
