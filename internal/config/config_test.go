package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Bus.Addr() != "127.0.0.1:7483" {
		t.Errorf("Bus.Addr = %q", cfg.Bus.Addr())
	}
	if cfg.Agent.MaxSteps != 20 {
		t.Errorf("MaxSteps = %d", cfg.Agent.MaxSteps)
	}
	if cfg.Tape.Backend != "file" {
		t.Errorf("Backend = %q", cfg.Tape.Backend)
	}
	if cfg.Log.Filter != "info" {
		t.Errorf("Filter = %q", cfg.Log.Filter)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Bus.Port != 7483 {
		t.Errorf("Port = %d", cfg.Bus.Port)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bub.toml")
	data := `
[bus]
host = "0.0.0.0"
port = 9000

[agent]
model = "llama3"
max_steps = 5

[tape]
backend = "sqlite"
dsn = "bub.db"

[log]
filter = "debug"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Bus.Addr() != "0.0.0.0:9000" {
		t.Errorf("Bus.Addr = %q", cfg.Bus.Addr())
	}
	if cfg.Agent.Model != "llama3" || cfg.Agent.MaxSteps != 5 {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Tape.Backend != "sqlite" || cfg.Tape.DSN != "bub.db" {
		t.Errorf("Tape = %+v", cfg.Tape)
	}
	if cfg.Log.Filter != "debug" {
		t.Errorf("Filter = %q", cfg.Log.Filter)
	}
	// Untouched sections keep their defaults.
	if cfg.Agent.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("BaseURL = %q", cfg.Agent.BaseURL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bub.toml")
	if err := os.WriteFile(path, []byte("[agent]\nmodel = \"from-file\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BUB_AGENT_MODEL", "from-env")
	t.Setenv("BUB_BUS_PORT", "7777")
	t.Setenv("BUB_AGENT_MAX_STEPS", "7")
	t.Setenv("BUB_OBSERVER_ENABLED", "true")

	cfg := Load(path)
	if cfg.Agent.Model != "from-env" {
		t.Errorf("Model = %q, want env to win", cfg.Agent.Model)
	}
	if cfg.Bus.Port != 7777 {
		t.Errorf("Port = %d", cfg.Bus.Port)
	}
	if cfg.Agent.MaxSteps != 7 {
		t.Errorf("MaxSteps = %d", cfg.Agent.MaxSteps)
	}
	if !cfg.Observer.Enabled {
		t.Error("Observer.Enabled = false")
	}
}

func TestEnvIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("BUB_BUS_PORT", "not-a-number")
	t.Setenv("BUB_AGENT_MAX_STEPS", "-3")

	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Bus.Port != 7483 {
		t.Errorf("Port = %d, want default", cfg.Bus.Port)
	}
	if cfg.Agent.MaxSteps != 20 {
		t.Errorf("MaxSteps = %d, want default", cfg.Agent.MaxSteps)
	}
}
