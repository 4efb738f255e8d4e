package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestDefaultSearchPaths(t *testing.T) {
	paths := DefaultSearchPaths()
	if paths[0] != "config.yaml" || paths[len(paths)-1] != "/etc/parley/config.yaml" {
		t.Errorf("DefaultSearchPaths() = %v", paths)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Agent.MaxToolCalls != 10 {
		t.Errorf("MaxToolCalls = %d, want 10", cfg.Agent.MaxToolCalls)
	}
	if cfg.History.MaxTurns != 20 {
		t.Errorf("MaxTurns = %d, want 20", cfg.History.MaxTurns)
	}
	if cfg.Store.Path != filepath.Join("./data", "parley.db") {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  name: llama3.1:8b
agent:
  max_tool_calls: 3
data_dir: /var/lib/parley
mqtt:
  enabled: true
  broker: mqtt://broker:1883
  base_topic: home/parley/
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != "llama3.1:8b" || cfg.Model.URL != "http://localhost:11434" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Agent.MaxToolCalls != 3 || cfg.Agent.ToolTimeoutSec != 30 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Store.Path != "/var/lib/parley/parley.db" {
		t.Errorf("Store.Path = %q, want it under data_dir", cfg.Store.Path)
	}
	if !cfg.MQTT.Configured() || cfg.MQTT.BaseTopic != "home/parley" || cfg.MQTT.PublishIntervalSec != 60 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("PARLEY_TEST_PASSWORD", "secret123")
	path := writeConfig(t, "mqtt:\n  password: ${PARLEY_TEST_PASSWORD}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero tool calls", "agent:\n  max_tool_calls: -1\n", "max_tool_calls"},
		{"zero turns", "history:\n  max_turns: -5\n", "max_turns"},
		{"unknown driver", "store:\n  driver: postgres\n", "store.driver"},
		{"bad level", "log_level: loud\n", "log level"},
		{"bad format", "log_format: xml\n", "log_format"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"bad yaml", "listen: [\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestResolvePersona(t *testing.T) {
	cfg := Default()
	cfg.Agent.Persona = "inline"
	if p, _ := cfg.ResolvePersona(); p != "inline" {
		t.Errorf("inline persona = %q", p)
	}

	file := filepath.Join(t.TempDir(), "persona.md")
	os.WriteFile(file, []byte("You are a terse librarian.\n"), 0600)
	cfg.Agent.PersonaFile = file
	if p, err := cfg.ResolvePersona(); err != nil || p != "You are a terse librarian." {
		t.Errorf("file persona = %q, %v", p, err)
	}

	cfg.Agent.PersonaFile = filepath.Join(t.TempDir(), "missing.md")
	if _, err := cfg.ResolvePersona(); err == nil {
		t.Error("missing persona file should error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "json")
	logger.Log(t.Context(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("output = %s, want TRACE level name", buf.String())
	}
}
