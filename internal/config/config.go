// Package config handles parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Store drivers accepted in store.driver.
const (
	DriverSQLite3 = "sqlite3"
	DriverSQLite  = "sqlite"
)

// Config holds all parley configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Model     ModelConfig     `yaml:"model"`
	Agent     AgentConfig     `yaml:"agent"`
	History   HistoryConfig   `yaml:"history"`
	Store     StoreConfig     `yaml:"store"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig defines the Ollama model connection.
type ModelConfig struct {
	URL        string `yaml:"ollama_url"`
	Name       string `yaml:"name"`
	EmbedModel string `yaml:"embed_model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the model request timeout.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// AgentConfig controls the orchestration loop.
type AgentConfig struct {
	// Persona is the opening of the system prompt. PersonaFile, when set,
	// takes precedence and is read at startup.
	Persona     string `yaml:"persona"`
	PersonaFile string `yaml:"persona_file"`

	// MaxToolCalls bounds tool-calling rounds per turn. A final
	// tool-free call always follows, so a turn makes at most
	// MaxToolCalls+1 model calls.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// ToolTimeoutSec bounds a single tool execution.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`

	// ChannelNotes adds a per-channel note to the system prompt,
	// keyed by channel ID (api, ws, cli, mqtt, ollama).
	ChannelNotes map[string]string `yaml:"channel_notes"`
}

// ToolTimeout returns the per-tool execution timeout.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSec) * time.Second
}

// HistoryConfig controls the per-user history cache.
type HistoryConfig struct {
	// MaxTurns is the number of user/assistant exchanges kept in memory;
	// the cache holds 2*MaxTurns entries per user.
	MaxTurns int `yaml:"max_turns"`
	// HydrateOnStart loads every known user's history at startup
	// instead of on first use.
	HydrateOnStart bool `yaml:"hydrate_on_start"`
	// RetainEntries prunes durable history to the newest N entries per
	// user. Zero keeps everything. Never prunes below the cache capacity.
	RetainEntries int `yaml:"retain_entries"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`   // Default: <data_dir>/parley.db
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths are relative to this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// BaseTopic prefixes every topic the bridge uses (default "parley").
	BaseTopic string `yaml:"base_topic"`
	// DeviceName appears in Home Assistant discovery and the client ID.
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix enables Home Assistant sensor discovery when set.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishIntervalSec is how often sensor states are published.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
	// EventKinds limits forwarded bus events. Empty forwards all.
	EventKinds []string `yaml:"event_kinds"`

	// Inbox enables chatting over MQTT: envelopes published to
	// <base_topic>/inbox are answered on <base_topic>/outbox/<user_id>.
	Inbox bool `yaml:"inbox"`
	// InboxRateLimit caps inbound messages per minute (default 60).
	InboxRateLimit int `yaml:"inbox_rate_limit"`
}

// Configured reports whether the bridge is enabled and has a broker.
func (m MQTTConfig) Configured() bool {
	return m.Enabled && m.Broker != ""
}

// PublishInterval returns the sensor publish interval.
func (m MQTTConfig) PublishInterval() time.Duration {
	return time.Duration(m.PublishIntervalSec) * time.Second
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, unset fields take their defaults, and the
// result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := baseDefaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := baseDefaults()
	cfg.ApplyDefaults()
	return cfg
}

// baseDefaults holds the defaults that do not depend on other fields.
// Load unmarshals over it so derived values such as the store path
// follow the file's data_dir.
func baseDefaults() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			URL:        "http://localhost:11434",
			Name:       "qwen3:4b",
			TimeoutSec: 300,
		},
		Agent: AgentConfig{
			MaxToolCalls:   10,
			ToolTimeoutSec: 30,
		},
		History: HistoryConfig{MaxTurns: 20, HydrateOnStart: true},
		Store:   StoreConfig{Driver: DriverSQLite3},
		Metrics: MetricsConfig{Enabled: true},
		DataDir: "./data",
	}
}

// ApplyDefaults fills fields that depend on other fields or were left
// zero by a partial config file.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite3
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "parley.db")
	}
	if c.Model.URL == "" {
		c.Model.URL = "http://localhost:11434"
	}
	if c.Model.TimeoutSec == 0 {
		c.Model.TimeoutSec = 300
	}
	if c.ShellExec.DefaultTimeoutSec == 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "parley"
	}
	c.MQTT.BaseTopic = strings.TrimSuffix(c.MQTT.BaseTopic, "/")
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "parley"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.InboxRateLimit == 0 {
		c.MQTT.InboxRateLimit = 60
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("model.timeout_sec must be positive, got %d", c.Model.TimeoutSec))
	}
	if c.Agent.MaxToolCalls <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_calls must be positive, got %d", c.Agent.MaxToolCalls))
	}
	if c.Agent.ToolTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("agent.tool_timeout_sec must be positive, got %d", c.Agent.ToolTimeoutSec))
	}
	if c.History.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("history.max_turns must be positive, got %d", c.History.MaxTurns))
	}
	if c.History.RetainEntries < 0 {
		errs = append(errs, fmt.Errorf("history.retain_entries must not be negative, got %d", c.History.RetainEntries))
	}
	switch c.Store.Driver {
	case DriverSQLite3, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q unknown (valid: %s, %s)", c.Store.Driver, DriverSQLite3, DriverSQLite))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.PublishIntervalSec < 0 || c.MQTT.InboxRateLimit < 0 {
		errs = append(errs, errors.New("mqtt intervals and limits must not be negative"))
	}
	return errors.Join(errs...)
}

// ResolvePersona returns the configured persona, reading PersonaFile when
// set. An empty result means the built-in persona.
func (c *Config) ResolvePersona() (string, error) {
	if c.Agent.PersonaFile == "" {
		return c.Agent.Persona, nil
	}
	data, err := os.ReadFile(c.Agent.PersonaFile)
	if err != nil {
		return "", fmt.Errorf("read persona file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
