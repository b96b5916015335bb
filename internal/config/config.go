// Package config handles parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
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

// DotenvFiles are loaded from the config file's directory, in order,
// before ${VAR} expansion. Variables already set in the environment win.
var DotenvFiles = []string{".dev.vars", ".env"}

// Config holds all parley configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Model     string                  `yaml:"model"`
	Providers ProvidersConfig         `yaml:"providers"`
	History   HistoryConfig           `yaml:"history"`
	MCP       MCPConfig               `yaml:"mcp"`
	Tools     ToolsConfig             `yaml:"tools"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	Logging   LoggingConfig           `yaml:"logging"`
	Agent     AgentConfig             `yaml:"agent"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig configures the model backends. A provider is enabled
// when its credential (or, for Ollama, its URL) is set.
type ProvidersConfig struct {
	// Default names the provider used for models with no route.
	Default   string          `yaml:"default"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	// Routes maps model names to provider names.
	Routes map[string]string `yaml:"routes"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig defines OpenAI-compatible API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// GeminiConfig defines Gemini API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OllamaConfig defines the Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// HistoryConfig selects the conversation store database.
type HistoryConfig struct {
	Driver string `yaml:"driver"` // sqlite (default), postgres, mysql
	DSN    string `yaml:"dsn"`
}

// MCPConfig lists the MCP servers tools are discovered from.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server. Exactly one of Command or
// URL must be set.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Namespace bool              `yaml:"namespace"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
}

// ToolsConfig controls the built-in tools and the confirmation policy.
type ToolsConfig struct {
	// ConfirmWhen is a CEL expression over discovered tools; a true
	// result holds the call for human confirmation.
	ConfirmWhen string `yaml:"confirm_when"`
	Calculator  bool   `yaml:"calculator"`
	TimeoutSec  int    `yaml:"timeout_sec"`
}

// SchedulerConfig controls scheduled tasks.
type SchedulerConfig struct {
	Enabled        bool `yaml:"enabled"`
	TaskTimeoutSec int  `yaml:"task_timeout_sec"`
}

// MQTTConfig defines the optional MQTT telemetry publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether enough is set to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// AgentConfig tunes the model loop.
type AgentConfig struct {
	MaxSteps            int    `yaml:"max_steps"`
	SystemPrompt        string `yaml:"system_prompt"`
	DiscoveryTimeoutSec int    `yaml:"discovery_timeout_sec"`
}

// PricingEntry is the USD price per million tokens of a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Dotenv files next to it are
// loaded into the environment first, then ${VAR} references are expanded.
func Load(path string) (*Config, error) {
	if err := loadDotenv(filepath.Dir(path)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadDotenv(dir string) error {
	for _, name := range DotenvFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Default returns a default configuration: a local Ollama backend and an
// SQLite history in the working directory.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model:  "llama3.2",
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{URL: "http://localhost:11434"},
		},
		History: HistoryConfig{Driver: "sqlite", DSN: "parley.db"},
		Tools:   ToolsConfig{TimeoutSec: 60},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			TaskTimeoutSec: 300,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Agent:   AgentConfig{MaxSteps: 10, DiscoveryTimeoutSec: 15},
		DataDir: ".",
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 10
	}
	if c.Tools.TimeoutSec <= 0 {
		c.Tools.TimeoutSec = 60
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// ProviderNames returns the providers that have enough configuration to
// be enabled, in a fixed order.
func (c *Config) ProviderNames() []string {
	var names []string
	p := c.Providers
	if p.Anthropic.APIKey != "" {
		names = append(names, "anthropic")
	}
	if p.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if p.Gemini.APIKey != "" {
		names = append(names, "gemini")
	}
	if p.Ollama.URL != "" {
		names = append(names, "ollama")
	}
	return names
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if strings.TrimSpace(c.Model) == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	enabled := map[string]bool{}
	for _, n := range c.ProviderNames() {
		enabled[n] = true
	}
	if c.Providers.Default != "" && !enabled[c.Providers.Default] {
		errs = append(errs, fmt.Errorf("providers.default %q is not configured", c.Providers.Default))
	}
	for model, provider := range c.Providers.Routes {
		if !enabled[provider] {
			errs = append(errs, fmt.Errorf("providers.routes[%s] names unconfigured provider %q", model, provider))
		}
	}

	seen := map[string]bool{}
	for i, s := range c.MCP.Servers {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if (s.Command == "") == (s.URL == "") {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: exactly one of command or url is required", i))
		}
	}

	if c.MQTT.Broker != "" && c.MQTT.DeviceName == "" {
		errs = append(errs, errors.New("mqtt.device_name is required when mqtt.broker is set"))
	}

	return errors.Join(errs...)
}
