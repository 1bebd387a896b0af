package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "pricegate.yml"

// Config models pricegate.yml.
type Config struct {
	Validator Validator `yaml:"validator"`
	Server    Server    `yaml:"server"`
	Webhooks  []Webhook `yaml:"webhooks,omitempty"`
}

// Validator describes how the pricing engine is launched.
type Validator struct {
	// Executors are tried in order until one produces output.
	Executors []string `yaml:"executors"`
	Script    string   `yaml:"script"`
	Timeout   Duration `yaml:"timeout"`
}

type Server struct {
	Addr      string    `yaml:"addr"`
	BasePath  string    `yaml:"base_path"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

// RateLimit is a per-client token bucket applied to routes that spawn the engine.
type RateLimit struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// Webhook receives ledger and catalog events as JSON POSTs.
type Webhook struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events,omitempty"`
	Secret  string   `yaml:"secret,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w Webhook) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Duration accepts Go duration strings ("30s") in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := LoadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads YAML config from the given path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Validator.Executors) == 0 {
		return fmt.Errorf("config.validator.executors must list at least one executor")
	}
	for i, e := range c.Validator.Executors {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("config.validator.executors[%d] is empty", i)
		}
	}
	if strings.TrimSpace(c.Validator.Script) == "" {
		return fmt.Errorf("config.validator.script is required")
	}
	if c.Validator.Timeout < 0 {
		return fmt.Errorf("config.validator.timeout must not be negative")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.PerMinute < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// ScriptPath resolves the validator script against the workspace.
func (c *Config) ScriptPath(workspace string) string {
	if filepath.IsAbs(c.Validator.Script) {
		return c.Validator.Script
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Validator.Script)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `validator:
  # interpreters tried in order; the first one that prints anything wins
  executors: [python, python3, py]
  script: ml/price_model.py
  timeout: 30s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  rate_limit:
    per_minute: 60
    burst: 10

# webhooks:
#   - url: https://example.org/hooks/pricegate
#     events: [ledger.price_updated]
#     secret: change-me
#     timeout: 5s
`
