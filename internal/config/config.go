package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models verdant.yml. Secrets (oracle API key, JWT secret) are never
// read from the file; they come from the environment.
type Config struct {
	Oracle  OracleConfig  `yaml:"oracle"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`

	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type OracleConfig struct {
	// Endpoint is the base URL of an OpenAI-compatible chat completions API.
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// TimeoutMs bounds one diagnosis call. There is deliberately no retry
	// setting: the pipeline makes a single attempt per invocation.
	TimeoutMs int `yaml:"timeout_ms"`
	// Fallback enables the static general-care diagnosis when the oracle is
	// unreachable or no credential is configured.
	Fallback bool `yaml:"fallback"`
}

type StorageConfig struct {
	// PublicBaseURL prefixes stored image paths so the oracle can fetch them.
	PublicBaseURL string `yaml:"public_base_url"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowOwnerHeader trusts the X-Owner-Id header without credentials.
	// Development convenience only.
	AllowOwnerHeader bool `yaml:"allow_owner_header"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Oracle.Endpoint == "" {
		return fmt.Errorf("config.oracle.endpoint is required")
	}
	if c.Oracle.Model == "" {
		return fmt.Errorf("config.oracle.model is required")
	}
	if c.Oracle.TimeoutMs <= 0 {
		return fmt.Errorf("config.oracle.timeout_ms must be positive")
	}
	if c.Storage.PublicBaseURL == "" {
		return fmt.Errorf("config.storage.public_base_url is required")
	}
	if strings.HasSuffix(c.Storage.PublicBaseURL, "/") {
		return fmt.Errorf("config.storage.public_base_url must not end with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// OracleAPIKey reads the oracle credential from the environment.
func OracleAPIKey() string {
	return strings.TrimSpace(os.Getenv("VERDANT_ORACLE_API_KEY"))
}

// JWTSecret reads the API token signing secret from the environment.
func JWTSecret() string {
	return strings.TrimSpace(os.Getenv("VERDANT_JWT_SECRET"))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "verdant.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when verdant.yml does not exist.
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

// FromYAML parses and validates config from raw YAML bytes. Defaults fill any
// field the file leaves unset.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	return &Config{
		Oracle: OracleConfig{
			Endpoint:  "https://api.openai.com/v1",
			Model:     "gpt-4o",
			TimeoutMs: 30000,
			Fallback:  true,
		},
		Storage: StorageConfig{
			PublicBaseURL: "http://localhost:8080",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// GenerateDefault returns default config YAML for vd config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `oracle:
  endpoint: https://api.openai.com/v1
  model: gpt-4o
  timeout_ms: 30000
  fallback: true

storage:
  public_base_url: http://localhost:8080

server:
  addr: :8080
  allow_owner_header: false

# webhooks:
#   - url: https://example.com/hooks/verdant
#     events: [plant.created, plant.deleted]
`
