package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANNEXE_"

// Config models annexe.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		BasePath string `yaml:"base_path" env:"BASE_PATH"`
		DevAuth  bool   `yaml:"dev_auth" env:"DEV_AUTH"`
	} `yaml:"server" envPrefix:"SERVER_"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
		AdminRole string `yaml:"admin_role" env:"ADMIN_ROLE"`
	} `yaml:"auth" envPrefix:"AUTH_"`
	StatProvider StatProviderConfig `yaml:"stat_provider" envPrefix:"STAT_PROVIDER_"`
	Outcome      struct {
		GrantCash bool `yaml:"grant_cash" env:"GRANT_CASH"`
	} `yaml:"outcome" envPrefix:"OUTCOME_"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Telemetry struct {
		Endpoint    string `yaml:"endpoint" env:"OTEL_ENDPOINT"`
		ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	} `yaml:"telemetry"`
}

// StatProviderConfig selects where character stats come from.
type StatProviderConfig struct {
	Kind           string         `yaml:"kind" env:"KIND"`
	PowerURL       string         `yaml:"power_url" env:"POWER_URL"`
	SkillsURL      string         `yaml:"skills_url" env:"SKILLS_URL"`
	Token          string         `yaml:"token" env:"TOKEN"`
	TimeoutSeconds int            `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	MaxTries       int            `yaml:"max_tries" env:"MAX_TRIES"`
	Aggregate      int            `yaml:"aggregate"`
	Skills         map[string]int `yaml:"skills"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxTries       int      `yaml:"max_tries"`
}

const (
	StatProviderHTTP   = "http"
	StatProviderStatic = "static"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if strings.TrimSpace(c.Auth.AdminRole) == "" {
		return fmt.Errorf("config.auth.admin_role is required")
	}
	switch c.StatProvider.Kind {
	case StatProviderStatic:
		if c.StatProvider.Aggregate < 0 || c.StatProvider.Aggregate > 100 {
			return fmt.Errorf("config.stat_provider.aggregate must be within 0..100")
		}
	case StatProviderHTTP:
		if strings.TrimSpace(c.StatProvider.PowerURL) == "" {
			return fmt.Errorf("config.stat_provider.power_url is required for kind http")
		}
	default:
		return fmt.Errorf("config.stat_provider.kind must be 'http' or 'static'")
	}
	if c.StatProvider.TimeoutSeconds < 0 {
		return fmt.Errorf("config.stat_provider.timeout_seconds must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.MaxTries < 0 || hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d]: max_tries and timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "annexe.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, applies the environment and validates.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with annexe init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := cfg.ApplyEnv(); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// ApplyEnv overlays ANNEXE_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// FromYAML parses raw YAML on top of the defaults, applies the environment
// and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  dev_auth: false

auth:
  # HS256 secret used to validate bearer tokens; prefer ANNEXE_AUTH_JWT_SECRET.
  jwt_secret: ""
  admin_role: admin

stat_provider:
  # http: query the game API; static: fixed scores (local play, tests)
  kind: static
  power_url: ""
  skills_url: ""
  token: ""
  timeout_seconds: 5
  max_tries: 3
  aggregate: 50
  skills: {}

outcome:
  grant_cash: true

webhooks: []

telemetry:
  endpoint: ""
  service_name: annexe
`
