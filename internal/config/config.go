package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"llm-gateway/internal/provider"
)

const (
	defaultPort     = 8080
	defaultTimeout  = 30 * time.Second
	defaultLogLevel = "info"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	LogLevel  string                    `yaml:"log_level"`
	Timeout   time.Duration             `yaml:"timeout"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ProviderConfig holds the credentials and transport settings of one
// provider. Each provider reads only the secrets it needs.
type ProviderConfig struct {
	APIKey    string            `yaml:"api_key"`
	BaseURL   string            `yaml:"base_url"`
	AppID     string            `yaml:"app_id"`
	SecretID  string            `yaml:"secret_id"`
	SecretKey string            `yaml:"secret_key"`
	APISecret string            `yaml:"api_secret"`
	GroupID   string            `yaml:"group_id"`
	OrgID     string            `yaml:"org_id"`
	Headers   Headers           `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	Aliases   map[string]string `yaml:"aliases"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Credentials converts the secret fields for provider construction.
func (p ProviderConfig) Credentials() provider.Credentials {
	return provider.Credentials{
		APIKey:    p.APIKey,
		OrgID:     p.OrgID,
		AppID:     p.AppID,
		SecretID:  p.SecretID,
		SecretKey: p.SecretKey,
		APISecret: p.APISecret,
		GroupID:   p.GroupID,
	}
}

// Load reads YAML configuration from disk, expands ${VAR} references,
// applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes configuration from YAML bytes.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.expandSecrets()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ProviderKeys lists the configured providers in sorted order.
func (c Config) ProviderKeys() []string {
	keys := make([]string, 0, len(c.Providers))
	for k := range c.Providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TimeoutFor returns the provider's timeout, falling back to the global one.
func (c Config) TimeoutFor(key string) time.Duration {
	if p, ok := c.Providers[key]; ok && p.Timeout > 0 {
		return p.Timeout
	}
	return c.Timeout
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level %q is not a valid level", c.LogLevel)
	}

	seen := map[string]string{}
	for _, name := range c.ProviderKeys() {
		if _, err := provider.ParseKey(name); err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		p := c.Providers[name]
		if err := validateProvider(name, p); err != nil {
			return err
		}
		for alias := range p.Aliases {
			if owner, dup := seen[alias]; dup {
				return fmt.Errorf("provider %s: alias %q already defined by provider %s", name, alias, owner)
			}
			seen[alias] = name
		}
	}
	return nil
}

func validateProvider(name string, p ProviderConfig) error {
	if p.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}

	for headerKey := range p.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range p.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// expandEnv replaces ${VAR} with the variable's value. Unset variables
// expand to nothing so providers fall back to their own environment lookup.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) expandSecrets() {
	for name, p := range c.Providers {
		for _, field := range []*string{&p.APIKey, &p.BaseURL, &p.AppID, &p.SecretID, &p.SecretKey, &p.APISecret, &p.GroupID, &p.OrgID} {
			*field = expandEnv(*field)
		}
		for k, v := range p.Headers {
			p.Headers[k] = expandEnv(v)
		}
		c.Providers[name] = p
	}
}
