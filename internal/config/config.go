package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names understood by the relay.
const (
	ProviderDeepSeek  = "deepseek"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderDummy     = "dummy"
)

// ProviderConfig holds the upstream settings of one model provider.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	APIBase      string `yaml:"api_base"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens,omitempty"`
}

// Config holds configuration for the relay process. It is built once at
// startup and treated as read-only afterwards.
type Config struct {
	DeepSeek  ProviderConfig `yaml:"deepseek"`
	Gemini    ProviderConfig `yaml:"gemini"`
	Anthropic ProviderConfig `yaml:"anthropic"`

	DefaultProvider        string `yaml:"default_provider"`
	AdminToken             string `yaml:"admin_token"`
	ListenAddr             string `yaml:"listen_addr"`
	DBDriver               string `yaml:"db_driver"`
	DBPath                 string `yaml:"db_path"`
	MaxContextTurns        int    `yaml:"max_context_turns"`
	ProviderTimeoutSeconds int    `yaml:"provider_timeout_seconds"`
	CookieSecret           string `yaml:"cookie_secret"`
	StrictSessionProvider  bool   `yaml:"strict_session_provider"`
	LogLevel               string `yaml:"log_level"`
	LogFormat              string `yaml:"log_format"`
	DummyProviderScript    string `yaml:"dummy_provider_script"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DeepSeek: ProviderConfig{
			Model:   "deepseek-chat",
			APIBase: "https://api.deepseek.com/v1",
		},
		Gemini: ProviderConfig{
			Model:   "gemini-2.5-flash",
			APIBase: "https://generativelanguage.googleapis.com/v1beta",
		},
		Anthropic: ProviderConfig{
			Model:     "claude-sonnet-4-5",
			APIBase:   "https://api.anthropic.com",
			MaxTokens: 1024,
		},
		DefaultProvider:        ProviderDeepSeek,
		ListenAddr:             ":8000",
		DBDriver:               "sqlite3",
		DBPath:                 "data/relay.db",
		MaxContextTurns:        12,
		ProviderTimeoutSeconds: 30,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is normalized
// and validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.DeepSeek.APIKey = envOrDefault("DEEPSEEK_API_KEY", c.DeepSeek.APIKey)
	c.DeepSeek.Model = envOrDefault("DEEPSEEK_MODEL", c.DeepSeek.Model)
	c.DeepSeek.APIBase = envOrDefault("DEEPSEEK_API_BASE", c.DeepSeek.APIBase)
	c.DeepSeek.SystemPrompt = envOrDefault("DEEPSEEK_SYSTEM_PROMPT", c.DeepSeek.SystemPrompt)

	c.Gemini.APIKey = envOrDefault("GEMINI_API_KEY", c.Gemini.APIKey)
	c.Gemini.Model = envOrDefault("GEMINI_MODEL", c.Gemini.Model)
	c.Gemini.APIBase = envOrDefault("GEMINI_API_BASE", c.Gemini.APIBase)
	c.Gemini.SystemPrompt = envOrDefault("GEMINI_SYSTEM_PROMPT", c.Gemini.SystemPrompt)

	c.Anthropic.APIKey = envOrDefault("ANTHROPIC_API_KEY", c.Anthropic.APIKey)
	c.Anthropic.Model = envOrDefault("ANTHROPIC_MODEL", c.Anthropic.Model)
	c.Anthropic.APIBase = envOrDefault("ANTHROPIC_API_BASE", c.Anthropic.APIBase)
	c.Anthropic.SystemPrompt = envOrDefault("ANTHROPIC_SYSTEM_PROMPT", c.Anthropic.SystemPrompt)
	c.Anthropic.MaxTokens = envIntOrDefault("ANTHROPIC_MAX_TOKENS", c.Anthropic.MaxTokens)

	c.DefaultProvider = envOrDefault("DEFAULT_MODEL_PROVIDER", c.DefaultProvider)
	c.AdminToken = envOrDefault("PORTAL_ADMIN_TOKEN", c.AdminToken)
	c.ListenAddr = envOrDefault("RELAY_LISTEN_ADDR", c.ListenAddr)
	c.DBDriver = envOrDefault("RELAY_DB_DRIVER", c.DBDriver)
	c.DBPath = envOrDefault("RELAY_DB_PATH", c.DBPath)
	c.MaxContextTurns = envIntOrDefault("RELAY_MAX_CONTEXT_TURNS", c.MaxContextTurns)
	c.ProviderTimeoutSeconds = envIntOrDefault("RELAY_PROVIDER_TIMEOUT_SECONDS", c.ProviderTimeoutSeconds)
	c.CookieSecret = envOrDefault("RELAY_COOKIE_SECRET", c.CookieSecret)
	c.StrictSessionProvider = envBoolOrDefault("RELAY_STRICT_SESSION_PROVIDER", c.StrictSessionProvider)
	c.LogLevel = envOrDefault("RELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("RELAY_LOG_FORMAT", c.LogFormat)
	c.DummyProviderScript = envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", c.DummyProviderScript)
}

func (c *Config) normalize() {
	for _, p := range []*ProviderConfig{&c.DeepSeek, &c.Gemini, &c.Anthropic} {
		p.APIKey = strings.TrimSpace(p.APIKey)
		p.Model = strings.TrimSpace(p.Model)
		p.APIBase = strings.TrimRight(strings.TrimSpace(p.APIBase), "/")
		p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
	}
	c.DefaultProvider = strings.ToLower(strings.TrimSpace(c.DefaultProvider))
	if c.DefaultProvider == "" {
		c.DefaultProvider = ProviderDeepSeek
	}
	c.AdminToken = strings.TrimSpace(c.AdminToken)
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("RELAY_DB_DRIVER must be sqlite3 or sqlite, got %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("RELAY_DB_PATH must not be empty")
	}
	if c.MaxContextTurns < 0 {
		return fmt.Errorf("RELAY_MAX_CONTEXT_TURNS must be >= 0, got %d", c.MaxContextTurns)
	}
	if c.ProviderTimeoutSeconds <= 0 {
		return fmt.Errorf("RELAY_PROVIDER_TIMEOUT_SECONDS must be > 0, got %d", c.ProviderTimeoutSeconds)
	}
	if c.Anthropic.MaxTokens <= 0 {
		return fmt.Errorf("ANTHROPIC_MAX_TOKENS must be > 0, got %d", c.Anthropic.MaxTokens)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("RELAY_LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// ProviderTimeout is the bound applied to each upstream call.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// SystemPrompt returns the configured system prompt for provider, or "".
func (c *Config) SystemPrompt(provider string) string {
	switch provider {
	case ProviderDeepSeek:
		return c.DeepSeek.SystemPrompt
	case ProviderGemini:
		return c.Gemini.SystemPrompt
	case ProviderAnthropic:
		return c.Anthropic.SystemPrompt
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
