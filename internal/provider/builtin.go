package provider

import "github.com/stupiduntilnot/chatrelay/internal/config"

// NewBuiltinRegistry registers the deepseek, gemini and anthropic adapters
// configured in cfg. Adapters without an API key are still registered and
// fail at call time with a configuration error.
func NewBuiltinRegistry(cfg config.Config) *Registry {
	r := NewRegistry(cfg.DefaultProvider)
	timeout := cfg.ProviderTimeout()
	r.Register(NewDeepSeek(cfg.DeepSeek, timeout))
	r.Register(NewGemini(cfg.Gemini, timeout))
	r.Register(NewAnthropic(cfg.Anthropic, timeout))
	return r
}
