// Package config loads and validates the runtime configuration: the
// sensing provider fleet, dispatch cadences, and assessment timing knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// ProviderConfig describes one remote classifier endpoint. API keys are
// referenced, never stored inline; see ResolveSecretRef.
type ProviderConfig struct {
	Name      string  `json:"name"`
	URL       string  `json:"url"`
	Modality  string  `json:"modality"`
	Model     string  `json:"model,omitempty"`
	APIKeyRef string  `json:"api_key_ref,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
}

// APIKey resolves the provider's API key reference, empty when unset.
func (p ProviderConfig) APIKey() (string, error) {
	if strings.TrimSpace(p.APIKeyRef) == "" {
		return "", nil
	}
	return ResolveSecretRef(p.APIKeyRef)
}

// Config is the full runtime configuration. Zero-valued timing fields get
// defaults applied by Load and Default.
type Config struct {
	Providers []ProviderConfig `json:"providers"`

	VisualIntervalMS int64  `json:"visual_interval_ms"`
	AudioIntervalMS  int64  `json:"audio_interval_ms"`
	RequestTimeoutMS int64  `json:"request_timeout_ms"`
	InFlightCap      int    `json:"in_flight_cap"`
	CooldownMS       int64  `json:"cooldown_ms"`
	IdleTimeoutMS    int64  `json:"idle_timeout_ms"`
	SpeechCooldownMS int64  `json:"speech_cooldown_ms"`
	OutputDir        string `json:"output_dir"`
	VoiceFeedback    bool   `json:"voice_feedback"`
}

// Default returns the configuration matching the reference deployment:
// a three-endpoint visual fleet plus one audio classifier on localhost.
func Default() Config {
	cfg := Config{
		Providers: []ProviderConfig{
			{Name: "vlm_gpu0", URL: "http://localhost:8000/v1", Modality: "visual", Weight: 1.0},
			{Name: "vlm_gpu1", URL: "http://localhost:8001/v1", Modality: "visual", Weight: 1.0},
			{Name: "vlm_gpu2", URL: "http://localhost:8002/v1", Modality: "visual", Weight: 1.0},
			{Name: "yamnet_local", URL: "http://localhost:8100/classify", Modality: "audio", Weight: 1.0},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.VisualIntervalMS <= 0 {
		c.VisualIntervalMS = 370
	}
	if c.AudioIntervalMS <= 0 {
		c.AudioIntervalMS = 1000
	}
	if c.RequestTimeoutMS <= 0 {
		c.RequestTimeoutMS = 15000
	}
	if c.InFlightCap <= 0 {
		c.InFlightCap = 1
	}
	if c.CooldownMS <= 0 {
		c.CooldownMS = 10000
	}
	if c.IdleTimeoutMS <= 0 {
		c.IdleTimeoutMS = 5000
	}
	if c.SpeechCooldownMS <= 0 {
		c.SpeechCooldownMS = 5000
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = "outputs"
	}
	for i := range c.Providers {
		if c.Providers[i].Weight <= 0 {
			c.Providers[i].Weight = 1.0
		}
	}
}

// Load reads a JSON configuration file, applies defaults, and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// Validate enforces runtime config invariants.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := map[string]bool{}
	visual := 0
	for i, provider := range c.Providers {
		if strings.TrimSpace(provider.Name) == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[provider.Name] {
			return fmt.Errorf("provider %q: duplicate name", provider.Name)
		}
		seen[provider.Name] = true
		if strings.TrimSpace(provider.URL) == "" {
			return fmt.Errorf("provider %q: url is required", provider.Name)
		}
		switch provider.Modality {
		case "visual":
			visual++
		case "audio":
		default:
			return fmt.Errorf("provider %q: modality must be visual or audio", provider.Name)
		}
	}
	if visual == 0 {
		return fmt.Errorf("at least one visual provider is required")
	}
	if c.VisualIntervalMS <= 0 || c.AudioIntervalMS <= 0 {
		return fmt.Errorf("dispatch intervals must be >0")
	}
	if c.RequestTimeoutMS <= 0 || c.CooldownMS <= 0 || c.IdleTimeoutMS <= 0 {
		return fmt.Errorf("timeouts must be >0")
	}
	return nil
}

// ByModality returns the providers serving one modality.
func (c Config) ByModality(modality string) []ProviderConfig {
	var out []ProviderConfig
	for _, provider := range c.Providers {
		if provider.Modality == modality {
			out = append(out, provider)
		}
	}
	return out
}

func (c Config) VisualInterval() time.Duration { return time.Duration(c.VisualIntervalMS) * time.Millisecond }
func (c Config) AudioInterval() time.Duration  { return time.Duration(c.AudioIntervalMS) * time.Millisecond }
func (c Config) RequestTimeout() time.Duration { return time.Duration(c.RequestTimeoutMS) * time.Millisecond }
func (c Config) Cooldown() time.Duration       { return time.Duration(c.CooldownMS) * time.Millisecond }
func (c Config) IdleTimeout() time.Duration    { return time.Duration(c.IdleTimeoutMS) * time.Millisecond }
func (c Config) SpeechCooldown() time.Duration { return time.Duration(c.SpeechCooldownMS) * time.Millisecond }
