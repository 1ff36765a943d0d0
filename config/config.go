// Package config loads the service configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Known llm.provider values.
const (
	ProviderGoogle    = "google"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTPConfig configures the REST server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig configures the embedded database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig configures the step runner and validation.
type EngineConfig struct {
	Workers                int `yaml:"workers"`
	MaxPayloadLen          int `yaml:"max_payload_len"`
	ApprovalTimeoutMinutes int `yaml:"approval_timeout_minutes"`
}

// LLMConfig selects the chat provider.
type LLMConfig struct {
	Provider string `yaml:"provider"`
}

// ProviderConfig holds one provider's credentials and model settings.
type ProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	ModelName   string  `yaml:"model_name"`
	Temperature float64 `yaml:"temperature"`
}

// RecoveryConfig configures the recovery timers.
type RecoveryConfig struct {
	ResumeInterval          Duration `yaml:"resume_interval"`
	StalledInterval         Duration `yaml:"stalled_interval"`
	StalledAfter            Duration `yaml:"stalled_after"`
	ApprovalTimeoutInterval Duration `yaml:"approval_timeout_interval"`
	ApprovalExpiry          Duration `yaml:"approval_expiry"`
}

// LogConfig configures event logging output.
type LogConfig struct {
	JSON bool `yaml:"json"`
}

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig     `yaml:"http"`
	Store     StoreConfig    `yaml:"store"`
	Engine    EngineConfig   `yaml:"engine"`
	LLM       LLMConfig      `yaml:"llm"`
	Gemini    ProviderConfig `yaml:"gemini"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Recovery  RecoveryConfig `yaml:"recovery"`
	Log       LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{Path: "routeforge.db"},
		Engine: EngineConfig{
			Workers:                4,
			MaxPayloadLen:          50000,
			ApprovalTimeoutMinutes: 60,
		},
		LLM: LLMConfig{Provider: ProviderGoogle},
		Gemini: ProviderConfig{
			ModelName:   "gemini-2.5-flash",
			Temperature: 0.7,
		},
		Recovery: RecoveryConfig{
			ResumeInterval:          Duration(30 * time.Second),
			StalledInterval:         Duration(5 * time.Minute),
			StalledAfter:            Duration(30 * time.Minute),
			ApprovalTimeoutInterval: Duration(10 * time.Minute),
			ApprovalExpiry:          Duration(60 * time.Minute),
		},
	}
}

// Load reads the YAML file at path (missing file is fine: defaults
// apply) and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults plus env only.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTP.Addr, "ROUTEFORGE_HTTP_ADDR")
	setString(&c.Store.Path, "ROUTEFORGE_DB_PATH")
	setString(&c.LLM.Provider, "ROUTEFORGE_LLM_PROVIDER")

	setString(&c.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&c.Gemini.ModelName, "GEMINI_MODEL_NAME")
	setFloat(&c.Gemini.Temperature, "GEMINI_MODEL_TEMPERATURE")

	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.ModelName, "OPENAI_MODEL_NAME")

	setString(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.Anthropic.ModelName, "ANTHROPIC_MODEL_NAME")
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGoogle, ProviderOpenAI, ProviderAnthropic, ProviderMock:
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers cannot be negative")
	}
	if c.Engine.MaxPayloadLen < 0 {
		return fmt.Errorf("engine.max_payload_len cannot be negative")
	}
	return nil
}

// ApprovalTimeout returns the configured approval wait as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Engine.ApprovalTimeoutMinutes) * time.Minute
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
