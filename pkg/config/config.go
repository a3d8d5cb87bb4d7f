// Package config loads the coachflow application configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/coachflow/internal/llm/cost"
	"github.com/aixgo-dev/coachflow/internal/observability"
	"github.com/aixgo-dev/coachflow/internal/sweeper"
	"github.com/aixgo-dev/coachflow/pkg/security"
	"github.com/aixgo-dev/coachflow/pkg/session"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	// Topics is the path of the topic catalog
	Topics string `yaml:"topics"`

	Providers     ProvidersConfig          `yaml:"providers"`
	Sessions      session.Config           `yaml:"sessions"`
	Engine        EngineConfig             `yaml:"engine"`
	Sweeper       sweeper.Config           `yaml:"sweeper"`
	RateLimit     security.RateLimitConfig `yaml:"rate_limit"`
	Observability ObservabilityConfig      `yaml:"observability"`

	// Pricing adds or overrides model prices used for cost accounting
	Pricing []cost.ModelPricing `yaml:"pricing,omitempty"`
}

// ProvidersConfig holds credentials for each model provider. A provider
// with no credentials is not registered.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`

	// Fallback names the provider for model ids no family matches
	Fallback string      `yaml:"fallback,omitempty"`
	Retry    RetryConfig `yaml:"retry"`
}

// OpenAIConfig configures the OpenAI provider
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// AnthropicConfig configures the Anthropic provider
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// GeminiConfig configures Gemini, either with an API key or on Vertex AI
// with a project and location.
type GeminiConfig struct {
	APIKey   string `yaml:"api_key"`
	Project  string `yaml:"project,omitempty"`
	Location string `yaml:"location,omitempty"`
}

// BedrockConfig configures Bedrock. Credentials come from the AWS default
// chain.
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region,omitempty"`
}

// RetryConfig overrides the provider retry policy
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// EngineConfig holds orchestration settings
type EngineConfig struct {
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// ObservabilityConfig holds tracing and metrics settings
type ObservabilityConfig struct {
	Tracing     observability.Config `yaml:"tracing"`
	MetricsAddr string               `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Topics:   "topics.yaml",
		Sessions: session.DefaultConfig(),
		Engine:   EngineConfig{DispatchTimeout: 60 * time.Second},
		Sweeper: sweeper.Config{
			Schedule:  sweeper.DefaultSchedule,
			BatchSize: sweeper.DefaultBatchSize,
		},
		Observability: ObservabilityConfig{
			Tracing:     observability.ConfigFromEnv(),
			MetricsAddr: ":9090",
		},
	}
	cfg.applyEnv()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file %s is too large (max %d bytes)", path, maxConfigSize)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	def := Default()
	if cfg.Topics == "" {
		cfg.Topics = def.Topics
	}
	if cfg.Sessions.Store == "" {
		cfg.Sessions.Store = def.Sessions.Store
	}
	if cfg.Engine.DispatchTimeout <= 0 {
		cfg.Engine.DispatchTimeout = def.Engine.DispatchTimeout
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = def.Sweeper.Schedule
	}
	if cfg.Sweeper.BatchSize <= 0 {
		cfg.Sweeper.BatchSize = def.Sweeper.BatchSize
	}
	if cfg.Observability.MetricsAddr == "" {
		cfg.Observability.MetricsAddr = def.Observability.MetricsAddr
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = observability.DefaultServiceName
	}
	if cfg.Observability.Tracing.Enabled && cfg.Observability.Tracing.ExporterType == "" {
		cfg.Observability.Tracing.ExporterType = "otlp"
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv fills credentials missing from the file from the environment.
func (c *Config) applyEnv() {
	setFromEnv(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setFromEnv(&c.Providers.Gemini.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	setFromEnv(&c.Providers.Gemini.Project, "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT")
	setFromEnv(&c.Providers.Gemini.Location, "GOOGLE_CLOUD_LOCATION")
	setFromEnv(&c.Providers.Bedrock.Region, "AWS_REGION")
	setFromEnv(&c.Sessions.Redis.Addr, "REDIS_ADDR")
	setFromEnv(&c.Sessions.Firestore.ProjectID, "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT")
	setFromEnv(&c.Sessions.Firestore.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
}

func setFromEnv(dst *string, keys ...string) {
	if *dst != "" {
		return
	}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// HasProvider reports whether any provider has credentials.
func (c *Config) HasProvider() bool {
	p := c.Providers
	return p.OpenAI.APIKey != "" || p.Anthropic.APIKey != "" ||
		p.Gemini.APIKey != "" || p.Gemini.Project != "" || p.Bedrock.Enabled
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Topics == "" {
		return fmt.Errorf("topics is required")
	}
	if !c.HasProvider() {
		return fmt.Errorf("at least one provider must be configured")
	}

	switch c.Sessions.Store {
	case "", "file":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			return fmt.Errorf("sessions.redis.addr is required for the redis store")
		}
	case "firestore":
		if c.Sessions.Firestore.ProjectID == "" {
			return fmt.Errorf("sessions.firestore.project_id is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.Sessions.Store)
	}

	if c.RateLimit.TenantRPS < 0 || c.RateLimit.GlobalRPS < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	for i, p := range c.Pricing {
		if p.Model == "" {
			return fmt.Errorf("pricing[%d]: model is required", i)
		}
	}
	return nil
}
