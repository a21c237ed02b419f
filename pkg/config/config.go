package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the process configuration
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Store      StoreConfig      `yaml:"store"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig selects and configures the model providers
type LLMConfig struct {
	// Provider generates the answers: openai, anthropic or vertex
	Provider string `yaml:"provider"`

	// JudgeProvider runs the guardrail checks, defaulting to Provider
	JudgeProvider string `yaml:"judge_provider"`

	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Vertex    VertexConfig    `yaml:"vertex"`
	Retry     RetryConfig     `yaml:"retry"`
}

// OpenAIConfig configures the OpenAI client
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig configures the Anthropic client
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// VertexConfig configures the Vertex AI client
type VertexConfig struct {
	ProjectID       string `yaml:"project_id"`
	Location        string `yaml:"location"`
	Model           string `yaml:"model"`
	CredentialsFile string `yaml:"credentials_file"`
}

// RetryConfig bounds retries of model calls
type RetryConfig struct {
	MaxAttempts        int32         `yaml:"max_attempts"`
	InitialInterval    time.Duration `yaml:"initial_interval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient"`
	MaxInterval        time.Duration `yaml:"max_interval"`
}

// GuardrailsConfig configures the checks
type GuardrailsConfig struct {
	SamplingInterval int `yaml:"sampling_interval"`
	HardLengthCap    int `yaml:"hard_length_cap"`

	// Policy names, resolved against Policies and the builtin set
	StreamPolicy string `yaml:"stream_policy"`
	InputPolicy  string `yaml:"input_policy"`
	OutputPolicy string `yaml:"output_policy"`

	// Audience fills the readability policy
	Audience string `yaml:"audience"`

	Policies map[string]PolicyConfig `yaml:"policies"`

	// BlockedWords adds a content filter in front of the judges
	BlockedWords []string `yaml:"blocked_words"`

	// RedactPII adds a PII filter in front of the judges
	RedactPII bool `yaml:"redact_pii"`

	// TokenLimit blocks prompts and answers longer than this many tokens.
	// Zero disables the limit.
	TokenLimit int `yaml:"token_limit"`

	// JudgeMaxTokens bounds the verdict length
	JudgeMaxTokens int `yaml:"judge_max_tokens"`
}

// PolicyConfig is a custom judge policy
type PolicyConfig struct {
	Instructions string                 `yaml:"instructions"`
	Variables    map[string]interface{} `yaml:"variables"`
}

// StoreConfig selects where session results are kept
type StoreConfig struct {
	// Backend is memory, redis, postgres or none
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis store
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// PostgresConfig configures the Postgres store
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// TracingConfig configures the tracing backends
type TracingConfig struct {
	OTel     OTelConfig     `yaml:"otel"`
	Langfuse LangfuseConfig `yaml:"langfuse"`
}

// OTelConfig configures OpenTelemetry export
type OTelConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	CollectorEndpoint string `yaml:"collector_endpoint"`
}

// LangfuseConfig configures Langfuse
type LangfuseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SecretKey   string `yaml:"secret_key"`
	PublicKey   string `yaml:"public_key"`
	Host        string `yaml:"host"`
	Environment string `yaml:"environment"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "openai",
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
			Anthropic: AnthropicConfig{
				Model: "claude-3-5-haiku-latest",
			},
			Vertex: VertexConfig{
				Location: "us-central1",
				Model:    "gemini-2.0-flash",
			},
			Retry: RetryConfig{
				MaxAttempts:        3,
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
				MaxInterval:        30 * time.Second,
			},
		},
		Guardrails: GuardrailsConfig{
			SamplingInterval: 30,
			HardLengthCap:    600,
			StreamPolicy:     "readability",
			InputPolicy:      "math_topic",
			OutputPolicy:     "math_content",
			Audience:         "a ten year old",
			JudgeMaxTokens:   256,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "guardrails:",
				TTL:       24 * time.Hour,
			},
			Postgres: PostgresConfig{
				Table: "guardrail_sessions",
			},
		},
		Tracing: TracingConfig{
			OTel: OTelConfig{
				ServiceName:       "stream-guardrails",
				CollectorEndpoint: "localhost:4317",
			},
			Langfuse: LangfuseConfig{
				Environment: "development",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a .env file when present, then the YAML file at path, then
// environment overrides. An empty or missing path yields the defaults.
func Load(path string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	setString(&c.LLM.Provider, "GUARDRAILS_LLM_PROVIDER")
	setString(&c.LLM.JudgeProvider, "GUARDRAILS_JUDGE_PROVIDER")
	setString(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.OpenAI.Model, "OPENAI_MODEL")
	setString(&c.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.Anthropic.Model, "ANTHROPIC_MODEL")
	setString(&c.LLM.Vertex.ProjectID, "VERTEX_PROJECT_ID")
	setString(&c.LLM.Vertex.Location, "VERTEX_LOCATION")
	setString(&c.LLM.Vertex.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")

	if err := setInt(&c.Guardrails.SamplingInterval, "GUARDRAILS_SAMPLING_INTERVAL"); err != nil {
		return err
	}
	if err := setInt(&c.Guardrails.TokenLimit, "GUARDRAILS_TOKEN_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&c.Guardrails.HardLengthCap, "GUARDRAILS_HARD_LENGTH_CAP"); err != nil {
		return err
	}
	setString(&c.Guardrails.StreamPolicy, "GUARDRAILS_STREAM_POLICY")

	setString(&c.Store.Backend, "GUARDRAILS_STORE")
	setString(&c.Store.Redis.Addr, "REDIS_ADDR")
	setString(&c.Store.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Store.Postgres.DSN, "DATABASE_URL")

	if v := os.Getenv("LANGFUSE_PUBLIC_KEY"); v != "" {
		c.Tracing.Langfuse.PublicKey = v
		c.Tracing.Langfuse.Enabled = true
	}
	setString(&c.Tracing.Langfuse.SecretKey, "LANGFUSE_SECRET_KEY")
	setString(&c.Tracing.Langfuse.Host, "LANGFUSE_HOST")
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTel.CollectorEndpoint = v
		c.Tracing.OTel.Enabled = true
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s must be an integer: %v", ErrInvalidConfig, key, err)
	}
	*dst = n
	return nil
}

// ValidProviders lists the supported model providers
var ValidProviders = []string{"openai", "anthropic", "vertex"}

// ValidStores lists the supported session stores
var ValidStores = []string{"memory", "redis", "postgres", "none"}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	if c.Guardrails.SamplingInterval <= 0 {
		return fmt.Errorf("%w: sampling interval must be positive", ErrInvalidConfig)
	}
	if c.Guardrails.HardLengthCap <= 0 {
		return fmt.Errorf("%w: hard length cap must be positive", ErrInvalidConfig)
	}

	for _, provider := range []string{c.LLM.Provider, c.JudgeProvider()} {
		if !contains(ValidProviders, provider) {
			return fmt.Errorf("%w: invalid LLM provider %q (valid: %v)", ErrInvalidConfig, provider, ValidProviders)
		}
		if err := c.checkCredentials(provider); err != nil {
			return err
		}
	}

	if !contains(ValidStores, c.Store.Backend) {
		return fmt.Errorf("%w: invalid store %q (valid: %v)", ErrInvalidConfig, c.Store.Backend, ValidStores)
	}
	if c.Store.Backend == "postgres" && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("%w: postgres store requires a DSN (set DATABASE_URL)", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) checkCredentials(provider string) error {
	switch provider {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("%w: OpenAI API key not configured (set OPENAI_API_KEY)", ErrInvalidConfig)
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("%w: Anthropic API key not configured (set ANTHROPIC_API_KEY)", ErrInvalidConfig)
		}
	case "vertex":
		if c.LLM.Vertex.ProjectID == "" {
			return fmt.Errorf("%w: Vertex AI project not configured (set VERTEX_PROJECT_ID)", ErrInvalidConfig)
		}
	}
	return nil
}

// JudgeProvider returns the provider that runs guardrail checks
func (c *Config) JudgeProvider() string {
	if c.LLM.JudgeProvider != "" {
		return c.LLM.JudgeProvider
	}
	return c.LLM.Provider
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// Get returns the process-wide configuration, loading it from the
// environment on first use
func Get() *Config {
	globalMu.RLock()
	cfg := globalCfg
	globalMu.RUnlock()
	if cfg != nil {
		return cfg
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCfg == nil {
		loaded, err := Load("")
		if err != nil {
			loaded = Default()
		}
		globalCfg = loaded
	}
	return globalCfg
}

// Set replaces the process-wide configuration
func Set(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = cfg
}
