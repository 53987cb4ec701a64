package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/felipepmaragno/streamstack/internal/cost"
	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/ratelimit"
	"github.com/felipepmaragno/streamstack/internal/registry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr         string
	LogLevel     string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string

	// Admission limits
	RateLimitRPM           int64
	RateLimitTPM           int64
	RateLimitBurst         int64
	GlobalRPM              int64
	GlobalBurst            int64
	RateLimitPolicy        string
	RateLimitFailurePolicy string
	RateLimitIdleTTL       time.Duration

	// Queue and dispatch
	MaxQueueSize       int
	Workers            int
	RequestTimeout     time.Duration
	MaxRequestTimeout  time.Duration
	MaxRetries         int
	StallTimeout       time.Duration
	ReorderWindow      int
	QueueSweepInterval time.Duration

	// Providers
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	OllamaBaseURL      string
	VLLMBaseURL        string
	VLLMAPIKey         string
	GeminiAPIKey       string
	BedrockEnabled     bool
	DefaultProvider    string
	ProviderSecretName string
	ProvidersFile      string

	// Event export and alerting
	EventsQueueURL string
	AlertsTopicARN string

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool

	// InstanceID names this replica in the shared queue and instance metrics.
	InstanceID   string
	PodNamespace string

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	// Providers holds the parsed PROVIDERS_FILE, empty when unset.
	Providers ProvidersFile
}

// ProvidersFile is the YAML document referenced by PROVIDERS_FILE.
type ProvidersFile struct {
	DefaultProvider string                                             `yaml:"default_provider"`
	Providers       map[string]ProviderEntry                           `yaml:"providers"`
	Overrides       map[domain.ClientIdentity]ratelimit.IdentityLimits `yaml:"overrides"`
	Pricing         map[string]cost.ModelPricing                       `yaml:"pricing"`
}

type ProviderEntry struct {
	Pacing *registry.Pacing `yaml:"pacing"`
	Models []string         `yaml:"models"`
}

// Load reads an optional .env file, then the environment, then PROVIDERS_FILE.
// Variables already set in the environment win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		RateLimitRPM:                 getInt64Env("RATE_LIMIT_RPM", 60),
		RateLimitTPM:                 getInt64Env("RATE_LIMIT_TPM", 100000),
		RateLimitBurst:               getInt64Env("RATE_LIMIT_BURST", 0),
		GlobalRPM:                    getInt64Env("GLOBAL_RPM", 0),
		GlobalBurst:                  getInt64Env("GLOBAL_BURST", 0),
		RateLimitPolicy:              getEnv("RATE_LIMIT_POLICY", string(ratelimit.PolicyBoth)),
		RateLimitFailurePolicy:       getEnv("RATE_LIMIT_FAILURE_POLICY", string(ratelimit.FailOpen)),
		RateLimitIdleTTL:             getDurationEnv("RATE_LIMIT_IDLE_TTL", 10*time.Minute),
		MaxQueueSize:                 getIntEnv("MAX_QUEUE_SIZE", 1000),
		Workers:                      getIntEnv("WORKERS", 16),
		RequestTimeout:               getDurationEnv("REQUEST_TIMEOUT", 60*time.Second),
		MaxRequestTimeout:            getDurationEnv("MAX_REQUEST_TIMEOUT", 5*time.Minute),
		MaxRetries:                   getIntEnv("MAX_RETRIES", 2),
		StallTimeout:                 getDurationEnv("STALL_TIMEOUT", 5*time.Second),
		ReorderWindow:                getIntEnv("REORDER_WINDOW", 8),
		QueueSweepInterval:           getDurationEnv("QUEUE_SWEEP_INTERVAL", time.Second),
		OpenAIAPIKey:                 getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:                getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:              getEnv("ANTHROPIC_API_KEY", ""),
		OllamaBaseURL:                getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		VLLMBaseURL:                  getEnv("VLLM_BASE_URL", ""),
		VLLMAPIKey:                   getEnv("VLLM_API_KEY", ""),
		GeminiAPIKey:                 getEnv("GEMINI_API_KEY", ""),
		BedrockEnabled:               getEnv("BEDROCK_ENABLED", "false") == "true",
		DefaultProvider:              getEnv("DEFAULT_PROVIDER", "ollama"),
		ProviderSecretName:           getEnv("PROVIDER_SECRET_NAME", ""),
		ProvidersFile:                getEnv("PROVIDERS_FILE", ""),
		EventsQueueURL:               getEnv("EVENTS_QUEUE_URL", ""),
		AlertsTopicARN:               getEnv("ALERTS_TOPIC_ARN", ""),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		InstanceID:                   getEnv("POD_NAME", hostname()),
		PodNamespace:                 getEnv("POD_NAMESPACE", "default"),
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if cfg.ProvidersFile != "" {
		pf, err := LoadProvidersFile(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.Providers = *pf
		if pf.DefaultProvider != "" && os.Getenv("DEFAULT_PROVIDER") == "" {
			cfg.DefaultProvider = pf.DefaultProvider
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadProvidersFile(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var pf ProvidersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	return &pf, nil
}

func (c *Config) Validate() error {
	positive := []struct {
		key   string
		value int64
	}{
		{"MAX_QUEUE_SIZE", int64(c.MaxQueueSize)},
		{"WORKERS", int64(c.Workers)},
		{"REORDER_WINDOW", int64(c.ReorderWindow)},
		{"REQUEST_TIMEOUT", int64(c.RequestTimeout)},
		{"STALL_TIMEOUT", int64(c.StallTimeout)},
		{"QUEUE_SWEEP_INTERVAL", int64(c.QueueSweepInterval)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if c.MaxRequestTimeout < c.RequestTimeout {
		return errors.New("MAX_REQUEST_TIMEOUT must not be below REQUEST_TIMEOUT")
	}
	if c.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must not be negative")
	}

	switch ratelimit.FailurePolicy(c.RateLimitFailurePolicy) {
	case ratelimit.FailOpen, ratelimit.FailClosed:
	default:
		return fmt.Errorf("unknown RATE_LIMIT_FAILURE_POLICY %q", c.RateLimitFailurePolicy)
	}

	if _, err := c.RateLimit(); err != nil {
		return err
	}
	return nil
}

// RateLimit assembles the limiter configuration from the env limits and the
// per-identity overrides of the providers file.
func (c *Config) RateLimit() (ratelimit.Config, error) {
	policy, err := ratelimit.ParsePolicy(c.RateLimitPolicy)
	if err != nil {
		return ratelimit.Config{}, err
	}

	rl := ratelimit.Config{
		Requests:       ratelimit.PerMinute(c.RateLimitRPM, c.RateLimitBurst),
		Tokens:         ratelimit.PerMinute(c.RateLimitTPM, 0),
		GlobalRequests: ratelimit.PerMinute(c.GlobalRPM, c.GlobalBurst),
		Overrides:      c.Providers.Overrides,
		Policy:         policy,
		FailurePolicy:  ratelimit.FailurePolicy(c.RateLimitFailurePolicy),
		IdleTTL:        c.RateLimitIdleTTL,
	}
	if err := rl.Validate(); err != nil {
		return ratelimit.Config{}, fmt.Errorf("rate limit config: %w", err)
	}
	return rl, nil
}

// RegisterOptions returns the registry options declared for name in the
// providers file.
func (c *Config) RegisterOptions(name string) []registry.RegisterOption {
	entry, ok := c.Providers.Providers[name]
	if !ok {
		return nil
	}
	var opts []registry.RegisterOption
	if entry.Pacing != nil && entry.Pacing.RequestsPerSecond > 0 {
		opts = append(opts, registry.WithPacing(*entry.Pacing))
	}
	if len(entry.Models) > 0 {
		opts = append(opts, registry.WithModels(entry.Models...))
	}
	return opts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "streamstack"
	}
	return name
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("30") or a Go duration ("250ms").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
