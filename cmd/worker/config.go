package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"flowstate.dev/flowstate/runtime/routine/api"
)

type (
	// Config is the worker configuration, loaded from YAML with environment
	// overrides for connection strings and secrets.
	Config struct {
		Temporal    TemporalConfig     `yaml:"temporal"`
		Mongo       MongoConfig        `yaml:"mongo"`
		Redis       RedisConfig        `yaml:"redis"`
		Providers   ProvidersConfig    `yaml:"providers"`
		HTTP        HTTPConfig         `yaml:"http"`
		Credentials []CredentialConfig `yaml:"credentials"`
		Execution   ExecutionConfig    `yaml:"execution"`
	}

	// TemporalConfig locates the Temporal cluster and names the task queue
	// this worker polls.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// MongoConfig locates the execution store database.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig locates the Redis instance backing the execution event
	// streams.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	// ProvidersConfig enables model providers for the AI transform plugin.
	// A provider is active when its key (or, for Bedrock, its region) is set.
	ProvidersConfig struct {
		// Default names the provider used when a node does not pick one.
		Default   string              `yaml:"default"`
		Anthropic ModelProviderConfig `yaml:"anthropic"`
		OpenAI    ModelProviderConfig `yaml:"openai"`
		Bedrock   BedrockConfig       `yaml:"bedrock"`
	}

	// ModelProviderConfig holds an API-key provider's settings.
	ModelProviderConfig struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	}

	// BedrockConfig holds AWS Bedrock settings. The worker signs requests
	// with these static credentials; it does not use the AWS config loader.
	BedrockConfig struct {
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		SessionToken    string `yaml:"session_token"`
		Model           string `yaml:"model"`
	}

	// HTTPConfig tunes the outbound HTTP plugin.
	HTTPConfig struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	}

	// CredentialConfig is one credential made available to routine nodes by
	// id. The data map is plugin-defined; the HTTP plugin understands the
	// keys type/token/username/password/name/value.
	CredentialConfig struct {
		ID   string            `yaml:"id"`
		Data map[string]string `yaml:"data"`
	}

	// ExecutionConfig sets the default execution options applied to every
	// routine this worker runs. Per-execution options override these.
	ExecutionConfig struct {
		MaxConcurrentActivities int         `yaml:"max_concurrent_activities"`
		ActivityTimeout         Duration    `yaml:"activity_timeout"`
		ExecutionDeadline       Duration    `yaml:"execution_deadline"`
		Retry                   RetryConfig `yaml:"retry"`
	}

	// RetryConfig mirrors api.RetryPolicy in YAML-friendly form.
	RetryConfig struct {
		InitialInterval    Duration `yaml:"initial_interval"`
		BackoffCoefficient float64  `yaml:"backoff_coefficient"`
		MaximumInterval    Duration `yaml:"maximum_interval"`
		MaximumAttempts    int      `yaml:"maximum_attempts"`
	}

	// Duration wraps time.Duration for YAML unmarshaling of values like
	// "30s" or "5m".
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() *Config {
	return &Config{
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "flowstate-routines",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "flowstate",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides connection settings and secrets from the environment so
// deployments keep them out of config files.
func (c *Config) applyEnv() {
	setFromEnv(&c.Temporal.HostPort, "TEMPORAL_HOST_PORT")
	setFromEnv(&c.Temporal.Namespace, "TEMPORAL_NAMESPACE")
	setFromEnv(&c.Temporal.TaskQueue, "TEMPORAL_TASK_QUEUE")
	setFromEnv(&c.Mongo.URI, "MONGO_URI")
	setFromEnv(&c.Mongo.Database, "MONGO_DATABASE")
	setFromEnv(&c.Redis.Addr, "REDIS_ADDR")
	setFromEnv(&c.Redis.Password, "REDIS_PASSWORD")
	setFromEnv(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setFromEnv(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&c.Providers.Bedrock.Region, "AWS_REGION")
	setFromEnv(&c.Providers.Bedrock.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setFromEnv(&c.Providers.Bedrock.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setFromEnv(&c.Providers.Bedrock.SessionToken, "AWS_SESSION_TOKEN")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for inconsistencies that would only
// surface as runtime failures later.
func (c *Config) Validate() error {
	if c.Temporal.HostPort == "" {
		return errors.New("temporal.host_port is required")
	}
	if c.Temporal.TaskQueue == "" {
		return errors.New("temporal.task_queue is required")
	}
	if c.Mongo.URI == "" {
		return errors.New("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return errors.New("mongo.database is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Providers.Anthropic.APIKey != "" && c.Providers.Anthropic.Model == "" {
		return errors.New("providers.anthropic.model is required when an API key is set")
	}
	if c.Providers.OpenAI.APIKey != "" && c.Providers.OpenAI.Model == "" {
		return errors.New("providers.openai.model is required when an API key is set")
	}
	if c.Providers.Bedrock.Region != "" {
		if c.Providers.Bedrock.Model == "" {
			return errors.New("providers.bedrock.model is required when a region is set")
		}
		if c.Providers.Bedrock.AccessKeyID == "" || c.Providers.Bedrock.SecretAccessKey == "" {
			return errors.New("providers.bedrock requires access_key_id and secret_access_key")
		}
	}
	for i, cred := range c.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("credentials[%d].id is required", i)
		}
	}
	return nil
}

// executionOptions converts the YAML execution settings into runtime
// defaults. Zero values defer to the runtime's own defaults.
func (c *Config) executionOptions() api.Options {
	return api.Options{
		MaxConcurrentActivities:     c.Execution.MaxConcurrentActivities,
		ActivityStartToCloseTimeout: time.Duration(c.Execution.ActivityTimeout),
		ExecutionDeadline:           time.Duration(c.Execution.ExecutionDeadline),
		ActivityRetry: api.RetryPolicy{
			InitialInterval:    time.Duration(c.Execution.Retry.InitialInterval),
			BackoffCoefficient: c.Execution.Retry.BackoffCoefficient,
			MaximumInterval:    time.Duration(c.Execution.Retry.MaximumInterval),
			MaximumAttempts:    c.Execution.Retry.MaximumAttempts,
		},
	}
}
