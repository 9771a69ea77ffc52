package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/ratelimit"
)

type (
	// Config is the daemon configuration. Zero values fall back to the
	// documented defaults so an empty file, or no file at all, boots a
	// single-node gateway with in-memory storage and limits.
	Config struct {
		Server    ServerConfig     `yaml:"server"`
		Redis     RedisConfig      `yaml:"redis"`
		Mongo     MongoConfig      `yaml:"mongo"`
		Model     ModelConfig      `yaml:"model"`
		Limits    LimitsConfig     `yaml:"limits"`
		Tracing   TracingConfig    `yaml:"tracing"`
		Executor  ExecutorConfig   `yaml:"executor"`
		Events    EventsConfig     `yaml:"events"`
		Functions []*fn.Definition `yaml:"functions"`
	}

	// ServerConfig configures the HTTP listener.
	ServerConfig struct {
		// Addr is the listen address.
		Addr string `yaml:"addr"`
		// ShutdownGrace bounds the drain after SIGTERM.
		ShutdownGrace fn.Duration `yaml:"shutdownGrace"`
	}

	// RedisConfig configures the shared Redis connection. Leaving the
	// URL empty keeps every Redis-backed feature off.
	RedisConfig struct {
		URL string `yaml:"url"`
	}

	// MongoConfig configures durable code object storage. Leaving the
	// URI empty keeps objects in memory.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// ModelConfig selects the model provider backing agentic functions.
	ModelConfig struct {
		// Provider is anthropic, openai, bedrock or none. none disables
		// agentic invocations.
		Provider string `yaml:"provider"`
		// Model is the default model id passed to the provider.
		Model string `yaml:"model"`
		// APIKeyEnv names the environment variable holding the API key.
		// Keys never appear in the file itself.
		APIKeyEnv string `yaml:"apiKeyEnv"`
		// MaxTokens caps completions when the definition does not.
		MaxTokens int `yaml:"maxTokens"`
		// TPMLimit enables the client-side tokens-per-minute throttle
		// when positive.
		TPMLimit float64 `yaml:"tpmLimit"`
		// MaxTPM bounds how far the throttle recovers after 429s.
		MaxTPM float64 `yaml:"maxTPM"`
	}

	// LimitsConfig configures the request rate limiter.
	LimitsConfig struct {
		// Backend is memory or redis.
		Backend     string       `yaml:"backend"`
		PerIP       WindowConfig `yaml:"perIp"`
		PerFunction WindowConfig `yaml:"perFunction"`
	}

	// WindowConfig is one fixed-window geometry.
	WindowConfig struct {
		Window      fn.Duration `yaml:"window"`
		MaxRequests int         `yaml:"maxRequests"`
	}

	// TracingConfig configures execution tracing.
	TracingConfig struct {
		Enabled bool `yaml:"enabled"`
		// SampleRate is the root sampling fraction in [0,1]. Nil means
		// sample everything.
		SampleRate *float64 `yaml:"sampleRate"`
		// Exporter is console, http or none.
		Exporter string `yaml:"exporter"`
		// Endpoint is the collector URL for the http exporter.
		Endpoint string `yaml:"endpoint"`
		// FlushInterval paces the background span flush.
		FlushInterval fn.Duration `yaml:"flushInterval"`
	}

	// ExecutorConfig tunes the code executor.
	ExecutorConfig struct {
		// CacheCapacity is the compiled program cache size.
		CacheCapacity int `yaml:"cacheCapacity"`
		// CacheTTL expires cached programs. Zero keeps them until evicted.
		CacheTTL fn.Duration `yaml:"cacheTTL"`
	}

	// EventsConfig configures the execution event stream.
	EventsConfig struct {
		// Enabled turns the Pulse sink on. Requires redis.url.
		Enabled bool `yaml:"enabled"`
		// StreamMaxLen bounds retained entries per execution stream.
		StreamMaxLen int `yaml:"streamMaxLen"`
	}
)

// Model providers accepted by ModelConfig.Provider.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
)

// Rate limiter backends accepted by LimitsConfig.Backend.
const (
	LimitsMemory = "memory"
	LimitsRedis  = "redis"
)

// Trace exporters accepted by TracingConfig.Exporter.
const (
	ExporterConsole = "console"
	ExporterHTTP    = "http"
	ExporterNone    = "none"
)

// LoadConfig reads the YAML file at path, applies defaults and
// validates the result. An empty path yields the default configuration.
// Unknown fields are rejected so typos fail the boot instead of
// silently reverting to defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// APIKey resolves the provider credential from the environment.
func (c ModelConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = fn.Duration(30 * time.Second)
	}
	if c.Model.Provider == "" {
		c.Model.Provider = ProviderNone
	}
	if c.Model.APIKeyEnv == "" {
		switch c.Model.Provider {
		case ProviderAnthropic:
			c.Model.APIKeyEnv = "ANTHROPIC_API_KEY"
		case ProviderOpenAI:
			c.Model.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if c.Limits.Backend == "" {
		c.Limits.Backend = LimitsMemory
	}
	if c.Limits.PerIP.Window <= 0 {
		c.Limits.PerIP.Window = fn.Duration(ratelimit.DefaultIPConfig.Window)
	}
	if c.Limits.PerIP.MaxRequests <= 0 {
		c.Limits.PerIP.MaxRequests = ratelimit.DefaultIPConfig.MaxRequests
	}
	if c.Limits.PerFunction.Window <= 0 {
		c.Limits.PerFunction.Window = fn.Duration(ratelimit.DefaultFunctionConfig.Window)
	}
	if c.Limits.PerFunction.MaxRequests <= 0 {
		c.Limits.PerFunction.MaxRequests = ratelimit.DefaultFunctionConfig.MaxRequests
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = ExporterConsole
	}
	if c.Tracing.FlushInterval <= 0 {
		c.Tracing.FlushInterval = fn.Duration(5 * time.Second)
	}
	if c.Executor.CacheCapacity <= 0 {
		c.Executor.CacheCapacity = 256
	}
	if c.Events.StreamMaxLen <= 0 {
		c.Events.StreamMaxLen = 1000
	}
}

func (c *Config) validate() error {
	switch c.Model.Provider {
	case ProviderNone, ProviderAnthropic, ProviderOpenAI, ProviderBedrock:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.Provider != ProviderNone && c.Model.Model == "" {
		return fmt.Errorf("model.model is required for provider %s", c.Model.Provider)
	}
	switch c.Limits.Backend {
	case LimitsMemory:
	case LimitsRedis:
		if c.Redis.URL == "" {
			return errors.New("limits.backend redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown limits backend %q", c.Limits.Backend)
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("mongo.uri requires mongo.database")
	}
	if c.Events.Enabled && c.Redis.URL == "" {
		return errors.New("events.enabled requires redis.url")
	}
	switch c.Tracing.Exporter {
	case ExporterConsole, ExporterNone:
	case ExporterHTTP:
		if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
			return errors.New("tracing.exporter http requires tracing.endpoint")
		}
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}
	return nil
}
