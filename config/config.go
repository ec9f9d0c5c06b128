// Package config loads the immutable process configuration from flags,
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/martinemde/sandchat/agentloop"
	"github.com/martinemde/sandchat/llm"
)

// EnvPrefix prefixes every environment variable, e.g. SANDCHAT_ROOT.
const EnvPrefix = "SANDCHAT"

// Keys.
const (
	KeyConfigFile          = "config"
	KeyRoot                = "root"
	KeyMaxSteps            = "max_steps"
	KeyMaxParallelTools    = "max_parallel_tools"
	KeyListen              = "listen"
	KeyProvider            = "provider"
	KeyModel               = "model"
	KeyAPIKey              = "api_key"
	KeyMaxTokens           = "max_tokens"
	KeyTemperature         = "temperature"
	KeyLogLevel            = "log_level"
	KeyLogFormat           = "log_format"
	KeyShutdownTimeout     = "shutdown_timeout"
	KeyLoopDetection       = "loop_detection"
	KeyLoopDetectionWindow = "loop_detection_window"
)

const (
	DefaultListen          = "127.0.0.1:8080"
	DefaultProvider        = "openai"
	DefaultMaxTokens       = 4096
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	ErrRootRequired        = errors.New("root directory is required")
	ErrRootNotDirectory    = errors.New("root is not a directory")
	ErrCredentialsRequired = errors.New("api key is required")
	ErrInvalid             = errors.New("invalid configuration")
)

// Config is built once at startup and not modified afterwards.
type Config struct {
	Root                string        `mapstructure:"root"`
	MaxSteps            int           `mapstructure:"max_steps"`
	MaxParallelTools    int64         `mapstructure:"max_parallel_tools"`
	Listen              string        `mapstructure:"listen"`
	Provider            string        `mapstructure:"provider"`
	Model               string        `mapstructure:"model"`
	APIKey              string        `mapstructure:"api_key"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Temperature         *float64      `mapstructure:"-"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	LoopDetection       bool          `mapstructure:"loop_detection"`
	LoopDetectionWindow int           `mapstructure:"loop_detection_window"`
}

var keys = []string{
	KeyRoot, KeyMaxSteps, KeyMaxParallelTools, KeyListen, KeyProvider, KeyModel,
	KeyAPIKey, KeyMaxTokens, KeyTemperature, KeyLogLevel, KeyLogFormat,
	KeyShutdownTimeout, KeyLoopDetection, KeyLoopDetectionWindow,
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	v.SetDefault(KeyMaxSteps, agentloop.DefaultMaxSteps)
	v.SetDefault(KeyMaxParallelTools, agentloop.DefaultMaxParallelTools())
	v.SetDefault(KeyListen, DefaultListen)
	v.SetDefault(KeyProvider, DefaultProvider)
	v.SetDefault(KeyMaxTokens, DefaultMaxTokens)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
	v.SetDefault(KeyLoopDetection, true)
	v.SetDefault(KeyLoopDetectionWindow, agentloop.DefaultLoopDetectionWindow)
	return v
}

// BindFlags defines the server flags on flags and binds them to v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.String("config", "", "Config file (yaml, toml or json)")
	flags.String("root", "", "Directory all file tools are confined to (required)")
	flags.Int("max-steps", agentloop.DefaultMaxSteps, "Maximum inference steps per turn")
	flags.Int64("max-parallel-tools", agentloop.DefaultMaxParallelTools(), "Maximum concurrent tool executions per step")
	flags.String("listen", DefaultListen, "HTTP listen address")
	flags.String("provider", DefaultProvider, "Model provider (openai, anthropic, groq, ollama, ...)")
	flags.String("model", "", "Model name (default depends on provider)")
	flags.String("api-key", "", "Provider API key")
	flags.Int("max-tokens", DefaultMaxTokens, "Maximum tokens per model response")
	flags.Float64("temperature", 0, "Sampling temperature (provider default when unset)")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text or json)")
	flags.Duration("shutdown-timeout", DefaultShutdownTimeout, "Grace period for in-flight requests on shutdown")
	flags.Bool("loop-detection", true, "Warn the model when it repeats the same tool calls")
	flags.Int("loop-detection-window", agentloop.DefaultLoopDetectionWindow, "Number of recent tool calls checked for repetition")

	for _, key := range append([]string{KeyConfigFile}, keys...) {
		if err := v.BindPFlag(key, flags.Lookup(strings.ReplaceAll(key, "_", "-"))); err != nil {
			return fmt.Errorf("binding flag for %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the optional config file, decodes every source into a Config
// and validates it.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if v.IsSet(KeyTemperature) {
		t := v.GetFloat64(KeyTemperature)
		cfg.Temperature = &t
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(strings.ToUpper(cfg.Provider) + "_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = llm.DefaultModels[cfg.Provider]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes Root to an absolute
// path.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return ErrRootRequired
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootNotDirectory, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootNotDirectory, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrRootNotDirectory, abs)
	}
	c.Root = abs

	if c.APIKey == "" && c.Provider != "ollama" {
		return fmt.Errorf("%w for provider %s (set %s_API_KEY or --api-key)", ErrCredentialsRequired, c.Provider, EnvPrefix)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: no model configured and no default for provider %q", ErrInvalid, c.Provider)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("%w: max_steps must be positive, got %d", ErrInvalid, c.MaxSteps)
	}
	if c.MaxParallelTools <= 0 {
		return fmt.Errorf("%w: max_parallel_tools must be positive, got %d", ErrInvalid, c.MaxParallelTools)
	}
	if c.LoopDetectionWindow < 2 {
		return fmt.Errorf("%w: loop_detection_window must be at least 2, got %d", ErrInvalid, c.LoopDetectionWindow)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger described by the configuration.
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// LoopConfig derives the agent loop settings.
func (c *Config) LoopConfig() agentloop.Config {
	loop := agentloop.DefaultConfig()
	loop.Model = c.Model
	loop.Provider = c.Provider
	loop.MaxSteps = c.MaxSteps
	loop.MaxParallelTools = c.MaxParallelTools
	loop.Temperature = c.Temperature
	if c.MaxTokens > 0 {
		maxTokens := c.MaxTokens
		loop.MaxTokens = &maxTokens
	}
	loop.EnableLoopDetection = c.LoopDetection
	loop.LoopDetectionWindow = c.LoopDetectionWindow
	return loop
}
