package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"
)

// Mode selects how the backend's reply is delivered. It is a per-instance
// configuration choice, not negotiated at runtime.
type Mode string

const (
	ModeStandard  Mode = "standard"
	ModeStreaming Mode = "streaming"
)

// Default key names for the outbound payload; both are overridable because
// backends differ in what they call these fields.
const (
	DefaultChatInputKey = "chatInput"
	DefaultSessionKey   = "sessionId"
)

// Config is the single validated configuration object for one bridge
// instance. It is validated once at construction and rejected eagerly if
// invalid rather than failing deep inside a request.
type Config struct {
	// Endpoint is the backend webhook URL messages are posted to.
	Endpoint string `yaml:"endpoint"`

	// Mode is "standard" (single JSON reply) or "streaming".
	Mode Mode `yaml:"mode"`

	ChatInputKey string `yaml:"chat_input_key"`
	SessionKey   string `yaml:"session_key"`

	// Headers are sent verbatim on every request (auth tokens live here).
	Headers map[string]string `yaml:"headers"`

	// Metadata is the opaque context object supplied by the host app.
	Metadata map[string]any `yaml:"metadata"`

	// RequestTimeout is the transport's own deadline, independent of caller
	// cancellation.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Retry schedule.
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`

	// Offline queue bounds.
	QueueCapacity int           `yaml:"queue_capacity"`
	QueueMaxAge   time.Duration `yaml:"queue_max_age"`

	// DataDir holds the local store (sessions, offline queue). Empty means
	// in-memory only.
	DataDir string `yaml:"data_dir"`

	Environment string `yaml:"environment"`
}

// Load builds a Config from environment variables with defaults.
func Load() *Config {
	return &Config{
		Endpoint:          getEnv("CHAT_ENDPOINT", ""),
		Mode:              Mode(getEnv("CHAT_MODE", string(ModeStreaming))),
		ChatInputKey:      getEnv("CHAT_INPUT_KEY", DefaultChatInputKey),
		SessionKey:        getEnv("CHAT_SESSION_KEY", DefaultSessionKey),
		Headers:           map[string]string{},
		Metadata:          map[string]any{},
		RequestTimeout:    getEnvDuration("CHAT_REQUEST_TIMEOUT", 60*time.Second),
		MaxAttempts:       getEnvInt("CHAT_MAX_ATTEMPTS", 3),
		BaseDelay:         getEnvDuration("CHAT_RETRY_BASE_DELAY", 500*time.Millisecond),
		MaxDelay:          getEnvDuration("CHAT_RETRY_MAX_DELAY", 10*time.Second),
		BackoffMultiplier: 2,
		QueueCapacity:     getEnvInt("CHAT_QUEUE_CAPACITY", 50),
		QueueMaxAge:       getEnvDuration("CHAT_QUEUE_MAX_AGE", 24*time.Hour),
		DataDir:           getEnv("CHAT_DATA_DIR", ""),
		Environment:       getEnv("ENVIRONMENT", "dev"),
	}
}

// LoadFile overlays values from a YAML file onto c. Fields absent from the
// document keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects an unusable configuration before any request is made.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.Required, is.URL),
		validation.Field(&c.Mode, validation.Required, validation.In(ModeStandard, ModeStreaming)),
		validation.Field(&c.ChatInputKey, validation.Required),
		validation.Field(&c.SessionKey, validation.Required),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.BackoffMultiplier, validation.Min(1.0)),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
