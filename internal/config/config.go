// Package config provides environment configuration for the add-in core and
// the local agent server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the local agent server.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings (optional; pipeline falls back to scripted drafting)
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Pipeline pacing
	StageDelay time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// ClientConfig is the explicit configuration the streaming session client is
// constructed with. Nothing in the client reads ambient state.
type ClientConfig struct {
	// BaseURL is the agent service root, e.g. "http://localhost:8080".
	BaseURL string

	// AuthToken is sent as a bearer token on every request. Optional.
	AuthToken string

	// MaxRetries bounds stream resumption attempts per run.
	MaxRetries int

	// RetryBaseDelay seeds the progressive backoff between retries.
	RetryBaseDelay time.Duration

	// HistoryWindow is the number of recent messages sent as context.
	HistoryWindow int

	// UndoGraceWindow is how long a cleared conversation can be restored.
	UndoGraceWindow time.Duration

	// RequestTimeout applies to non-streaming calls (start, cancel, transform).
	RequestTimeout time.Duration
}

// DefaultClientConfig returns a ClientConfig with production defaults applied
// on top of the given base URL.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:         baseURL,
		MaxRetries:      3,
		RetryBaseDelay:  500 * time.Millisecond,
		HistoryWindow:   20,
		UndoGraceWindow: 10 * time.Second,
		RequestTimeout:  30 * time.Second,
	}
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Pipeline
		StageDelay: getDurationEnv("PIPELINE_STAGE_DELAY", 250*time.Millisecond),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
