package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service.
type Config struct {
	// Server configuration
	Port       string `envconfig:"PORT" default:"8080"`
	PublicHost string `envconfig:"PUBLIC_HOST" default:"localhost:8080"` // host Twilio can reach (ngrok URL or domain)
	UseHTTPS   bool   `envconfig:"USE_HTTPS" default:"false"`

	// Twilio call-control configuration
	TwilioAccountSID  string `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken   string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioPhoneNumber string `envconfig:"TWILIO_PHONE_NUMBER" required:"true"`

	// Model protocol transport configuration
	ModelStreamURL string `envconfig:"MODEL_STREAM_URL" required:"true"` // wss endpoint of the speech-to-speech model
	ModelAPIKey    string `envconfig:"MODEL_API_KEY" default:""`
	ModelID        string `envconfig:"MODEL_ID" default:"sonic-v1"`
	DefaultVoiceID string `envconfig:"DEFAULT_VOICE_ID" default:"matthew"`

	// Call lifecycle configuration
	MaxCallDurationS int `envconfig:"MAX_CALL_DURATION_S" default:"300"` // forced hangup trigger

	// Audio processing configuration
	FrameDurationMs    int     `envconfig:"FRAME_DURATION_MS" default:"20"`     // pacing + VAD window size
	FrameQueueCapacity int     `envconfig:"FRAME_QUEUE_CAPACITY" default:"50"`  // backpressure bound
	MaxConcurrentSends int     `envconfig:"MAX_CONCURRENT_SENDS" default:"3"`   // outstanding model sends
	VADThreshold       float64 `envconfig:"VAD_THRESHOLD" default:"0.5"`        // speech/silence decision boundary
	VADMinSpeechMs     int     `envconfig:"VAD_MIN_SPEECH_MS" default:"250"`    // speech duration before speaking starts
	VADMinSilenceMs    int     `envconfig:"VAD_MIN_SILENCE_MS" default:"700"`   // silence duration before speaking ends
	VADSilenceFloor    float64 `envconfig:"VAD_SILENCE_FLOOR" default:"500.0"`  // energy fallback lower bound
	VADSpeechCeiling   float64 `envconfig:"VAD_SPEECH_CEILING" default:"2000.0"`
	NoiseGateThreshold float64 `envconfig:"NOISE_GATE_THRESHOLD" default:"0.02"`

	// Prompt configuration
	SystemPromptPath    string `envconfig:"SYSTEM_PROMPT_PATH" default:"prompts/system_prompt.txt"`
	BusinessContextPath string `envconfig:"BUSINESS_CONTEXT_PATH" default:"prompts/business_context.json"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from the environment, loading a .env file first
// if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// (useful for containerized deployments where no .env file exists).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.FrameDurationMs <= 0 {
		return nil, fmt.Errorf("FRAME_DURATION_MS must be positive")
	}
	if cfg.FrameQueueCapacity <= 0 {
		return nil, fmt.Errorf("FRAME_QUEUE_CAPACITY must be positive")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return nil, fmt.Errorf("VAD_THRESHOLD must be in [0,1]")
	}

	return &cfg, nil
}

// FrameDuration returns the frame duration as a time.Duration.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

// MaxCallDuration returns the call duration cap as a time.Duration.
func (c *Config) MaxCallDuration() time.Duration {
	return time.Duration(c.MaxCallDurationS) * time.Second
}

// SpeechFrames returns the VAD rising-edge frame count, rounding up so a
// partial frame of speech counts toward the edge.
func (c *Config) SpeechFrames() int {
	return (c.VADMinSpeechMs + c.FrameDurationMs - 1) / c.FrameDurationMs
}

// SilenceFrames returns the VAD falling-edge frame count, rounding up.
func (c *Config) SilenceFrames() int {
	return (c.VADMinSilenceMs + c.FrameDurationMs - 1) / c.FrameDurationMs
}
