package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice client
type Config struct {
	// Bootstrap discovery endpoint (returns the WebSocket URL and bearer token)
	OTAURL string `envconfig:"OTA_URL" required:"true"`

	// Device identity sent in the hello handshake
	DeviceID   string `envconfig:"DEVICE_ID" default:""`
	DeviceName string `envconfig:"DEVICE_NAME" default:"voice-client"`
	DeviceMAC  string `envconfig:"DEVICE_MAC" required:"true"`
	ClientID   string `envconfig:"CLIENT_ID" default:""`
	Token      string `envconfig:"TOKEN" default:""`

	// Audio parameters
	SampleRate       int `envconfig:"SAMPLE_RATE" default:"16000"`         // Output sample rate in Hz
	Channels         int `envconfig:"CHANNELS" default:"1"`                // Mono playback
	FrameSize        int `envconfig:"FRAME_SIZE" default:"960"`            // Samples per Opus frame (60ms at 16kHz)
	MinAudioDuration int `envconfig:"MIN_AUDIO_DURATION_MS" default:"120"` // Playback chunk duration in milliseconds

	// Playback buffering configuration
	BufferMinPackets int `envconfig:"BUFFER_MIN_PACKETS" default:"6"`  // Packets to accumulate before first playback
	BufferTimeout    int `envconfig:"BUFFER_TIMEOUT_MS" default:"400"` // Pre-roll wait before playing whatever arrived
	DrainMinPackets  int `envconfig:"DRAIN_MIN_PACKETS" default:"99"`  // Inner drain batch threshold
	DrainTimeout     int `envconfig:"DRAIN_TIMEOUT_MS" default:"30"`   // Inner drain wait in milliseconds
	FlushTimeout     int `envconfig:"FLUSH_TIMEOUT_MS" default:"300"`  // Backlog wait before playing a short tail chunk

	// Protocol configuration
	HelloTimeout     int    `envconfig:"HELLO_TIMEOUT_MS" default:"5000"`     // Handshake reply timeout
	TalkingGraceMs   int    `envconfig:"TALKING_GRACE_MS" default:"1000"`     // Delay before the talking signal stops after tts stop
	ReactionCooldown int    `envconfig:"REACTION_COOLDOWN_MS" default:"5000"` // Minimum gap between emotion reactions
	UnlinkKeyword    string `envconfig:"UNLINK_KEYWORD" default:"bind"`       // Transcript keyword that revokes camera capability

	// Capture configuration
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	DiagnosticsPort string `envconfig:"DIAGNOSTICS_PORT" default:"8080"` // Local health/metrics/stats server port
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`        // Log level: debug, info, warn, error
	LogPretty       bool   `envconfig:"LOG_PRETTY" default:"false"`      // Pretty print logs (for development)
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"true"`  // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Derive identity defaults that the handshake requires
	if cfg.DeviceID == "" {
		cfg.DeviceID = cfg.DeviceMAC
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.OTAURL == "" {
		return fmt.Errorf("OTA_URL is required")
	}
	if !strings.HasPrefix(c.OTAURL, "http://") && !strings.HasPrefix(c.OTAURL, "https://") {
		return fmt.Errorf("OTA_URL must be an http(s) URL, got %q", c.OTAURL)
	}
	if c.DeviceMAC == "" {
		return fmt.Errorf("DEVICE_MAC is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("CHANNELS must be 1 (mono playback), got %d", c.Channels)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("FRAME_SIZE must be positive, got %d", c.FrameSize)
	}
	if c.MinAudioDuration <= 0 {
		return fmt.Errorf("MIN_AUDIO_DURATION_MS must be positive, got %d", c.MinAudioDuration)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
