package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Diarization providers
const (
	DiarizationHTTP     = "http"
	DiarizationDeepgram = "deepgram"
)

// Analysis transports
const (
	AnalysisHTTP = "http"
	AnalysisGRPC = "grpc"
)

// Config holds all configuration for the interview gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Audio capture configuration
	ChunkIntervalMs    int     `envconfig:"CHUNK_INTERVAL_MS" default:"1000"`     // Streamer tick
	AudioBufferSize    int     `envconfig:"AUDIO_BUFFER_SIZE" default:"262144"`   // Capture ring buffer size in bytes
	AudioSampleRate    int     `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`    // PCM16 mono
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for speech
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end
	SkipSilentChunks   bool    `envconfig:"SKIP_SILENT_CHUNKS" default:"false"`   // Do not submit chunks without speech

	// Diarization service configuration
	DiarizationProvider         string `envconfig:"DIARIZATION_PROVIDER" default:"http"` // http, deepgram
	DiarizationURL              string `envconfig:"DIARIZATION_URL" default:""`
	DiarizationHealthURL        string `envconfig:"DIARIZATION_HEALTH_URL" default:""`
	DiarizationTimeoutMs        int    `envconfig:"DIARIZATION_TIMEOUT_MS" default:"5000"`
	DiarizationFailureThreshold int    `envconfig:"DIARIZATION_FAILURE_THRESHOLD" default:"3"` // Consecutive failures before a health warning

	// Deepgram live diarization (DIARIZATION_PROVIDER=deepgram)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Analysis service configuration
	AnalysisTransport   string `envconfig:"ANALYSIS_TRANSPORT" default:"http"` // http, grpc
	AnalysisURL         string `envconfig:"ANALYSIS_URL" default:""`
	AnalysisHealthURL   string `envconfig:"ANALYSIS_HEALTH_URL" default:""`
	AnalysisGRPCTarget  string `envconfig:"ANALYSIS_GRPC_TARGET" default:"localhost:50051"`
	AnalysisTLSEnabled  bool   `envconfig:"ANALYSIS_TLS_ENABLED" default:"false"`
	AnalysisTimeoutMs   int    `envconfig:"ANALYSIS_TIMEOUT_MS" default:"9000"`
	AnalysisLateGraceMs int    `envconfig:"ANALYSIS_LATE_GRACE_MS" default:"20000"` // How long a timed-out call may still complete for audit
	QuietWindowMs       int    `envconfig:"QUIET_WINDOW_MS" default:"1500"`

	// Question bank
	QuestionBankPath string `envconfig:"QUESTION_BANK_PATH" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Milliseconds before the single diarization retry
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // Milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider-specific requirements
func (c *Config) Validate() error {
	switch c.DiarizationProvider {
	case DiarizationHTTP:
		if c.DiarizationURL == "" {
			return fmt.Errorf("DIARIZATION_URL is required for the http diarization provider")
		}
	case DiarizationDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram diarization provider")
		}
	default:
		return fmt.Errorf("unknown DIARIZATION_PROVIDER %q", c.DiarizationProvider)
	}

	switch c.AnalysisTransport {
	case AnalysisHTTP:
		if c.AnalysisURL == "" {
			return fmt.Errorf("ANALYSIS_URL is required for the http analysis transport")
		}
	case AnalysisGRPC:
		if c.AnalysisGRPCTarget == "" {
			return fmt.Errorf("ANALYSIS_GRPC_TARGET is required for the grpc analysis transport")
		}
	default:
		return fmt.Errorf("unknown ANALYSIS_TRANSPORT %q", c.AnalysisTransport)
	}

	if c.ChunkIntervalMs <= 0 || c.QuietWindowMs <= 0 || c.AnalysisTimeoutMs <= 0 {
		return fmt.Errorf("CHUNK_INTERVAL_MS, QUIET_WINDOW_MS and ANALYSIS_TIMEOUT_MS must be positive")
	}

	return nil
}

// ChunkInterval returns the streamer tick as a duration
func (c *Config) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMs) * time.Millisecond
}

// QuietWindow returns the analysis debounce window
func (c *Config) QuietWindow() time.Duration {
	return time.Duration(c.QuietWindowMs) * time.Millisecond
}

// AnalysisTimeout returns the per-call analysis deadline
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutMs) * time.Millisecond
}

// AnalysisLateGrace returns how long an abandoned analysis call may keep running
func (c *Config) AnalysisLateGrace() time.Duration {
	return time.Duration(c.AnalysisLateGraceMs) * time.Millisecond
}

// DiarizationTimeout returns the per-chunk diarization deadline
func (c *Config) DiarizationTimeout() time.Duration {
	return time.Duration(c.DiarizationTimeoutMs) * time.Millisecond
}
