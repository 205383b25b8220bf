package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the audio relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin  bool
	MaxMessageBytes int64
	AcceptRate      float64
	AcceptBurst     int

	RecordingsDir  string
	KeepRecordings bool

	LogLevel  string
	LogFormat string

	// ProviderMode selects the transcription and interpreter backends: auto, http, local or mock.
	ProviderMode       string
	GroqAPIKey         string
	GroqBaseURL        string
	HTTPProxyURL       string
	ProviderMaxRetries int

	TranscriptionModel   string
	TranscriptionTimeout time.Duration

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperLanguage  string
	LocalWhisperThreads   int

	InterpreterModel        string
	InterpreterTimeout      time.Duration
	InterpreterPromptPrefix string
}

// Load reads an optional .env file, then environment variables, and applies defaults.
// Variables already present in the environment win over the file.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8765"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "audiorelay"),
		RecordingsDir:            envOrDefault("APP_RECORDINGS_DIR", "received_audio"),
		LogLevel:                 strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		ProviderMode:             strings.ToLower(envOrDefault("PROVIDER_MODE", "auto")),
		GroqAPIKey:               stringsTrimSpace("GROQ_API_KEY"),
		GroqBaseURL:              envOrDefault("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		HTTPProxyURL:             stringsTrimSpace("HTTP_PROXY_URL"),
		TranscriptionModel:       envOrDefault("TRANSCRIPTION_MODEL", "whisper-large-v3"),
		InterpreterModel:         envOrDefault("INTERPRETER_MODEL", "openai/gpt-oss-20b"),
		LocalWhisperCLI:          envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath:    envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		LocalWhisperLanguage:     envOrDefault("LOCAL_WHISPER_LANGUAGE", "auto"),
		InterpreterPromptPrefix:  os.Getenv("INTERPRETER_PROMPT_PREFIX"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		TranscriptionTimeout:     60 * time.Second,
		InterpreterTimeout:       30 * time.Second,
		AllowAnyOrigin:           true,
		KeepRecordings:           true,
		MaxMessageBytes:          1 << 20,
		AcceptRate:               20,
		AcceptBurst:              40,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptionTimeout, err = durationFromEnv("TRANSCRIPTION_TIMEOUT", cfg.TranscriptionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InterpreterTimeout, err = durationFromEnv("INTERPRETER_TIMEOUT", cfg.InterpreterTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.KeepRecordings, err = boolFromEnv("APP_KEEP_RECORDINGS", cfg.KeepRecordings)
	if err != nil {
		return Config{}, err
	}
	maxMessage, err := intFromEnv("APP_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxMessage)
	cfg.AcceptRate, err = floatFromEnv("APP_ACCEPT_RATE", cfg.AcceptRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AcceptBurst, err = intFromEnv("APP_ACCEPT_BURST", cfg.AcceptBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderMaxRetries, err = intFromEnv("PROVIDER_MAX_RETRIES", cfg.ProviderMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperThreads, err = intFromEnv("LOCAL_WHISPER_THREADS", cfg.LocalWhisperThreads)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.TranscriptionTimeout <= 0 {
		return fmt.Errorf("TRANSCRIPTION_TIMEOUT must be positive")
	}
	if c.InterpreterTimeout <= 0 {
		return fmt.Errorf("INTERPRETER_TIMEOUT must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("APP_MAX_MESSAGE_BYTES must be positive")
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("APP_ACCEPT_RATE must be >= 0")
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		return fmt.Errorf("APP_ACCEPT_BURST must be positive when APP_ACCEPT_RATE is set")
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("PROVIDER_MAX_RETRIES must be >= 0")
	}
	if strings.TrimSpace(c.RecordingsDir) == "" {
		return fmt.Errorf("APP_RECORDINGS_DIR must not be empty")
	}
	if c.LocalWhisperThreads < 0 {
		return fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	switch c.ProviderMode {
	case "auto", "local", "mock":
	case "http":
		if c.GroqAPIKey == "" {
			return fmt.Errorf("GROQ_API_KEY is required when PROVIDER_MODE=http")
		}
	default:
		return fmt.Errorf("PROVIDER_MODE must be one of auto, http, local, mock; got %q", c.ProviderMode)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be text or json; got %q", c.LogFormat)
	}
	if c.HTTPProxyURL != "" {
		u, err := url.Parse(c.HTTPProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("HTTP_PROXY_URL must be an absolute url")
		}
	}
	return nil
}

func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
