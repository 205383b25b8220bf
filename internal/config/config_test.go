package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8765" {
		t.Fatalf("BindAddr = %q, want :8765", cfg.BindAddr)
	}
	if cfg.ProviderMode != "auto" {
		t.Fatalf("ProviderMode = %q, want auto", cfg.ProviderMode)
	}
	if cfg.RecordingsDir != "received_audio" || !cfg.KeepRecordings {
		t.Fatalf("recordings = (%q, %v), want (received_audio, true)", cfg.RecordingsDir, cfg.KeepRecordings)
	}
	if cfg.MaxMessageBytes != 1<<20 {
		t.Fatalf("MaxMessageBytes = %d, want %d", cfg.MaxMessageBytes, 1<<20)
	}
	if cfg.TranscriptionTimeout != time.Minute || cfg.InterpreterTimeout != 30*time.Second {
		t.Fatalf("timeouts = (%v, %v)", cfg.TranscriptionTimeout, cfg.InterpreterTimeout)
	}
	if cfg.TranscriptionModel != "whisper-large-v3" {
		t.Fatalf("TranscriptionModel = %q", cfg.TranscriptionModel)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("PROVIDER_MODE", "HTTP")
	t.Setenv("GROQ_API_KEY", " secret ")
	t.Setenv("TRANSCRIPTION_TIMEOUT", "5s")
	t.Setenv("APP_ACCEPT_RATE", "2.5")
	t.Setenv("APP_KEEP_RECORDINGS", "no")
	t.Setenv("HTTP_PROXY_URL", "http://proxy.local:3128")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.ProviderMode != "http" || cfg.GroqAPIKey != "secret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TranscriptionTimeout != 5*time.Second {
		t.Fatalf("TranscriptionTimeout = %v, want 5s", cfg.TranscriptionTimeout)
	}
	if cfg.AcceptRate != 2.5 {
		t.Fatalf("AcceptRate = %v, want 2.5", cfg.AcceptRate)
	}
	if cfg.KeepRecordings {
		t.Fatalf("KeepRecordings = true, want false")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"APP_MAX_MESSAGE_BYTES":          "0",
		"PROVIDER_MODE":                  "cloud",
		"APP_LOG_LEVEL":                  "loud",
		"APP_LOG_FORMAT":                 "xml",
		"TRANSCRIPTION_TIMEOUT":          "soon",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
		"PROVIDER_MAX_RETRIES":           "-1",
		"HTTP_PROXY_URL":                 "proxy.local",
		"LOCAL_WHISPER_THREADS":          "-2",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadHTTPModeRequiresKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PROVIDER_MODE", "http")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "GROQ_API_KEY") {
		t.Fatalf("Load() error = %v, want GROQ_API_KEY error", err)
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "relay.env")
	content := "APP_RECORDINGS_DIR=/tmp/from-file\nAPP_BIND_ADDR=:1111\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":2222")
	// godotenv never overrides a variable that is present, even when empty.
	if err := os.Unsetenv("APP_RECORDINGS_DIR"); err != nil {
		t.Fatalf("Unsetenv() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RecordingsDir != "/tmp/from-file" {
		t.Fatalf("RecordingsDir = %q, want value from env file", cfg.RecordingsDir)
	}
	if cfg.BindAddr != ":2222" {
		t.Fatalf("BindAddr = %q, want environment to win", cfg.BindAddr)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_MAX_MESSAGE_BYTES",
		"APP_ACCEPT_RATE",
		"APP_ACCEPT_BURST",
		"APP_RECORDINGS_DIR",
		"APP_KEEP_RECORDINGS",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"PROVIDER_MODE",
		"GROQ_API_KEY",
		"GROQ_BASE_URL",
		"HTTP_PROXY_URL",
		"PROVIDER_MAX_RETRIES",
		"TRANSCRIPTION_MODEL",
		"TRANSCRIPTION_TIMEOUT",
		"INTERPRETER_MODEL",
		"INTERPRETER_TIMEOUT",
		"INTERPRETER_PROMPT_PREFIX",
		"LOCAL_WHISPER_CLI",
		"LOCAL_WHISPER_MODEL_PATH",
		"LOCAL_WHISPER_LANGUAGE",
		"LOCAL_WHISPER_THREADS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
