package app

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/audiorelay/internal/config"
	"github.com/ent0n29/audiorelay/internal/interpreter"
	"github.com/ent0n29/audiorelay/internal/transcription"
)

type providerSetup struct {
	transcriber  transcription.Client
	interpreter  interpreter.Client
	resolvedMode string
	detail       string
	cleanup      func()
}

func resolveProviders(cfg config.Config) (providerSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.ProviderMode))
	if mode == "" {
		mode = "auto"
	}

	tryHTTP := func() (providerSetup, bool, error) {
		if strings.TrimSpace(cfg.GroqAPIKey) == "" {
			return providerSetup{}, false, nil
		}
		client, err := newOutboundClient(cfg.HTTPProxyURL)
		if err != nil {
			return providerSetup{}, false, err
		}
		tr := transcription.NewHTTPClient(transcription.HTTPConfig{
			BaseURL:    cfg.GroqBaseURL,
			APIKey:     cfg.GroqAPIKey,
			Model:      cfg.TranscriptionModel,
			MaxRetries: cfg.ProviderMaxRetries,
			HTTPClient: client,
		})
		in := interpreter.NewHTTPClient(interpreter.HTTPConfig{
			BaseURL:      cfg.GroqBaseURL,
			APIKey:       cfg.GroqAPIKey,
			Model:        cfg.InterpreterModel,
			PromptPrefix: cfg.InterpreterPromptPrefix,
			MaxRetries:   cfg.ProviderMaxRetries,
			HTTPClient:   client,
		})
		detail := fmt.Sprintf("http (%s + %s)", cfg.TranscriptionModel, cfg.InterpreterModel)
		if cfg.HTTPProxyURL != "" {
			detail += " via proxy"
		}
		return providerSetup{
			transcriber:  tr,
			interpreter:  in,
			resolvedMode: "http",
			detail:       detail,
			cleanup:      client.CloseIdleConnections,
		}, true, nil
	}

	tryLocal := func(fatal bool) (transcription.Client, bool, error) {
		c, err := transcription.NewWhisperCLIClient(transcription.WhisperCLIConfig{
			CLI:       cfg.LocalWhisperCLI,
			ModelPath: cfg.LocalWhisperModelPath,
			Language:  cfg.LocalWhisperLanguage,
			Threads:   cfg.LocalWhisperThreads,
		})
		if err != nil {
			if fatal {
				return nil, false, fmt.Errorf("local transcription init failed: %w", err)
			}
			return nil, false, nil
		}
		return c, true, nil
	}

	mock := providerSetup{
		transcriber:  transcription.NewMockClient(),
		interpreter:  interpreter.NewMockClient(),
		resolvedMode: "mock",
		detail:       "mock",
	}

	switch mode {
	case "http":
		setup, ok, err := tryHTTP()
		if err != nil {
			return providerSetup{}, err
		}
		if !ok {
			return providerSetup{}, fmt.Errorf("PROVIDER_MODE=http but GROQ_API_KEY is not set")
		}
		return setup, nil
	case "local":
		local, _, err := tryLocal(true)
		if err != nil {
			return providerSetup{}, err
		}
		setup, ok, err := tryHTTP()
		if err != nil {
			return providerSetup{}, err
		}
		if !ok {
			setup = mock
			setup.detail = "local whisper.cpp + mock interpreter"
		} else {
			setup.detail = fmt.Sprintf("local whisper.cpp + http (%s)", cfg.InterpreterModel)
		}
		setup.transcriber = local
		setup.resolvedMode = "local"
		return setup, nil
	case "mock":
		return mock, nil
	case "auto":
		setup, ok, err := tryHTTP()
		if err != nil {
			return providerSetup{}, err
		}
		if ok {
			return setup, nil
		}
		if local, hasLocal, _ := tryLocal(false); hasLocal {
			mock.transcriber = local
			mock.resolvedMode = "local"
			mock.detail = "local whisper.cpp + mock interpreter (no GROQ_API_KEY)"
			return mock, nil
		}
		mock.detail = "mock (no GROQ_API_KEY, whisper.cpp unavailable)"
		return mock, nil
	default:
		return providerSetup{}, fmt.Errorf("invalid PROVIDER_MODE: %q (expected auto|http|local|mock)", cfg.ProviderMode)
	}
}

// newOutboundClient builds the client shared by both providers. Per-call
// deadlines come from the session timeouts, not from the client.
func newOutboundClient(proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	if proxyURL = strings.TrimSpace(proxyURL); proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid HTTP_PROXY_URL %q", proxyURL)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport}, nil
}
