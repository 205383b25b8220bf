package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ent0n29/audiorelay/internal/reliability"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "whisper-large-v3"

	maxResponseBytes = 8 << 20
)

type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int
	RetryBase  time.Duration
	HTTPClient *http.Client
}

// HTTPClient posts recordings to {BaseURL}/audio/transcriptions as multipart form data.
type HTTPClient struct {
	url        string
	apiKey     string
	model      string
	maxRetries int
	retryBase  time.Duration
	client     *http.Client
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 250 * time.Millisecond
	}
	return &HTTPClient{
		url:        base + "/audio/transcriptions",
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      model,
		maxRetries: cfg.MaxRetries,
		retryBase:  retryBase,
		client:     client,
	}
}

func (c *HTTPClient) Transcribe(ctx context.Context, path string) (Result, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return Result{}, &Error{Detail: "read recording", Err: err}
	}
	var out Result
	err = reliability.Retry(ctx, c.maxRetries, c.retryBase, 8*c.retryBase, reliability.IsRetryable, func(ctx context.Context) error {
		res, err := c.send(ctx, audio, filepath.Base(path))
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

func (c *HTTPClient) send(ctx context.Context, audio []byte, filename string) (Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Result{}, &Error{Detail: "create form file", Err: err}
	}
	if _, err := fw.Write(audio); err != nil {
		return Result{}, &Error{Detail: "write audio data", Err: err}
	}
	for _, field := range [][2]string{
		{"model", c.model},
		{"temperature", "0"},
		{"response_format", "verbose_json"},
	} {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return Result{}, &Error{Detail: "write " + field[0] + " field", Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, &Error{Detail: "close multipart writer", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return Result{}, &Error{Detail: "create request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return Result{}, &Error{Detail: "send request", Retryable: ctx.Err() == nil, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Result{}, &Error{
			StatusCode: res.StatusCode,
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
			Detail:     strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &Error{Detail: "read response", Err: err}
	}
	var parsed struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, &Error{Detail: "parse response", Err: err}
	}
	if parsed.Text == nil {
		return Result{}, &Error{Detail: "response has no text field"}
	}
	return Result{Text: strings.TrimSpace(*parsed.Text), Raw: json.RawMessage(body)}, nil
}
