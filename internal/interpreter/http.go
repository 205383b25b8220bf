package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/audiorelay/internal/reliability"
)

const (
	DefaultBaseURL      = "https://api.groq.com/openai/v1"
	DefaultModel        = "openai/gpt-oss-20b"
	DefaultPromptPrefix = "Транскрипт пользователя: "

	maxResponseBytes = 4 << 20
)

type HTTPConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	PromptPrefix string
	MaxRetries   int
	RetryBase    time.Duration
	HTTPClient   *http.Client
}

// HTTPClient posts transcripts to {BaseURL}/chat/completions.
type HTTPClient struct {
	url          string
	apiKey       string
	model        string
	promptPrefix string
	maxRetries   int
	retryBase    time.Duration
	client       *http.Client
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
	prefix := cfg.PromptPrefix
	if prefix == "" {
		prefix = DefaultPromptPrefix
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
		url:          base + "/chat/completions",
		apiKey:       strings.TrimSpace(cfg.APIKey),
		model:        model,
		promptPrefix: prefix,
		maxRetries:   cfg.MaxRetries,
		retryBase:    retryBase,
		client:       client,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []Tool        `json:"tools"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Interpret(ctx context.Context, text string) (Result, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: c.promptPrefix + text}},
		Tools:    DeviceTools(),
	})
	if err != nil {
		return Result{}, &Error{Detail: "marshal request", Err: err}
	}

	var out Result
	err = reliability.Retry(ctx, c.maxRetries, c.retryBase, 8*c.retryBase, reliability.IsRetryable, func(ctx context.Context) error {
		res, err := c.send(ctx, payload)
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

func (c *HTTPClient) send(ctx context.Context, payload []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &Error{Detail: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
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
	return parseResponse(body)
}

func parseResponse(body []byte) (Result, error) {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, &Error{Detail: "parse response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return Result{}, &Error{Detail: "response has no choices"}
	}

	msg := parsed.Choices[0].Message
	out := Result{Raw: json.RawMessage(body)}
	if msg.Content != nil {
		out.Text = strings.TrimSpace(*msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return Result{}, &Error{Detail: fmt.Sprintf("parse arguments of %s", tc.Function.Name), Err: err}
			}
		}
		out.ToolCall = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
		break
	}
	return out, nil
}
