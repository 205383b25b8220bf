package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var mockStatePattern = regexp.MustCompile(`\b(on|off)\b`)

// MockClient provides deterministic local replies when no chat service is configured.
// A transcript mentioning "on" or "off" yields a set_led_state call.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Interpret(ctx context.Context, text string) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, &Error{Detail: "mock interpretation", Err: ctx.Err()}
	default:
	}

	base := strings.TrimSpace(text)
	if base == "" {
		base = "nothing"
	}
	out := Result{Text: fmt.Sprintf("I heard you: %s", base)}

	if m := mockStatePattern.FindStringSubmatch(strings.ToLower(base)); m != nil {
		out.ToolCall = &ToolCall{
			ID:        "mock-call",
			Name:      ToolSetLEDState,
			Arguments: map[string]any{"state": m[1]},
		}
	}

	raw, err := json.Marshal(map[string]any{
		"mock":      true,
		"reply":     out.Text,
		"tool_call": out.ToolCall,
	})
	if err != nil {
		return Result{}, &Error{Detail: "encode mock payload", Err: err}
	}
	out.Raw = raw
	return out, nil
}
