// Package interpreter sends recognized speech to an OpenAI-compatible chat
// completion endpoint together with the device tool schema.
package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInterpretation marks every failure returned by a Client.
var ErrInterpretation = errors.New("interpretation failed")

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Result carries the model reply, an optional tool call and the raw response payload.
type Result struct {
	Text     string
	ToolCall *ToolCall
	Raw      json.RawMessage
}

type Client interface {
	Interpret(ctx context.Context, text string) (Result, error)
}

// Error describes a failed interpretation attempt.
type Error struct {
	StatusCode int
	Retryable  bool
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Detail
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("status %d: %s", e.StatusCode, e.Detail)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInterpretation}
	}
	return []error{ErrInterpretation, e.Err}
}

func (e *Error) IsRetryable() bool { return e.Retryable }
