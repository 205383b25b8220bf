// Package transcription turns finalized recordings into text using an
// OpenAI-compatible speech-to-text endpoint.
package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTranscription marks every failure returned by a Client.
var ErrTranscription = errors.New("transcription failed")

// Result is the recognized text plus the provider's raw response payload.
type Result struct {
	Text string
	Raw  json.RawMessage
}

// Client transcribes a finalized recording stored at path.
type Client interface {
	Transcribe(ctx context.Context, path string) (Result, error)
}

// Error describes a failed transcription attempt.
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
		return []error{ErrTranscription}
	}
	return []error{ErrTranscription, e.Err}
}

func (e *Error) IsRetryable() bool { return e.Retryable }
