package transcription

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/audiorelay/internal/audio"
)

// MockClient is a local fallback used when no transcription service is configured.
// It reports the recording length instead of recognized speech.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Transcribe(ctx context.Context, path string) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, &Error{Detail: "mock transcription", Err: ctx.Err()}
	default:
	}

	info, err := audio.ReadWAVInfo(path)
	if err != nil {
		return Result{}, &Error{Detail: "read recording", Err: err}
	}
	text := fmt.Sprintf("simulated transcript of %.2fs audio", info.Duration.Seconds())
	raw, err := json.Marshal(map[string]any{
		"text":     text,
		"duration": info.Duration.Seconds(),
		"mock":     true,
	})
	if err != nil {
		return Result{}, &Error{Detail: "encode mock payload", Err: err}
	}
	return Result{Text: text, Raw: raw}, nil
}
