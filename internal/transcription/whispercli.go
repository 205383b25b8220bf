package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const maxStderrDetail = 8 << 10

type WhisperCLIConfig struct {
	CLI       string
	ModelPath string
	Language  string
	Threads   int
}

// WhisperCLIClient transcribes recordings with a local whisper.cpp binary.
// whisper.cpp expects 16 kHz input; other rates are rejected by the tool.
type WhisperCLIClient struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
}

func NewWhisperCLIClient(cfg WhisperCLIConfig) (*WhisperCLIClient, error) {
	cli := strings.TrimSpace(cfg.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s): %w", cli, err)
	}
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, errors.New("LOCAL_WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "auto"
	}
	threads := cfg.Threads
	if threads < 0 {
		return nil, errors.New("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if threads == 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}
	return &WhisperCLIClient{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
	}, nil
}

func (c *WhisperCLIClient) Transcribe(ctx context.Context, path string) (Result, error) {
	if _, err := os.Stat(path); err != nil {
		return Result{}, &Error{Detail: "read recording", Err: err}
	}
	tmpDir, err := os.MkdirTemp("", "audiorelay-whisper-*")
	if err != nil {
		return Result{}, &Error{Detail: "create temp dir", Err: err}
	}
	defer os.RemoveAll(tmpDir)
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", c.modelPath,
		"-f", path,
		"-l", c.language,
		"-otxt",
		"-of", outPrefix,
		"-nt",
		"-t", strconv.Itoa(c.threads),
	}
	cmd := exec.CommandContext(ctx, c.cliPath, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, &Error{Detail: "whisper.cpp interrupted", Err: ctxErr}
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > maxStderrDetail {
			detail = strings.TrimSpace(detail[len(detail)-maxStderrDetail:])
		}
		if detail == "" {
			detail = err.Error()
		}
		return Result{}, &Error{Detail: "whisper.cpp failed: " + detail}
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return Result{}, &Error{Detail: "read whisper.cpp output", Err: err}
	}
	text := strings.TrimSpace(string(b))
	raw, err := json.Marshal(map[string]any{
		"text":     text,
		"backend":  "whisper-cli",
		"language": c.language,
	})
	if err != nil {
		return Result{}, &Error{Detail: "encode payload", Err: err}
	}
	return Result{Text: text, Raw: raw}, nil
}
