package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command identifies control and reply payloads by their "cmd" field.
type Command string

const (
	CmdStart  Command = "start"
	CmdEnd    Command = "end"
	CmdAck    Command = "ack"
	CmdResult Command = "result"
	CmdError  Command = "error"
)

const (
	DefaultRate      = 16000
	DefaultChannels  = 1
	DefaultSampWidth = 2 // bytes per sample
)

const (
	MsgStarted     = "started"
	MsgEnded       = "ended"
	MsgNoRecording = "no recording"
	MsgInProgress  = "recording already in progress"
)

var (
	// ErrMalformed reports a text frame that is not a JSON control object.
	ErrMalformed = errors.New("malformed control message")
	// ErrProtocol reports a well-formed command that is invalid in the current state.
	ErrProtocol = errors.New("protocol violation")
)

// FrameKind separates binary audio frames from textual control frames.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one inbound websocket message.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Control is an inbound textual command. Start fields stay raw until
// StartParams coerces them.
type Control struct {
	Cmd       Command         `json:"cmd"`
	Rate      json.RawMessage `json:"rate,omitempty"`
	Channels  json.RawMessage `json:"channels,omitempty"`
	SampWidth json.RawMessage `json:"sampwidth,omitempty"`
}

// StartParams returns the start fields with defaults applied. SampWidth is in
// bytes. Absent or null fields take their default.
func (c Control) StartParams() (rate, channels, sampWidth int, err error) {
	if rate, err = intField("rate", c.Rate, DefaultRate); err != nil {
		return 0, 0, 0, err
	}
	if channels, err = intField("channels", c.Channels, DefaultChannels); err != nil {
		return 0, 0, 0, err
	}
	if sampWidth, err = intField("sampwidth", c.SampWidth, DefaultSampWidth); err != nil {
		return 0, 0, 0, err
	}
	return rate, channels, sampWidth, nil
}

// intField accepts a JSON number (truncated toward zero) or a string holding
// a base-10 integer.
func intField(name string, raw json.RawMessage, def int) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return def, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer, got %q", name, s)
		}
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%s must be a number, got %s", name, raw)
	}
	if f >= math.MaxInt32+1 || f <= math.MinInt32-1 {
		return 0, fmt.Errorf("%s out of range: %s", name, raw)
	}
	return int(f), nil
}

func ParseControl(raw []byte) (Control, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Control{}, fmt.Errorf("%w: expected json object", ErrMalformed)
	}
	var msg Control
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Control{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

type Ack struct {
	Cmd Command `json:"cmd"`
	Msg string  `json:"msg"`
}

type ErrorReply struct {
	Cmd Command `json:"cmd"`
	Msg string  `json:"msg"`
}

// ToolCall relays a tool invocation requested by the interpreter. It is never executed here.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ResultBody struct {
	Transcription string          `json:"transcription"`
	WhisperRaw    json.RawMessage `json:"whisper_raw"`
	LLMRaw        json.RawMessage `json:"llm_raw"`
	Reply         string          `json:"reply,omitempty"`
	ToolCall      *ToolCall       `json:"tool_call,omitempty"`
}

type Result struct {
	Cmd  Command    `json:"cmd"`
	Body ResultBody `json:"body"`
}

func NewAck(msg string) Ack { return Ack{Cmd: CmdAck, Msg: msg} }

func NewError(msg string) ErrorReply { return ErrorReply{Cmd: CmdError, Msg: msg} }

func NewResult(body ResultBody) Result { return Result{Cmd: CmdResult, Body: body} }

// UnknownCommand builds the reply for an unrecognized cmd value.
func UnknownCommand(cmd Command) ErrorReply {
	return NewError(fmt.Sprintf("unknown cmd %s", cmd))
}

// Encode marshals an outbound message without HTML escaping so non-ASCII
// transcripts stay readable on the wire.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CommandOf reports the cmd of an outbound message.
func CommandOf(v any) (Command, bool) {
	switch m := v.(type) {
	case Ack:
		return m.Cmd, true
	case ErrorReply:
		return m.Cmd, true
	case Result:
		return m.Cmd, true
	case Control:
		return m.Cmd, true
	default:
		return "", false
	}
}
