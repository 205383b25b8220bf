package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ent0n29/audiorelay/internal/audio"
	"github.com/ent0n29/audiorelay/internal/interpreter"
	"github.com/ent0n29/audiorelay/internal/observability"
	"github.com/ent0n29/audiorelay/internal/protocol"
	"github.com/ent0n29/audiorelay/internal/transcription"
)

// ErrConnectionLost is returned by Run when the transport goes away.
var ErrConnectionLost = errors.New("connection lost")

const (
	defaultTranscriptionTimeout  = 60 * time.Second
	defaultInterpretationTimeout = 30 * time.Second
)

// SinkFactory opens the destination for a new recording.
type SinkFactory func(path string, format audio.Format) (audio.Sink, error)

// OpenWAVFile is the default SinkFactory.
func OpenWAVFile(path string, format audio.Format) (audio.Sink, error) {
	sink, err := audio.CreateWAVFile(path, format)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// Tracker receives activity and state changes for the registry.
type Tracker interface {
	Touch(sessionID string) error
	SetState(sessionID string, state State) error
}

type Deps struct {
	Transcriber           transcription.Client
	Interpreter           interpreter.Client
	OpenSink              SinkFactory
	RecordingsDir         string
	TranscriptionTimeout  time.Duration
	InterpretationTimeout time.Duration
	KeepRecordings        bool
	Tracker               Tracker
	Metrics               *observability.Metrics
	Logger                *slog.Logger
}

// Controller runs the protocol for one connection. It is not safe for
// concurrent use; Run is its only entry point.
type Controller struct {
	id     string
	deps   Deps
	logger *slog.Logger

	state State
	rec   *Recording
	seq   int
	out   chan<- any
}

func NewController(sessionID string, deps Deps) *Controller {
	if deps.OpenSink == nil {
		deps.OpenSink = OpenWAVFile
	}
	if deps.RecordingsDir == "" {
		deps.RecordingsDir = "received_audio"
	}
	if deps.TranscriptionTimeout <= 0 {
		deps.TranscriptionTimeout = defaultTranscriptionTimeout
	}
	if deps.InterpretationTimeout <= 0 {
		deps.InterpretationTimeout = defaultInterpretationTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		id:     sessionID,
		deps:   deps,
		logger: logger.With("component", "session", "session_id", sessionID),
		state:  StateIdle,
	}
}

func (c *Controller) State() State { return c.state }

// Run consumes inbound frames in order until the inbound channel closes or
// ctx is cancelled, writing replies to outbound. It always returns a non-nil
// error wrapping ErrConnectionLost. Audio already queued on inbound is
// appended to the open recording before it is finalized.
func (c *Controller) Run(ctx context.Context, inbound <-chan protocol.Frame, outbound chan<- any) error {
	c.out = outbound
	defer func() {
		c.drain(inbound)
		c.shutdown()
	}()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnectionLost, ctx.Err())
		case frame, ok := <-inbound:
			if !ok {
				return ErrConnectionLost
			}
			c.touch()
			if err := c.handle(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, frame protocol.Frame) error {
	c.deps.Metrics.ObserveMessage("inbound", frame.Kind.String())
	if frame.Kind == protocol.FrameBinary {
		return c.handleAudio(ctx, frame.Data)
	}

	msg, err := protocol.ParseControl(frame.Data)
	if err != nil {
		c.logger.Warn("discarding malformed control message", "error", err, "bytes", len(frame.Data))
		c.deps.Metrics.ObserveDiscarded("malformed")
		return nil
	}
	switch msg.Cmd {
	case protocol.CmdStart:
		return c.handleStart(ctx, msg)
	case protocol.CmdEnd:
		return c.handleEnd(ctx)
	default:
		c.logger.Warn("unknown command", "cmd", msg.Cmd)
		return c.emit(ctx, protocol.UnknownCommand(msg.Cmd))
	}
}

func (c *Controller) handleStart(ctx context.Context, msg protocol.Control) error {
	if c.rec != nil {
		c.logger.Warn("start rejected", "error", protocol.ErrProtocol, "path", c.rec.Path)
		return c.emit(ctx, protocol.NewError(protocol.MsgInProgress))
	}

	rate, channels, width, err := msg.StartParams()
	if err != nil {
		return c.emit(ctx, protocol.NewError("invalid start: "+err.Error()))
	}
	if width < 1 || width > 4 {
		return c.emit(ctx, protocol.NewError(fmt.Sprintf("invalid start: sampwidth must be in [1,4], got %d", width)))
	}
	format := audio.Format{SampleRate: rate, Channels: channels, BitsPerSample: width * 8}
	if err := format.Validate(); err != nil {
		return c.emit(ctx, protocol.NewError("invalid start: "+err.Error()))
	}

	c.seq++
	path := filepath.Join(c.deps.RecordingsDir, fmt.Sprintf("rec_%s-%d.wav", c.id, c.seq))
	sink, err := c.deps.OpenSink(path, format)
	if err != nil {
		c.logger.Error("open recording failed", "path", path, "error", err)
		c.deps.Metrics.ObserveRecording("open_failed")
		return c.emit(ctx, protocol.NewError("open recording: "+err.Error()))
	}

	c.rec = &Recording{Path: path, Format: format, Sink: sink, StartedAt: time.Now()}
	c.setState(StateRecording)
	c.logger.Info("recording started",
		"path", path,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"bits_per_sample", format.BitsPerSample,
	)
	return c.emit(ctx, protocol.NewAck(protocol.MsgStarted))
}

func (c *Controller) handleAudio(ctx context.Context, pcm []byte) error {
	if c.rec == nil {
		c.logger.Debug("discarding audio while idle", "bytes", len(pcm))
		c.deps.Metrics.ObserveDiscarded("idle")
		return nil
	}
	if err := c.rec.Sink.Append(pcm); err != nil {
		rec := c.rec
		c.rec = nil
		c.setState(StateIdle)
		if abortErr := rec.Sink.Abort(); abortErr != nil {
			c.logger.Warn("abort recording failed", "path", rec.Path, "error", abortErr)
		}
		c.logger.Error("recording aborted", "path", rec.Path, "bytes", rec.Bytes, "error", err)
		c.deps.Metrics.ObserveRecording("aborted")
		return c.emit(ctx, protocol.NewError("recording aborted: "+err.Error()))
	}
	c.rec.Bytes += int64(len(pcm))
	c.deps.Metrics.AddRecordedBytes(len(pcm))
	return nil
}

func (c *Controller) handleEnd(ctx context.Context) error {
	if c.rec == nil {
		return c.emit(ctx, protocol.NewError(protocol.MsgNoRecording))
	}
	rec := c.rec
	c.rec = nil
	c.setState(StateIdle)

	if err := rec.Sink.Close(); err != nil {
		c.logger.Error("finalize recording failed", "path", rec.Path, "error", err)
		c.deps.Metrics.ObserveRecording("finalize_failed")
		return c.emit(ctx, protocol.NewError("finalize recording: "+err.Error()))
	}
	c.deps.Metrics.ObserveRecording("finalized")
	c.logger.Info("recording finalized",
		"path", rec.Path,
		"bytes", rec.Bytes,
		"duration", rec.Format.Duration(rec.Bytes),
		"elapsed", time.Since(rec.StartedAt),
	)
	if err := c.emit(ctx, protocol.NewAck(protocol.MsgEnded)); err != nil {
		return err
	}
	return c.process(ctx, rec.Path)
}

// process hands a finalized recording to the transcriber and then the
// interpreter. Calls are detached from ctx so a disconnect does not cut them
// short; each is bounded by its own timeout.
func (c *Controller) process(ctx context.Context, path string) error {
	started := time.Now()
	callCtx := context.WithoutCancel(ctx)
	if !c.deps.KeepRecordings {
		defer c.removeRecording(path)
	}

	transcript, err := c.transcribe(callCtx, path)
	if err != nil {
		c.logger.Error("transcription failed", "path", path, "error", err)
		return c.emit(ctx, protocol.NewError("transcription failed: "+err.Error()))
	}

	interpretation, err := c.interpret(callCtx, transcript.Text)
	if err != nil {
		c.logger.Error("interpretation failed", "path", path, "error", err)
		return c.emit(ctx, protocol.NewError("interpretation failed: "+err.Error()))
	}

	body := protocol.ResultBody{
		Transcription: transcript.Text,
		WhisperRaw:    transcript.Raw,
		LLMRaw:        interpretation.Raw,
		Reply:         interpretation.Text,
	}
	if tc := interpretation.ToolCall; tc != nil {
		body.ToolCall = &protocol.ToolCall{Name: tc.Name, Arguments: tc.Arguments}
		c.logger.Info("relaying tool call", "tool", tc.Name, "arguments", tc.Arguments)
	}
	c.deps.Metrics.ObserveStage(observability.StageEndToResult, time.Since(started))
	return c.emit(ctx, protocol.NewResult(body))
}

func (c *Controller) transcribe(ctx context.Context, path string) (transcription.Result, error) {
	if c.deps.Transcriber == nil {
		return transcription.Result{}, &transcription.Error{Detail: "no transcriber configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.deps.TranscriptionTimeout)
	defer cancel()

	started := time.Now()
	res, err := c.deps.Transcriber.Transcribe(ctx, path)
	elapsed := time.Since(started)
	if err != nil && !errors.Is(err, transcription.ErrTranscription) {
		err = &transcription.Error{Err: err}
	}
	c.deps.Metrics.ObserveProvider("transcription", elapsed, providerErrorCode(err))
	if err != nil {
		return transcription.Result{}, err
	}
	c.deps.Metrics.ObserveStage(observability.StageTranscription, elapsed)
	return res, nil
}

func (c *Controller) interpret(ctx context.Context, text string) (interpreter.Result, error) {
	if c.deps.Interpreter == nil {
		return interpreter.Result{}, &interpreter.Error{Detail: "no interpreter configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.deps.InterpretationTimeout)
	defer cancel()

	started := time.Now()
	res, err := c.deps.Interpreter.Interpret(ctx, text)
	elapsed := time.Since(started)
	if err != nil && !errors.Is(err, interpreter.ErrInterpretation) {
		err = &interpreter.Error{Err: err}
	}
	c.deps.Metrics.ObserveProvider("interpreter", elapsed, providerErrorCode(err))
	if err != nil {
		return interpreter.Result{}, err
	}
	c.deps.Metrics.ObserveStage(observability.StageInterpretation, elapsed)
	return res, nil
}

func (c *Controller) emit(ctx context.Context, msg any) error {
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectionLost, ctx.Err())
	}
}

// drain appends audio frames that were received before the connection was
// lost. It stops at the first control frame: later audio belongs to a command
// that can no longer be answered.
func (c *Controller) drain(inbound <-chan protocol.Frame) {
	var n, size int
	defer func() {
		if n > 0 {
			c.logger.Debug("drained queued audio after disconnect", "frames", n, "bytes", size)
		}
	}()
	for c.rec != nil {
		select {
		case frame, ok := <-inbound:
			if !ok || frame.Kind != protocol.FrameBinary {
				return
			}
			if err := c.rec.Sink.Append(frame.Data); err != nil {
				c.logger.Warn("append queued audio failed", "path", c.rec.Path, "error", err)
				_ = c.rec.Sink.Abort()
				c.rec = nil
				c.deps.Metrics.ObserveRecording("aborted")
				return
			}
			c.rec.Bytes += int64(len(frame.Data))
			c.deps.Metrics.AddRecordedBytes(len(frame.Data))
			n++
			size += len(frame.Data)
		default:
			return
		}
	}
}

// shutdown finalizes an open recording after the connection is gone. A file
// that cannot be finalized is removed by the sink.
func (c *Controller) shutdown() {
	c.state = StateClosed
	if c.rec == nil {
		return
	}
	rec := c.rec
	c.rec = nil
	if err := rec.Sink.Close(); err != nil {
		c.logger.Warn("discarded open recording on disconnect", "path", rec.Path, "error", err)
		c.deps.Metrics.ObserveRecording("disconnect_discarded")
		return
	}
	c.logger.Info("finalized open recording on disconnect", "path", rec.Path, "bytes", rec.Bytes)
	c.deps.Metrics.ObserveRecording("disconnect_finalized")
}

func (c *Controller) removeRecording(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("remove recording failed", "path", path, "error", err)
	}
}

func (c *Controller) setState(state State) {
	c.state = state
	if c.deps.Tracker != nil {
		_ = c.deps.Tracker.SetState(c.id, state)
	}
}

func (c *Controller) touch() {
	if c.deps.Tracker != nil {
		_ = c.deps.Tracker.Touch(c.id)
	}
}

func providerErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var te *transcription.Error
	if errors.As(err, &te) && te.StatusCode != 0 {
		return strconv.Itoa(te.StatusCode)
	}
	var ie *interpreter.Error
	if errors.As(err, &ie) && ie.StatusCode != 0 {
		return strconv.Itoa(ie.StatusCode)
	}
	return "error"
}
