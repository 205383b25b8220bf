package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/audiorelay/internal/audio"
	"github.com/ent0n29/audiorelay/internal/protocol"
)

type options struct {
	url      string
	file     string
	toneMS   int
	chunkMS  int
	realtime float64
	repeat   int
	timeout  time.Duration
	verbose  bool
}

type clip struct {
	PCM    []byte
	Format audio.Format
}

// reply is the union of every outbound message the relay sends.
type reply struct {
	Cmd  string               `json:"cmd"`
	Msg  string               `json:"msg,omitempty"`
	Body *protocol.ResultBody `json:"body,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayclient: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relayclient: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("relayclient", flag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", "ws://127.0.0.1:8765/ws", "relay websocket URL")
	fs.StringVar(&cfg.file, "file", "", "PCM WAV file to stream")
	fs.IntVar(&cfg.toneMS, "tone-ms", 0, "stream a generated 440Hz tone of this length instead of a file")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 0=no pacing)")
	fs.IntVar(&cfg.repeat, "repeat", 1, "number of recordings to send over one connection")
	fs.DurationVar(&cfg.timeout, "timeout", 3*time.Minute, "overall timeout")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	u, err := url.Parse(strings.TrimSpace(cfg.url))
	if err != nil {
		return options{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return options{}, fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if (cfg.file == "") == (cfg.toneMS <= 0) {
		return options{}, fmt.Errorf("exactly one of -file or -tone-ms is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime < 0 {
		return options{}, fmt.Errorf("realtime must be >= 0")
	}
	if cfg.repeat <= 0 {
		return options{}, fmt.Errorf("repeat must be > 0")
	}
	if cfg.timeout <= 0 {
		return options{}, fmt.Errorf("timeout must be > 0")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	c, err := loadClip(cfg)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	replies := make(chan reply, 16)
	readErrCh := make(chan error, 1)
	go readLoop(conn, replies, readErrCh)

	for i := 0; i < cfg.repeat; i++ {
		if cfg.verbose {
			fmt.Fprintf(out, "relayclient: recording %d/%d rate=%dHz channels=%d bits=%d bytes=%d\n",
				i+1, cfg.repeat, c.Format.SampleRate, c.Format.Channels, c.Format.BitsPerSample, len(c.PCM))
		}
		if err := sendRecording(ctx, conn, replies, readErrCh, c, cfg.chunkMS, cfg.realtime); err != nil {
			return fmt.Errorf("recording %d: %w", i+1, err)
		}
		res, err := await(ctx, replies, readErrCh, protocol.CmdResult)
		if err != nil {
			return fmt.Errorf("recording %d: %w", i+1, err)
		}
		printResult(out, res)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return nil
}

func loadClip(cfg options) (clip, error) {
	if cfg.file != "" {
		pcm, format, err := audio.ReadWAVFile(cfg.file)
		if err != nil {
			return clip{}, err
		}
		return clip{PCM: pcm, Format: format}, nil
	}
	return toneClip(cfg.toneMS), nil
}

func toneClip(ms int) clip {
	format := audio.DefaultFormat()
	samples := format.SampleRate * ms / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(format.SampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return clip{PCM: pcm, Format: format}
}

func startMessage(f audio.Format) map[string]any {
	return map[string]any{
		"cmd":       protocol.CmdStart,
		"rate":      f.SampleRate,
		"channels":  f.Channels,
		"sampwidth": f.BitsPerSample / 8,
	}
}

func sendRecording(ctx context.Context, conn *websocket.Conn, replies <-chan reply, readErrCh <-chan error, c clip, chunkMS int, realtime float64) error {
	if err := conn.WriteJSON(startMessage(c.Format)); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	if _, err := await(ctx, replies, readErrCh, protocol.CmdAck); err != nil {
		return fmt.Errorf("await start ack: %w", err)
	}

	for _, chunk := range chunkPCM(c.PCM, c.Format, chunkMS) {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		if realtime > 0 {
			d := time.Duration(float64(c.Format.Duration(int64(len(chunk)))) / realtime)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}

	if err := conn.WriteJSON(map[string]any{"cmd": protocol.CmdEnd}); err != nil {
		return fmt.Errorf("send end: %w", err)
	}
	if _, err := await(ctx, replies, readErrCh, protocol.CmdAck); err != nil {
		return fmt.Errorf("await end ack: %w", err)
	}
	return nil
}

// chunkPCM splits pcm into frame-aligned chunks of roughly chunkMS each.
func chunkPCM(pcm []byte, f audio.Format, chunkMS int) [][]byte {
	align := f.BlockAlign()
	if align <= 0 {
		align = 1
	}
	size := f.ByteRate() * chunkMS / 1000
	size -= size % align
	if size < align {
		size = align
	}

	var chunks [][]byte
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[off:end])
	}
	return chunks
}

func readLoop(conn *websocket.Conn, replies chan<- reply, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		var r reply
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		replies <- r
	}
}

func await(ctx context.Context, replies <-chan reply, readErrCh <-chan error, want protocol.Command) (reply, error) {
	select {
	case r := <-replies:
		if r.Cmd == string(protocol.CmdError) {
			return r, fmt.Errorf("relay error: %s", r.Msg)
		}
		if r.Cmd != string(want) {
			return r, fmt.Errorf("unexpected reply %q, want %q", r.Cmd, want)
		}
		return r, nil
	case err := <-readErrCh:
		return reply{}, fmt.Errorf("ws read: %w", err)
	case <-ctx.Done():
		return reply{}, errors.New("timed out waiting for relay")
	}
}

func printResult(out io.Writer, r reply) {
	if r.Body == nil {
		fmt.Fprintln(out, "relayclient: empty result")
		return
	}
	fmt.Fprintf(out, "transcription: %s\n", r.Body.Transcription)
	if r.Body.Reply != "" {
		fmt.Fprintf(out, "reply: %s\n", r.Body.Reply)
	}
	if tc := r.Body.ToolCall; tc != nil {
		args, _ := json.Marshal(tc.Arguments)
		fmt.Fprintf(out, "tool_call: %s %s\n", tc.Name, args)
	}
}
