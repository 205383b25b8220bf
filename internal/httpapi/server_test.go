package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/audiorelay/internal/audio"
	"github.com/ent0n29/audiorelay/internal/config"
	"github.com/ent0n29/audiorelay/internal/interpreter"
	"github.com/ent0n29/audiorelay/internal/observability"
	"github.com/ent0n29/audiorelay/internal/session"
	"github.com/ent0n29/audiorelay/internal/transcription"
)

var metricsSeq atomic.Int64

func newTestMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
}

type testServer struct {
	ts       *httptest.Server
	sessions *session.Manager
	dir      string
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	cfg.RecordingsDir = t.TempDir()
	cfg.ProviderMode = "mock"
	cfg.AllowAnyOrigin = true

	metrics := newTestMetrics(t)
	sessions := session.NewManager(time.Minute)
	orchestrator := session.NewOrchestrator(sessions, session.Deps{
		Transcriber:    transcription.NewMockClient(),
		Interpreter:    interpreter.NewMockClient(),
		RecordingsDir:  cfg.RecordingsDir,
		KeepRecordings: true,
		Metrics:        metrics,
	})
	srv := New(cfg, sessions, orchestrator, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, sessions: sessions, dir: cfg.RecordingsDir}
}

func (s *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	return out
}

func writeText(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func writeBinary(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func TestWebSocketRecordingRoundTrip(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	conn := srv.dial(t, "/ws")

	writeText(t, conn, `{"cmd":"start"}`)
	if got := readReply(t, conn); got["cmd"] != "ack" || got["msg"] != "started" {
		t.Fatalf("reply = %v, want ack/started", got)
	}
	writeBinary(t, conn, bytes.Repeat([]byte{0x01}, 3200))
	writeBinary(t, conn, bytes.Repeat([]byte{0x02}, 1600))
	writeText(t, conn, `{"cmd":"end"}`)
	if got := readReply(t, conn); got["cmd"] != "ack" || got["msg"] != "ended" {
		t.Fatalf("reply = %v, want ack/ended", got)
	}

	res := readReply(t, conn)
	if res["cmd"] != "result" {
		t.Fatalf("reply = %v, want result", res)
	}
	body, ok := res["body"].(map[string]any)
	if !ok {
		t.Fatalf("body = %T, want object", res["body"])
	}
	if body["transcription"] != "simulated transcript of 0.15s audio" {
		t.Fatalf("transcription = %v", body["transcription"])
	}
	if _, ok := body["whisper_raw"].(map[string]any); !ok {
		t.Fatalf("whisper_raw = %T, want object", body["whisper_raw"])
	}
	if _, ok := body["llm_raw"].(map[string]any); !ok {
		t.Fatalf("llm_raw = %T, want object", body["llm_raw"])
	}

	files, err := filepath.Glob(filepath.Join(srv.dir, "rec_*.wav"))
	if err != nil || len(files) != 1 {
		t.Fatalf("recordings = %v (err %v), want exactly one", files, err)
	}
	st, err := os.Stat(files[0])
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if st.Size() != int64(audio.HeaderSize+4800) {
		t.Fatalf("file size = %d, want %d", st.Size(), audio.HeaderSize+4800)
	}
}

func TestWebSocketErrorsOnRootPath(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	conn := srv.dial(t, "/")

	writeBinary(t, conn, []byte{1, 2, 3, 4})
	writeText(t, conn, `garbage`)
	writeText(t, conn, `{"cmd":"end"}`)
	if got := readReply(t, conn); got["cmd"] != "error" || got["msg"] != "no recording" {
		t.Fatalf("reply = %v, want error/no recording", got)
	}
	writeText(t, conn, `{"cmd":"foo"}`)
	if got := readReply(t, conn); got["cmd"] != "error" || got["msg"] != "unknown cmd foo" {
		t.Fatalf("reply = %v, want error/unknown cmd foo", got)
	}
}

func TestWebSocketDisconnectEndsSession(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	conn := srv.dial(t, "/ws")

	writeText(t, conn, `{"cmd":"start"}`)
	readReply(t, conn)
	writeBinary(t, conn, make([]byte, 320))
	if srv.sessions.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", srv.sessions.ActiveCount())
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.sessions.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	files, _ := filepath.Glob(filepath.Join(srv.dir, "rec_*.wav"))
	if len(files) != 1 {
		t.Fatalf("recordings = %v, want one finalized file", files)
	}
	info, err := audio.ReadWAVInfo(files[0])
	if err != nil {
		t.Fatalf("ReadWAVInfo() error = %v", err)
	}
	if info.DataSize != 320 {
		t.Fatalf("DataSize = %d, want 320", info.DataSize)
	}
}

func TestAcceptRateLimit(t *testing.T) {
	srv := newTestServer(t, config.Config{AcceptRate: 0.001, AcceptBurst: 1})
	srv.dial(t, "/ws")

	wsURL := "ws" + strings.TrimPrefix(srv.ts.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("second Dial() error = nil, want rate limit")
	}
	if res == nil || res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second Dial() response = %v, want 429", res)
	}
}

func TestPlainRequestToSocketPathIsRejected(t *testing.T) {
	srv := newTestServer(t, config.Config{})
	res, err := http.Get(srv.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestHealthReadyAndPerf(t *testing.T) {
	srv := newTestServer(t, config.Config{})

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency"} {
		res, err := http.Get(srv.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		var payload map[string]any
		err = json.NewDecoder(res.Body).Decode(&payload)
		res.Body.Close()
		if err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
		if path == "/readyz" && payload["provider_mode"] != "mock" {
			t.Fatalf("provider_mode = %v, want mock", payload["provider_mode"])
		}
		if path == "/v1/perf/latency" {
			if _, ok := payload["stages"]; !ok {
				t.Fatalf("missing stages in perf response: %+v", payload)
			}
		}
	}

	res, err := http.Get(srv.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestReadyWithoutOrchestrator(t *testing.T) {
	srv := New(config.Config{}, session.NewManager(time.Minute), nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}
