package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ent0n29/audiorelay/internal/config"
	"github.com/ent0n29/audiorelay/internal/observability"
	"github.com/ent0n29/audiorelay/internal/protocol"
	"github.com/ent0n29/audiorelay/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	queueSize = 256
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Frame, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	logger       *slog.Logger
	limiter      *rate.Limiter
	upgrader     websocket.Upgrader

	// conns counts websocket handlers that have not finished their cleanup.
	conns sync.WaitGroup
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger.With("component", "httpapi"),
		limiter:      limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Devices and scripts usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleSessionWS)
	r.Get("/ws", s.handleSessionWS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"reason": "orchestrator not configured",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"provider_mode":   s.cfg.ProviderMode,
		"recordings_dir":  s.cfg.RecordingsDir,
	})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusBadRequest, "websocket_required", "this endpoint only accepts websocket upgrades")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.ObserveSessionEvent("rate_limited")
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many connection attempts")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sess := s.sessions.Create(r.RemoteAddr)
	logger := s.logger.With("session_id", sess.ID, "remote_addr", r.RemoteAddr)
	_ = s.sessions.SetCloser(sess.ID, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	})
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("connected")
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.Frame, queueSize)
	outbound := make(chan any, queueSize)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer cancel()
		if err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound); err != nil {
			logger.Error("session ended with error", "error", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, cancel, conn, outbound)
	}()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read failed", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.Frame
		switch msgType {
		case websocket.BinaryMessage:
			frame = protocol.Frame{Kind: protocol.FrameBinary, Data: data}
		case websocket.TextMessage:
			frame = protocol.Frame{Kind: protocol.FrameText, Data: data}
		default:
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- frame:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone

	if ended, err := s.sessions.End(sess.ID); err == nil {
		logger.Info("client disconnected",
			"recordings", ended.Recordings,
			"duration", time.Since(ended.StartedAt).Round(time.Millisecond),
		)
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("disconnected")
}

// WaitConnections blocks until every websocket handler has returned, which
// includes finalizing any recording its session had open. http.Server.Shutdown
// does not wait for hijacked connections, so callers close them first and then
// wait here.
func (s *Server) WaitConnections(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump is the only writer of data frames on conn.
func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush replies queued before the controller stopped.
			for {
				select {
				case msg := <-outbound:
					if err := s.writeMessage(conn, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		case msg := <-outbound:
			if err := s.writeMessage(conn, msg); err != nil {
				cancel()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.metrics.ObserveWriteError("ping")
				cancel()
				return
			}
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		s.metrics.ObserveWriteError("encode")
		s.logger.Error("encode outbound message failed", "error", err)
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.metrics.ObserveWriteError("write")
		return err
	}
	if cmd, ok := protocol.CommandOf(msg); ok {
		s.metrics.ObserveMessage("outbound", string(cmd))
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
