package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/audiorelay/internal/config"
	"github.com/ent0n29/audiorelay/internal/httpapi"
	"github.com/ent0n29/audiorelay/internal/observability"
	"github.com/ent0n29/audiorelay/internal/session"
)

type ProviderInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *session.Orchestrator
	Metrics      *observability.Metrics
	Providers    ProviderInfo

	// Cleanup closes live connections, waits until their recordings are
	// finalized or ctx ends, then releases idle outbound connections.
	Cleanup func(ctx context.Context) error
}

func Build(_ context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	providers, err := resolveProviders(cfg)
	if err != nil {
		return nil, err
	}
	// Handlers report the backend actually in use.
	cfg.ProviderMode = providers.resolvedMode

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		logger.Info("closing idle connection", "session_id", s.ID, "idle_since", s.LastActivityAt)
	})

	orchestrator := session.NewOrchestrator(sessions, session.Deps{
		Transcriber:           providers.transcriber,
		Interpreter:           providers.interpreter,
		RecordingsDir:         cfg.RecordingsDir,
		TranscriptionTimeout:  cfg.TranscriptionTimeout,
		InterpretationTimeout: cfg.InterpreterTimeout,
		KeepRecordings:        cfg.KeepRecordings,
		Metrics:               metrics,
		Logger:                logger,
	})

	api := httpapi.New(cfg, sessions, orchestrator, metrics, logger)

	cleanup := func(ctx context.Context) error {
		if n := sessions.CloseAll(); n > 0 {
			logger.Info("closed live connections", "count", n)
		}
		if _, ok := ctx.Deadline(); !ok && cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
		}
		err := api.WaitConnections(ctx)
		if err != nil {
			logger.Warn("connections still open after shutdown timeout", "active_sessions", sessions.ActiveCount())
			err = fmt.Errorf("wait for connections: %w", err)
		}
		if providers.cleanup != nil {
			providers.cleanup()
		}
		return err
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Providers: ProviderInfo{
			Mode:   providers.resolvedMode,
			Detail: providers.detail,
		},
		Cleanup: cleanup,
	}, nil
}
