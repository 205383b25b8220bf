package session

import (
	"context"
	"errors"

	"github.com/ent0n29/audiorelay/internal/protocol"
)

// Orchestrator binds each registered connection to a fresh Controller.
type Orchestrator struct {
	sessions *Manager
	deps     Deps
}

func NewOrchestrator(sessions *Manager, deps Deps) *Orchestrator {
	if deps.Tracker == nil && sessions != nil {
		deps.Tracker = sessions
	}
	return &Orchestrator{sessions: sessions, deps: deps}
}

// RunConnection blocks until the connection is gone. Connection loss is the
// normal way a session ends and is not reported as an error.
func (o *Orchestrator) RunConnection(ctx context.Context, s *Session, inbound <-chan protocol.Frame, outbound chan<- any) error {
	ctrl := NewController(s.ID, o.deps)
	err := ctrl.Run(ctx, inbound, outbound)
	if errors.Is(err, ErrConnectionLost) {
		return nil
	}
	return err
}
