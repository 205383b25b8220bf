package session

import (
	"time"

	"github.com/ent0n29/audiorelay/internal/audio"
)

// State is the lifecycle state of one connection.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateClosed    State = "closed"
)

// Recording describes the open destination created by a start command.
// Only Bytes changes after creation.
type Recording struct {
	Path      string
	Format    audio.Format
	Sink      audio.Sink
	StartedAt time.Time
	Bytes     int64
}
