package acquistor

import (
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionState is the acquisition controller's state machine position.
type SessionState int

// Names for the possible values of SessionState
const (
	Idle        SessionState = iota // no session exists
	Configuring                     // validating configuration against capabilities
	Armed                           // all cards configured and armed
	Running                         // pipeline active
	Draining                        // stop requested, flushing buffered data
	Stopped                         // terminal, successful
	Errored                         // terminal, unsuccessful
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Armed:
		return "Armed"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	case Errored:
		return "Error"
	}
	return "unknown"
}

// LossRecord accumulates every form of data loss and anomaly for one
// session. The synchronizer, buffers, and backpressure coordinator mutate
// it concurrently, so all counters are atomic.
type LossRecord struct {
	samplesWritten  atomic.Uint64 // samples durably flushed by the sink
	droppedBlocks   atomic.Uint64 // blocks discarded by full buffers or by alignment
	overrunEvents   atomic.Uint64 // sequence gaps and device-reported overruns
	desyncEvents    atomic.Uint64 // cross-card alignment violations
	shedFrames      atomic.Uint64 // frames shed by the backpressure coordinator
	discardedFrames atomic.Uint64 // frames lost to drain timeout or sink failure
}

// LossSnapshot is a point-in-time copy of a LossRecord, safe to hand to
// callers.
type LossSnapshot struct {
	SamplesWritten  uint64
	DroppedBlocks   uint64
	OverrunEvents   uint64
	DesyncEvents    uint64
	ShedFrames      uint64
	DiscardedFrames uint64
}

// Snapshot returns a copy of all counters.
func (lr *LossRecord) Snapshot() LossSnapshot {
	return LossSnapshot{
		SamplesWritten:  lr.samplesWritten.Load(),
		DroppedBlocks:   lr.droppedBlocks.Load(),
		OverrunEvents:   lr.overrunEvents.Load(),
		DesyncEvents:    lr.desyncEvents.Load(),
		ShedFrames:      lr.shedFrames.Load(),
		DiscardedFrames: lr.discardedFrames.Load(),
	}
}

// Zero reports whether the snapshot records no loss of any kind.
func (ls LossSnapshot) Zero() bool {
	return ls.DroppedBlocks == 0 && ls.OverrunEvents == 0 &&
		ls.DesyncEvents == 0 && ls.ShedFrames == 0 && ls.DiscardedFrames == 0
}

// Session is one acquisition run. It owns the card handles, stream
// buffers, and the loss record for its lifetime; it is created on arm and
// finalized at teardown. Only the controller creates or destroys Sessions.
type Session struct {
	ID        string
	StartTime time.Time
	Config    AcqConfig
	Loss      LossRecord
}

func newSession(cfg AcqConfig) *Session {
	return &Session{
		ID:        ulid.Make().String(),
		StartTime: time.Now(),
		Config:    cfg,
	}
}

// SessionResult is the single terminal result every session produces:
// never a silent partial success with no accounting.
type SessionResult struct {
	SessionID  string
	FinalState SessionState // Stopped or Errored
	Loss       LossSnapshot
	Fault      error // nil unless FinalState == Errored
}
