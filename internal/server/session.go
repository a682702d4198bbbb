package server

import (
	"sync"

	"github.com/lockframe-protocol/lockframe/internal/connstate"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/transport"
)

// sendQueueSize bounds how many outbound frames may be buffered for a
// session before the writer goroutine falls behind; a slow session
// backs up here rather than blocking the room manager or other
// sessions' broadcasts, mirroring the teacher's buffered send channel.
const sendQueueSize = 256

// session is the driver's bookkeeping for one accepted connection: its
// transport stream, its lifecycle state machine, and an outbound frame
// queue drained by a dedicated writer goroutine.
type session struct {
	id     ids.SessionID
	stream transport.Stream

	state *connstate.Machine

	mu       sync.RWMutex
	senderID ids.SenderID

	send chan frame.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id ids.SessionID, stream transport.Stream, cfg connstate.Config) *session {
	return &session{
		id:     id,
		stream: stream,
		state:  connstate.New(cfg),
		send:   make(chan frame.Frame, sendQueueSize),
		closed: make(chan struct{}),
	}
}

func (s *session) SenderID() ids.SenderID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.senderID
}

func (s *session) setSenderID(id ids.SenderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderID = id
}

// enqueue attempts to hand f to the writer goroutine without blocking the
// caller (the room manager broadcasting to many sessions at once). A
// full queue means the session isn't keeping up; it is closed rather
// than let the backlog grow unbounded.
func (s *session) enqueue(f frame.Frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.closed:
		return false
	default:
		s.close()
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.stream.Close()
	})
}
