// Package connstate implements the per-connection lifecycle state machine
// (handshake, heartbeat, idle/handshake timeouts). It is pure: no I/O, no
// stored clock, and every call returns a list of declarative Actions for
// the driver to carry out. This is what lets the simulation harness drive
// the exact same code that runs in production, just fed a virtual clock.
package connstate

import (
	"time"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// State is one of the four connection lifecycle states. Closed is terminal.
type State int

const (
	StateInit State = iota
	StatePending
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StatePending:
		return "Pending"
	case StateAuthenticated:
		return "Authenticated"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Action is one effect the driver must carry out on behalf of the state
// machine. The machine itself never performs I/O.
type Action interface{ isAction() }

// SendFrame asks the driver to write frame on this connection's stream.
type SendFrame struct{ Frame frame.Frame }

// Close asks the driver to tear down the connection with a reason string
// for logging.
type Close struct{ Reason string }

func (SendFrame) isAction() {}
func (Close) isAction()     {}

// Config holds the three timing parameters from spec §4.2. HeartbeatInterval
// must be less than IdleTimeout/2 so at least one heartbeat lands inside
// every idle window.
type Config struct {
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the spec's default timings: 30s handshake, 60s
// idle, 20s heartbeat.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  30 * time.Second,
		IdleTimeout:       60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
	}
}

// Machine is one connection's lifecycle state machine. It is not safe for
// concurrent use; the driver that owns a connection calls it from a single
// goroutine, per spec §5's scheduling model.
type Machine struct {
	cfg   Config
	state State

	sessionID ids.SessionID

	lastActivity  time.Time
	lastHeartbeat time.Time
	heartbeatSent bool
}

// New creates a Machine in StateInit.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: StateInit}
}

func (m *Machine) State() State { return m.state }

// SessionID is valid only once the machine has reached StateAuthenticated.
func (m *Machine) SessionID() ids.SessionID { return m.sessionID }

func invalidState(state State, op string) error {
	return protocolerr.New(protocolerr.KindInvalidState, "invalid transition").
		WithFields(map[string]any{"state": state.String(), "op": op})
}

// SendHello transitions Init → Pending and records activity, modeling the
// client's outbound Hello frame.
func (m *Machine) SendHello(now time.Time) error {
	if m.state != StateInit {
		return invalidState(m.state, "send_hello")
	}
	m.state = StatePending
	m.lastActivity = now
	return nil
}

// ReceiveHelloReply transitions Pending → Authenticated and records the
// server-assigned session id.
func (m *Machine) ReceiveHelloReply(sessionID ids.SessionID, now time.Time) error {
	if m.state != StatePending {
		return invalidState(m.state, "receive_hello_reply")
	}
	m.state = StateAuthenticated
	m.sessionID = sessionID
	m.lastActivity = now
	return nil
}

// ReceiveHello transitions Init → Pending and records activity, modeling
// the server's receipt of a client's inbound Hello frame. Mirrors
// SendHello for the side that did not initiate the handshake.
func (m *Machine) ReceiveHello(now time.Time) error {
	if m.state != StateInit {
		return invalidState(m.state, "receive_hello")
	}
	m.state = StatePending
	m.lastActivity = now
	return nil
}

// SendHelloReply transitions Pending → Authenticated, recording the
// session id the server itself assigned. Mirrors ReceiveHelloReply for
// the side that generated the session id rather than received it.
func (m *Machine) SendHelloReply(sessionID ids.SessionID, now time.Time) error {
	if m.state != StatePending {
		return invalidState(m.state, "send_hello_reply")
	}
	m.state = StateAuthenticated
	m.sessionID = sessionID
	m.lastActivity = now
	return nil
}

// CloseNow transitions to Closed unconditionally, from any state.
func (m *Machine) CloseNow() {
	m.state = StateClosed
}

// Tick evaluates the timeout and heartbeat rules for the current instant
// and returns whatever actions they produce. Calling Tick on a machine
// that isn't Pending or Authenticated is a no-op.
func (m *Machine) Tick(now time.Time) []Action {
	switch m.state {
	case StatePending:
		if now.Sub(m.lastActivity) > m.cfg.HandshakeTimeout {
			m.state = StateClosed
			return []Action{Close{Reason: "handshake timeout"}}
		}

	case StateAuthenticated:
		if now.Sub(m.lastActivity) > m.cfg.IdleTimeout {
			m.state = StateClosed
			return []Action{Close{Reason: "idle timeout"}}
		}
		if !m.heartbeatSent || now.Sub(m.lastHeartbeat) >= m.cfg.HeartbeatInterval {
			m.lastHeartbeat = now
			m.lastActivity = now
			m.heartbeatSent = true
			return []Action{SendFrame{Frame: frame.Frame{Header: frame.Header{Opcode: frame.OpPing}}}}
		}
	}
	return nil
}

// HandleFrame records activity and validates the frame is expected for the
// current state. A Pong while Authenticated is consumed silently (it is
// only activity, not a new transition); anything else unexpected for the
// current state yields UnexpectedFrame.
func (m *Machine) HandleFrame(f frame.Frame, now time.Time) error {
	m.lastActivity = now

	switch m.state {
	case StateAuthenticated:
		// Hello/HelloReply only belong to the handshake; everything else
		// (Ping, Pong, and all data-plane opcodes) is ordinary traffic for
		// this layer — semantic validation is the room manager's and the
		// client core's job, not the lifecycle machine's.
		if f.Header.Opcode == frame.OpHello || f.Header.Opcode == frame.OpHelloReply {
			return unexpectedFrame(m.state, f.Header.Opcode)
		}
		return nil

	default:
		// Init, Pending, and Closed expect no frames at this layer: the
		// handshake reply is consumed via ReceiveHelloReply, not here.
		return unexpectedFrame(m.state, f.Header.Opcode)
	}
}

func unexpectedFrame(state State, op frame.Opcode) error {
	return protocolerr.New(protocolerr.KindUnexpectedFrame, "unexpected frame for connection state").
		WithFields(map[string]any{"state": state.String(), "opcode": op.String()})
}
