package harness

import (
	"sync"
	"time"

	"github.com/lockframe-protocol/lockframe/internal/client"
	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/transport"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

// Delivered is one plaintext an Actor's client core has decrypted and
// surfaced, recorded for test assertions in place of a real UI.
type Delivered struct {
	RoomID    ids.RoomID
	SenderID  ids.SenderID
	Plaintext []byte
	LogIndex  ids.LogIndex
}

// Actor is one simulated client: internal/client.Client plus the
// transport plumbing and bookkeeping a real CLI would otherwise own.
// Every public method synchronizes with the background read loop, the
// same single-threaded discipline client.Client itself requires of any
// caller driving it concurrently.
type Actor struct {
	world     *World
	self      ids.SenderID
	core      *client.Client
	conn      transport.Connection
	stream    transport.Stream
	sessionID ids.SessionID

	mu        sync.Mutex
	delivered []Delivered
	members   map[ids.RoomID]map[ids.SenderID]bool
	epochs    map[ids.RoomID]ids.Epoch
	sent      int
	received  int
	lastSync  *wire.SyncResponse
	lastErr   error

	notify chan struct{}
	pong   chan struct{}
	closed bool
}

func (a *Actor) SenderID() ids.SenderID     { return a.self }
func (a *Actor) SessionID() ids.SessionID   { return a.sessionID }
func (a *Actor) IsMember(r ids.RoomID) bool { return a.core.IsMember(r) }

// Epoch returns the epoch this actor's client core believes room r is at.
func (a *Actor) Epoch(r ids.RoomID) (ids.Epoch, bool) { return a.core.Epoch(r) }

func (a *Actor) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	_ = a.conn.Close()
}

// Counts returns the frames this actor has sent and received on its
// control stream, for literal assertions like S1's frames_sent/received.
func (a *Actor) Counts() (sent, received int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent, a.received
}

// LastErr returns the most recent error surfaced by either a driven
// client-core call or an I/O failure observed on the read loop.
func (a *Actor) LastErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Delivered returns every plaintext delivered in roomID so far, in
// arrival order.
func (a *Actor) Delivered(roomID ids.RoomID) []Delivered {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Delivered, 0, len(a.delivered))
	for _, d := range a.delivered {
		if d.RoomID == roomID {
			out = append(out, d)
		}
	}
	return out
}

// Members returns this actor's local view of roomID's membership,
// including itself if it believes itself still a member.
func (a *Actor) Members(roomID ids.RoomID) map[ids.SenderID]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ids.SenderID]bool, len(a.members[roomID])+1)
	for m := range a.members[roomID] {
		out[m] = true
	}
	if a.core.IsMember(roomID) {
		out[a.self] = true
	}
	return out
}

// Deliver feeds f directly into this actor's client core, bypassing the
// network entirely, and applies whatever actions result. It exists for
// whitebox invariant checks (e.g. replaying a captured frame after an
// epoch rotation to confirm forward secrecy) that a real transport
// round trip can't easily stage.
func (a *Actor) Deliver(f frame.Frame) error {
	return a.drive(func() ([]client.Action, error) { return a.core.FrameReceived(f) })
}

// CreateRoom drives client.Client.CreateRoom and applies its actions.
func (a *Actor) CreateRoom(roomID ids.RoomID) error {
	return a.drive(func() ([]client.Action, error) { return a.core.CreateRoom(roomID) })
}

// SendMessage drives client.Client.SendMessage, sealing plaintext under
// roomID's current sender-key ratchet.
func (a *Actor) SendMessage(roomID ids.RoomID, plaintext []byte) error {
	return a.drive(func() ([]client.Action, error) {
		return a.core.SendMessage(roomID, plaintext, a.world.Clock)
	})
}

// LeaveRoom drives client.Client.LeaveRoom.
func (a *Actor) LeaveRoom(roomID ids.RoomID) error {
	return a.drive(func() ([]client.Action, error) { return a.core.LeaveRoom(roomID) })
}

// PublishKeyPackage drives client.Client.PublishKeyPackage.
func (a *Actor) PublishKeyPackage() error {
	return a.drive(func() ([]client.Action, error) { return a.core.PublishKeyPackage() })
}

// FetchAndAddMember drives client.Client.FetchAndAddMember; the add
// completes asynchronously once the server's KeyPackageResponse arrives
// on the read loop.
func (a *Actor) FetchAndAddMember(roomID ids.RoomID, target ids.SenderID) error {
	return a.drive(func() ([]client.Action, error) { return a.core.FetchAndAddMember(roomID, target) })
}

// RemoveMember drives client.Client.RemoveMember.
func (a *Actor) RemoveMember(roomID ids.RoomID, target ids.SenderID) error {
	return a.drive(func() ([]client.Action, error) { return a.core.RemoveMember(roomID, target) })
}

// drive runs fn under the actor's lock (serializing it against the read
// loop), applies whatever actions it returns, and records the first
// error encountered either from fn itself or from applying its actions.
func (a *Actor) drive(fn func() ([]client.Action, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions, err := fn()
	if err != nil {
		a.lastErr = err
		return err
	}
	if err := a.applyLocked(actions); err != nil {
		a.lastErr = err
		return err
	}
	return nil
}

// applyLocked must be called with a.mu held. It performs every Send
// action's write and records every other action as local state the
// oracle and tests can later inspect.
func (a *Actor) applyLocked(actions []client.Action) error {
	var firstErr error
	for _, act := range actions {
		switch v := act.(type) {
		case client.Send:
			if err := transport.WriteFrame(a.stream, v.Frame); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			a.sent++
		case client.DeliverMessage:
			a.delivered = append(a.delivered, Delivered{
				RoomID: v.RoomID, SenderID: v.SenderID, Plaintext: v.Plaintext, LogIndex: v.LogIndex,
			})
		case client.MemberAdded:
			a.roomMembers(v.RoomID)[v.SenderID] = true
		case client.MemberRemoved:
			if m, ok := a.members[v.RoomID]; ok {
				delete(m, v.SenderID)
			}
		case client.EpochAdvanced:
			a.epochs[v.RoomID] = v.NewEpoch
		case client.PersistRoom:
			// Local room persistence has no reader in the harness; the
			// only thing it would let a test assert (that a Commit or
			// Welcome's opaque bytes got written) is already implied by
			// the epoch/membership changes that accompany it.
		}
	}
	select {
	case a.notify <- struct{}{}:
	default:
	}
	return firstErr
}

func (a *Actor) roomMembers(r ids.RoomID) map[ids.SenderID]bool {
	m, ok := a.members[r]
	if !ok {
		m = make(map[ids.SenderID]bool)
		a.members[r] = m
	}
	return m
}

// Ping writes a bare Ping frame directly, bypassing the client core
// (handshake/heartbeat opcodes are internal/connstate's concern, not
// the client core's — see client.Client.FrameReceived's default case).
func (a *Actor) Ping() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := transport.WriteFrame(a.stream, frame.Frame{Header: frame.Header{Opcode: frame.OpPing}})
	if err == nil {
		a.sent++
	}
	return err
}

// TryPong reports whether a Pong has arrived since the last call,
// without blocking.
func (a *Actor) TryPong() bool {
	select {
	case <-a.pong:
		return true
	default:
		return false
	}
}

// RequestSync sends a SyncRequest for roomID and blocks (real time, not
// virtual — sync responses are delivered instantly in these scenarios)
// until the matching SyncResponse arrives or timeout elapses.
func (a *Actor) RequestSync(roomID ids.RoomID, fromIndex ids.LogIndex, limit uint32, timeout time.Duration) (wire.SyncResponse, bool) {
	a.mu.Lock()
	a.lastSync = nil
	payload := wire.SyncRequest{FromIndex: uint64(fromIndex), Limit: limit}.Marshal()
	err := transport.WriteFrame(a.stream, frame.Frame{
		Header:  frame.Header{Opcode: frame.OpSyncRequest, RoomID: roomID},
		Payload: payload,
	})
	if err == nil {
		a.sent++
	} else {
		a.lastErr = err
	}
	a.mu.Unlock()
	if err != nil {
		return wire.SyncResponse{}, false
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		if a.lastSync != nil {
			resp := *a.lastSync
			a.mu.Unlock()
			return resp, true
		}
		a.mu.Unlock()
		select {
		case <-a.notify:
		case <-time.After(5 * time.Millisecond):
		}
	}
	return wire.SyncResponse{}, false
}

// readLoop pumps frames off the wire for the lifetime of the actor's
// stream. It owns all writes back to the client core, so every method
// above that mutates core state goes through drive/applyLocked instead
// of touching core directly, keeping the two sides serialized on a.mu.
func (a *Actor) readLoop() {
	for {
		f, err := transport.ReadFrame(a.stream)
		if err != nil {
			return
		}

		a.mu.Lock()
		a.received++

		switch f.Header.Opcode {
		case frame.OpPong:
			a.mu.Unlock()
			select {
			case a.pong <- struct{}{}:
			default:
			}
			continue

		case frame.OpSyncResponse:
			resp, uerr := wire.UnmarshalSyncResponse(f.Payload)
			if uerr == nil {
				a.lastSync = &resp
			}
			a.mu.Unlock()
			select {
			case a.notify <- struct{}{}:
			default:
			}
			continue
		}

		actions, ferr := a.core.FrameReceived(f)
		if ferr != nil {
			a.lastErr = ferr
			a.mu.Unlock()
			continue
		}
		a.applyLocked(actions)
		a.mu.Unlock()
	}
}

// AdvanceUntil repeatedly advances clock by step (up to maxSteps times),
// yielding to the scheduler after each step, until cond returns true or
// the step budget is exhausted. It is how scenarios that rely on
// injected virtual latency (S3) make progress without any real delay.
func AdvanceUntil(clock *env.Virtual, step time.Duration, maxSteps int, cond func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return true
		}
		clock.Advance(step)
		time.Sleep(time.Millisecond)
	}
	return cond()
}
