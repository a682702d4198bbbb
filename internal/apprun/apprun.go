// Package apprun is the generic application runtime loop spec module
// "Application runtime" names as out-of-core but interface-specified: a
// platform-specific I/O driver (in production, a transport.Stream dialed
// over QUIC; in the harness, a simulated one) wrapped around one
// client.Client instance, with the same single-writer discipline
// internal/harness's Actor establishes for tests — here generalized so a
// real CLI front end can drive it too.
package apprun

import (
	"sync"

	"github.com/lockframe-protocol/lockframe/internal/client"
	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/transport"
)

// Callbacks lets the embedding application (a CLI, a future GUI) observe
// the side effects a driven client.Client call produces, without the
// Loop itself knowing anything about how they're presented.
type Callbacks struct {
	OnDeliver       func(client.DeliverMessage)
	OnMemberAdded   func(client.MemberAdded)
	OnMemberRemoved func(client.MemberRemoved)
	OnEpochAdvanced func(client.EpochAdvanced)
	OnError         func(error)
}

// Loop pairs one client.Client with the transport stream it speaks the
// wire protocol over. Every method that mutates Core goes through
// drive/applyLocked, serializing the embedding application's calls
// against the background Read goroutine — client.Client documents
// itself as unsafe for concurrent use, so something has to own that
// discipline, and here it's the Loop rather than each caller.
type Loop struct {
	Core   *client.Client
	Stream transport.Stream
	Clock  env.Environment

	cb Callbacks
	mu sync.Mutex
}

// New builds a Loop. cb's fields may be left nil; a nil callback is
// simply not invoked for that action kind.
func New(core *client.Client, stream transport.Stream, clock env.Environment, cb Callbacks) *Loop {
	return &Loop{Core: core, Stream: stream, Clock: clock, cb: cb}
}

func (l *Loop) CreateRoom(roomID ids.RoomID) error {
	return l.drive(func() ([]client.Action, error) { return l.Core.CreateRoom(roomID) })
}

func (l *Loop) SendMessage(roomID ids.RoomID, plaintext []byte) error {
	return l.drive(func() ([]client.Action, error) { return l.Core.SendMessage(roomID, plaintext, l.Clock) })
}

func (l *Loop) LeaveRoom(roomID ids.RoomID) error {
	return l.drive(func() ([]client.Action, error) { return l.Core.LeaveRoom(roomID) })
}

func (l *Loop) PublishKeyPackage() error {
	return l.drive(func() ([]client.Action, error) { return l.Core.PublishKeyPackage() })
}

func (l *Loop) FetchAndAddMember(roomID ids.RoomID, target ids.SenderID) error {
	return l.drive(func() ([]client.Action, error) { return l.Core.FetchAndAddMember(roomID, target) })
}

func (l *Loop) RemoveMember(roomID ids.RoomID, target ids.SenderID) error {
	return l.drive(func() ([]client.Action, error) { return l.Core.RemoveMember(roomID, target) })
}

// IsMember reports l's own cached belief, no I/O involved.
func (l *Loop) IsMember(roomID ids.RoomID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Core.IsMember(roomID)
}

func (l *Loop) drive(fn func() ([]client.Action, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	actions, err := fn()
	if err != nil {
		return err
	}
	return l.apply(actions)
}

func (l *Loop) apply(actions []client.Action) error {
	var firstErr error
	for _, act := range actions {
		switch v := act.(type) {
		case client.Send:
			if err := transport.WriteFrame(l.Stream, v.Frame); err != nil && firstErr == nil {
				firstErr = err
			}
		case client.DeliverMessage:
			if l.cb.OnDeliver != nil {
				l.cb.OnDeliver(v)
			}
		case client.MemberAdded:
			if l.cb.OnMemberAdded != nil {
				l.cb.OnMemberAdded(v)
			}
		case client.MemberRemoved:
			if l.cb.OnMemberRemoved != nil {
				l.cb.OnMemberRemoved(v)
			}
		case client.EpochAdvanced:
			if l.cb.OnEpochAdvanced != nil {
				l.cb.OnEpochAdvanced(v)
			}
		case client.PersistRoom:
			// No durable local store is specified for the CLI front end;
			// a future one would persist v.Opaque here.
		}
	}
	return firstErr
}

// Run pumps frames off Stream until it errors or closes, applying every
// resulting action. It is the suspension point spec §4.6 describes: the
// client core itself never blocks, only this loop's read does.
func (l *Loop) Run() error {
	for {
		f, err := transport.ReadFrame(l.Stream)
		if err != nil {
			return err
		}
		if err := l.handleFrame(f); err != nil && l.cb.OnError != nil {
			l.cb.OnError(err)
		}
	}
}

func (l *Loop) handleFrame(f frame.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	actions, err := l.Core.FrameReceived(f)
	if err != nil {
		return err
	}
	return l.apply(actions)
}
