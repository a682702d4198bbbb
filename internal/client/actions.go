package client

import (
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

// Action is one side effect the caller (the CLI, a harness driver, or a
// future GUI) must carry out in response to a client-core event. The
// client never performs these itself — it only ever returns them (spec
// §4.6), the same discipline internal/connstate and internal/room follow.
type Action interface{ isAction() }

// Send asks the caller to write Frame to the server on this client's
// control stream.
type Send struct {
	Frame frame.Frame
}

// DeliverMessage asks the caller to surface a decrypted plaintext to the
// application (CLI/TUI), e.g. print it in the room's transcript.
type DeliverMessage struct {
	RoomID    ids.RoomID
	SenderID  ids.SenderID
	Plaintext []byte
	LogIndex  ids.LogIndex
}

// PersistRoom asks the caller to durably save the room's updated local
// state. Opaque is whatever opaque MLS bytes are available at the point
// of the change (a Welcome's or Commit's serialized form); it carries no
// meaning the client core itself interprets.
type PersistRoom struct {
	RoomID ids.RoomID
	Opaque []byte
}

// MemberAdded reports that SenderID is now a member of RoomID, whether
// because this client added them or because a Commit/Welcome revealed it.
type MemberAdded struct {
	RoomID   ids.RoomID
	SenderID ids.SenderID
}

// MemberRemoved reports that SenderID is no longer a member of RoomID.
type MemberRemoved struct {
	RoomID   ids.RoomID
	SenderID ids.SenderID
}

// EpochAdvanced reports that RoomID's group epoch moved to NewEpoch.
type EpochAdvanced struct {
	RoomID   ids.RoomID
	NewEpoch ids.Epoch
}

func (Send) isAction()           {}
func (DeliverMessage) isAction() {}
func (PersistRoom) isAction()    {}
func (MemberAdded) isAction()    {}
func (MemberRemoved) isAction()  {}
func (EpochAdvanced) isAction()  {}
