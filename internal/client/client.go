// Package client implements the client core (spec §4.6): a pure,
// event-driven state machine that converts high-level events (create a
// room, send a message, add or remove a member, a frame arriving from the
// server) into zero or more Actions. It never performs I/O itself —
// sending is modeled as an emitted Send action, and anything that would
// otherwise require a round trip (fetching a KeyPackage before adding a
// member) is modeled as pending state resumed by a later FrameReceived
// event, the same non-blocking discipline internal/connstate and
// internal/room already follow.
package client

import (
	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/mls"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

// Client is one sender's view of every room it belongs to. It is not safe
// for concurrent use — the same single-threaded discipline spec §5
// requires of the rest of the protocol core; a caller driving multiple
// Clients concurrently (e.g. a simulation harness) must synchronize its
// own access to each one.
type Client struct {
	self     ids.SenderID
	provider mls.Provider
	rooms    map[ids.RoomID]*clientRoom
}

// NewClient constructs a client for self, using provider to create MLS
// groups and generate key packages.
func NewClient(self ids.SenderID, provider mls.Provider) *Client {
	return &Client{
		self:     self,
		provider: provider,
		rooms:    make(map[ids.RoomID]*clientRoom),
	}
}

// IsMember reports whether this client currently believes it belongs to
// roomID.
func (c *Client) IsMember(roomID ids.RoomID) bool {
	_, ok := c.rooms[roomID]
	return ok
}

// Epoch returns roomID's current epoch as this client sees it, or false
// if this client is not a member of roomID.
func (c *Client) Epoch(roomID ids.RoomID) (ids.Epoch, bool) {
	cr, ok := c.rooms[roomID]
	if !ok {
		return 0, false
	}
	return cr.group.Epoch(), true
}

// CreateRoom starts a brand new group with this client as its only
// member. Creating a room this client already believes it belongs to
// fails with RoomAlreadyExists (§4.6's idempotence rule); provisioning
// the room on the server itself is a separate, out-of-band administrative
// act (see internal/server.Driver.CreateRoom) that this event does not
// perform.
func (c *Client) CreateRoom(roomID ids.RoomID) ([]Action, error) {
	if _, exists := c.rooms[roomID]; exists {
		return nil, protocolerr.New(protocolerr.KindRoomAlreadyExists, "room already exists").
			WithFields(map[string]any{"room_id": roomID.String()})
	}

	group, err := c.provider.CreateGroup(c.self)
	if err != nil {
		return nil, err
	}
	cr := &clientRoom{id: roomID, self: c.self, group: group}
	if err := cr.rotateRatchets(); err != nil {
		return nil, err
	}
	c.rooms[roomID] = cr

	// A freshly created group (epoch 0, sole member = self) has no prior
	// commit/welcome bytes to persist; Opaque is empty because there is
	// nothing opaque yet to capture beyond what the caller already knows.
	return []Action{PersistRoom{RoomID: roomID}}, nil
}

// SendMessage encrypts plaintext under the room's current sender-key
// ratchet and emits it as a Send action. It requires membership and a
// ready epoch (§4.6); absent either, it fails with NotMember or NotReady.
func (c *Client) SendMessage(roomID ids.RoomID, plaintext []byte, e env.Environment) ([]Action, error) {
	cr, ok := c.rooms[roomID]
	if !ok {
		return nil, newNotMember(roomID)
	}
	if cr.sender == nil {
		return nil, protocolerr.New(protocolerr.KindNotReady, "room has no ready epoch").
			WithFields(map[string]any{"room_id": roomID.String()})
	}

	header := frame.Header{
		Opcode:   frame.OpAppMessage,
		RoomID:   roomID,
		SenderID: c.self,
		Epoch:    cr.group.Epoch(),
	}
	sealed, err := cr.sender.Seal(e, frame.AssociatedData(header), plaintext)
	if err != nil {
		return nil, err
	}

	payload := wire.AppMessage{
		Counter:     sealed.Counter,
		NonceRandom: sealed.NonceRandom,
		Ciphertext:  sealed.Ciphertext,
	}.Marshal()

	return []Action{Send{Frame: frame.Frame{Header: header, Payload: payload}}}, nil
}

// LeaveRoom commits this client's own removal from roomID and forgets its
// local room state. Self-removal is modeled here, not through
// RemoveMember, which rejects a target of self with CannotRemoveSelf.
func (c *Client) LeaveRoom(roomID ids.RoomID) ([]Action, error) {
	cr, ok := c.rooms[roomID]
	if !ok {
		return nil, newNotMember(roomID)
	}

	result, _, err := cr.group.Commit([]mls.Proposal{{Type: mls.ProposalRemove, Target: c.self}})
	if err != nil {
		return nil, err
	}
	delete(c.rooms, roomID)

	commitFrame := frame.Frame{
		Header: frame.Header{
			Opcode:   frame.OpCommit,
			RoomID:   roomID,
			SenderID: c.self,
			Epoch:    result.NewEpoch,
		},
		Payload: wire.Commit{MLSCommit: result.Bytes}.Marshal(),
	}
	return []Action{
		Send{Frame: commitFrame},
		MemberRemoved{RoomID: roomID, SenderID: c.self},
	}, nil
}

// PublishKeyPackage generates a fresh KeyPackage for this client and
// emits it as a KeyPackageUpload. Key packages are not room-scoped — the
// server's registry keys them by sender id alone — so the emitted frame
// carries the nil room id.
func (c *Client) PublishKeyPackage() ([]Action, error) {
	kp, err := c.provider.GenerateKeyPackage(c.self)
	if err != nil {
		return nil, err
	}
	f := frame.Frame{
		Header:  frame.Header{Opcode: frame.OpKeyPackageUpload, SenderID: c.self},
		Payload: wire.KeyPackageUpload{KeyPackage: kp}.Marshal(),
	}
	return []Action{Send{Frame: f}}, nil
}

// FetchAndAddMember starts adding target to roomID. It never blocks: it
// records the add as pending and emits a KeyPackageFetch; the add itself
// completes when a matching KeyPackageResponse arrives through
// FrameReceived. Fails with AlreadyMember if target already belongs to
// the room or an add for it is already pending.
func (c *Client) FetchAndAddMember(roomID ids.RoomID, target ids.SenderID) ([]Action, error) {
	cr, ok := c.rooms[roomID]
	if !ok {
		return nil, newNotMember(roomID)
	}
	if cr.isMember(target) {
		return nil, protocolerr.New(protocolerr.KindAlreadyMember, "target is already a member").
			WithFields(map[string]any{"room_id": roomID.String(), "sender_id": uint64(target)})
	}
	if cr.pendingAdds == nil {
		cr.pendingAdds = make(map[ids.SenderID]struct{})
	}
	if _, pending := cr.pendingAdds[target]; pending {
		return nil, protocolerr.New(protocolerr.KindAlreadyMember, "add already in flight").
			WithFields(map[string]any{"room_id": roomID.String(), "sender_id": uint64(target)})
	}
	cr.pendingAdds[target] = struct{}{}

	f := frame.Frame{
		Header:  frame.Header{Opcode: frame.OpKeyPackageFetch, RoomID: roomID, SenderID: c.self},
		Payload: wire.KeyPackageFetch{TargetSenderID: uint64(target)}.Marshal(),
	}
	return []Action{Send{Frame: f}}, nil
}

// RemoveMember commits target's removal from roomID. Removing self fails
// with CannotRemoveSelf — use LeaveRoom instead.
func (c *Client) RemoveMember(roomID ids.RoomID, target ids.SenderID) ([]Action, error) {
	if target == c.self {
		return nil, protocolerr.New(protocolerr.KindCannotRemoveSelf, "cannot remove self via RemoveMember").
			WithFields(map[string]any{"room_id": roomID.String()})
	}
	cr, ok := c.rooms[roomID]
	if !ok {
		return nil, newNotMember(roomID)
	}

	result, _, err := cr.group.Commit([]mls.Proposal{{Type: mls.ProposalRemove, Target: target}})
	if err != nil {
		return nil, err
	}
	if err := cr.rotateRatchets(); err != nil {
		return nil, err
	}

	commitFrame := frame.Frame{
		Header: frame.Header{
			Opcode:   frame.OpCommit,
			RoomID:   roomID,
			SenderID: c.self,
			Epoch:    result.NewEpoch,
		},
		Payload: wire.Commit{MLSCommit: result.Bytes}.Marshal(),
	}
	return []Action{
		Send{Frame: commitFrame},
		MemberRemoved{RoomID: roomID, SenderID: target},
		EpochAdvanced{RoomID: roomID, NewEpoch: result.NewEpoch},
		PersistRoom{RoomID: roomID, Opaque: result.Bytes},
	}, nil
}

// FrameReceived dispatches a frame arriving from the server into whatever
// local state transition it resumes. It is the only way waiting ever
// resolves in the client core (§4.6): no other method blocks for a reply.
func (c *Client) FrameReceived(f frame.Frame) ([]Action, error) {
	switch f.Header.Opcode {
	case frame.OpWelcome:
		return c.handleWelcome(f)
	case frame.OpCommit:
		return c.handleCommit(f)
	case frame.OpKeyPackageResponse:
		return c.handleKeyPackageResponse(f)
	case frame.OpAppMessage:
		return c.handleAppMessage(f)
	default:
		// Handshake/session/sync opcodes are the driver's or
		// internal/connstate's concern, not the client core's.
		return nil, nil
	}
}

func (c *Client) handleWelcome(f frame.Frame) ([]Action, error) {
	welcome, err := wire.UnmarshalWelcome(f.Payload)
	if err != nil {
		return nil, err
	}
	if ids.SenderID(welcome.NewMemberSenderID) != c.self {
		// Routed to us by recipient_id but addressed to someone else:
		// should never happen given the server's directed delivery, but
		// the client core never trusts routing alone for identity.
		return nil, nil
	}

	roomID := f.Header.RoomID
	if _, exists := c.rooms[roomID]; exists {
		return nil, protocolerr.New(protocolerr.KindRoomAlreadyExists, "already joined room").
			WithFields(map[string]any{"room_id": roomID.String()})
	}

	group, err := c.provider.CreateGroup(c.self)
	if err != nil {
		return nil, err
	}
	if err := group.ApplyWelcome(welcome.MLSWelcome); err != nil {
		return nil, err
	}
	cr := &clientRoom{id: roomID, self: c.self, group: group}
	if err := cr.rotateRatchets(); err != nil {
		return nil, err
	}
	c.rooms[roomID] = cr

	actions := []Action{PersistRoom{RoomID: roomID, Opaque: welcome.MLSWelcome}}
	for _, m := range group.Members() {
		if m != c.self {
			actions = append(actions, MemberAdded{RoomID: roomID, SenderID: m})
		}
	}
	return actions, nil
}

func (c *Client) handleCommit(f frame.Frame) ([]Action, error) {
	cr, ok := c.rooms[f.Header.RoomID]
	if !ok {
		return nil, newNotMember(f.Header.RoomID)
	}
	if f.Header.SenderID == c.self {
		// This client's own commits are already applied synchronously by
		// the event that produced them (RemoveMember, the add path in
		// handleKeyPackageResponse); BroadcastToRoom excludes the
		// originating session the same way it does for AppMessage, so the
		// session that sent a commit never sees it come back. A commit
		// carrying this client's sender id that does arrive (sent by
		// another session of the same sender) is ignored, not applied.
		return nil, nil
	}

	commit, err := wire.UnmarshalCommit(f.Payload)
	if err != nil {
		return nil, err
	}

	before := make(map[ids.SenderID]bool, len(cr.group.Members()))
	for _, m := range cr.group.Members() {
		before[m] = true
	}

	result, err := cr.group.ApplyCommit(commit.MLSCommit)
	if err != nil {
		return nil, err
	}
	if err := cr.rotateRatchets(); err != nil {
		return nil, err
	}

	after := make(map[ids.SenderID]bool, len(result.Members))
	for _, m := range result.Members {
		after[m] = true
	}

	actions := []Action{PersistRoom{RoomID: f.Header.RoomID, Opaque: commit.MLSCommit}}
	for _, m := range result.Members {
		if !before[m] && m != c.self {
			actions = append(actions, MemberAdded{RoomID: f.Header.RoomID, SenderID: m})
		}
	}
	for m := range before {
		if !after[m] {
			actions = append(actions, MemberRemoved{RoomID: f.Header.RoomID, SenderID: m})
		}
	}
	actions = append(actions, EpochAdvanced{RoomID: f.Header.RoomID, NewEpoch: result.NewEpoch})

	if !after[c.self] {
		// This commit removed us: there is no further epoch to track, so
		// forget the room the same way LeaveRoom does.
		delete(c.rooms, f.Header.RoomID)
	}
	return actions, nil
}

func (c *Client) handleKeyPackageResponse(f frame.Frame) ([]Action, error) {
	cr, ok := c.rooms[f.Header.RoomID]
	if !ok {
		return nil, newNotMember(f.Header.RoomID)
	}

	resp, err := wire.UnmarshalKeyPackageResponse(f.Payload)
	if err != nil {
		return nil, err
	}
	target := ids.SenderID(resp.SenderID)
	if _, pending := cr.pendingAdds[target]; !pending {
		// A response to an add we either never started or already gave
		// up on; nothing to resume.
		return nil, nil
	}
	delete(cr.pendingAdds, target)

	if len(resp.KeyPackage) == 0 {
		return nil, protocolerr.New(protocolerr.KindInvalidClient, "target has no published key package").
			WithFields(map[string]any{"sender_id": uint64(target)})
	}

	result, welcomes, err := cr.group.Commit([]mls.Proposal{
		{Type: mls.ProposalAdd, Target: target, KeyPackage: mls.KeyPackage(resp.KeyPackage)},
	})
	if err != nil {
		return nil, err
	}
	if err := cr.rotateRatchets(); err != nil {
		return nil, err
	}

	commitFrame := frame.Frame{
		Header: frame.Header{
			Opcode:   frame.OpCommit,
			RoomID:   f.Header.RoomID,
			SenderID: c.self,
			Epoch:    result.NewEpoch,
		},
		Payload: wire.Commit{MLSCommit: result.Bytes}.Marshal(),
	}

	actions := []Action{Send{Frame: commitFrame}}
	for _, w := range welcomes {
		welcomeFrame := frame.Frame{
			Header: frame.Header{
				Opcode:      frame.OpWelcome,
				RoomID:      f.Header.RoomID,
				SenderID:    c.self,
				RecipientID: target,
				Epoch:       w.Epoch,
			},
			Payload: wire.Welcome{MLSWelcome: w.Bytes, NewMemberSenderID: uint64(target)}.Marshal(),
		}
		actions = append(actions, Send{Frame: welcomeFrame})
	}
	actions = append(actions,
		MemberAdded{RoomID: f.Header.RoomID, SenderID: target},
		EpochAdvanced{RoomID: f.Header.RoomID, NewEpoch: result.NewEpoch},
		PersistRoom{RoomID: f.Header.RoomID, Opaque: result.Bytes},
	)
	return actions, nil
}

func (c *Client) handleAppMessage(f frame.Frame) ([]Action, error) {
	cr, ok := c.rooms[f.Header.RoomID]
	if !ok {
		return nil, newNotMember(f.Header.RoomID)
	}
	if f.Header.SenderID == c.self {
		// The sending session never gets its own message back (see
		// handleCommit's comment); one carrying this client's sender id
		// that arrives from another session of the same sender is ignored.
		return nil, nil
	}

	rc, ok := cr.receivers[f.Header.SenderID]
	if !ok {
		return nil, protocolerr.New(protocolerr.KindUnknownSender, "no receiver chain for sender").
			WithFields(map[string]any{"room_id": f.Header.RoomID.String(), "sender_id": uint64(f.Header.SenderID)})
	}

	am, err := wire.UnmarshalAppMessage(f.Payload)
	if err != nil {
		return nil, err
	}

	plaintext, err := rc.Open(am.Counter, am.NonceRandom, am.Ciphertext, frame.AssociatedData(f.Header))
	if err != nil {
		return nil, err
	}

	return []Action{DeliverMessage{
		RoomID:    f.Header.RoomID,
		SenderID:  f.Header.SenderID,
		Plaintext: plaintext,
		LogIndex:  f.Header.LogIndex,
	}}, nil
}
