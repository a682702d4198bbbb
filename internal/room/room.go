// Package room implements the server-side room manager and sequencer
// (spec §4.3): it maintains rooms and their membership, assigns the
// monotonic per-room log_index, persists and broadcasts data-plane and
// MLS-control frames, and brokers key packages. It never decrypts an
// AppMessage payload and never interprets MLS control-plane bytes — those
// remain opaque all the way through this layer.
package room

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
	"github.com/lockframe-protocol/lockframe/internal/storage"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

// Action is one side effect the driver (spec §4.4) must carry out.
type Action interface{ isAction() }

// PersistFrame asks the driver to have Storage durably append Frame to
// RoomID's log (the manager has already assigned its LogIndex).
type PersistFrame struct {
	RoomID ids.RoomID
	Frame  frame.Frame
}

// BroadcastToRoom asks the driver to send Frame to every session whose
// sender is a member of RoomID, except ExcludeSession — the originating
// session that produced the frame, which already has it locally. Other
// sessions belonging to the same sender (its other devices) still receive
// the frame; only the one session that sent it is skipped.
type BroadcastToRoom struct {
	RoomID         ids.RoomID
	Frame          frame.Frame
	ExcludeSession ids.SessionID
}

// SendToSession asks the driver to deliver Frame to every session
// belonging to TargetSender.
type SendToSession struct {
	Frame        frame.Frame
	TargetSender ids.SenderID
}

func (PersistFrame) isAction()    {}
func (BroadcastToRoom) isAction() {}
func (SendToSession) isAction()   {}

// room is the manager's internal bookkeeping for one room. Membership is a
// set.Set rather than a plain map so add/remove/has are all O(1) without
// hand-rolled map[ids.SenderID]struct{} boilerplate at every call site.
type room struct {
	members      set.Set[ids.SenderID]
	nextLogIndex ids.LogIndex
}

// Manager is the server's room table. It is safe for concurrent use; the
// driver may call it from multiple session goroutines simultaneously
// (spec §5: the driver is the one concurrent layer).
type Manager struct {
	mu    sync.Mutex
	rooms map[ids.RoomID]*room
}

func NewManager() *Manager {
	return &Manager{rooms: make(map[ids.RoomID]*room)}
}

// CreateRoom inserts a new room with members = {creatorID}. now is accepted
// for symmetry with the rest of the manager's methods and future audit
// logging; room creation itself is not time-sensitive.
func (m *Manager) CreateRoom(roomID ids.RoomID, creatorID ids.SenderID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[roomID]; exists {
		return protocolerr.New(protocolerr.KindRoomAlreadyExists, "room already exists").
			WithFields(map[string]any{"room_id": roomID.String()})
	}
	m.rooms[roomID] = &room{members: set.New[ids.SenderID](creatorID)}
	return nil
}

func (m *Manager) HasRoom(roomID ids.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomID]
	return ok
}

func (m *Manager) IsMember(roomID ids.RoomID, sender ids.SenderID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	return r.members.Has(sender)
}

// PendingCount reports how many frames have been sequenced into roomID's
// log so far (i.e. the next log_index to be assigned). It is observational
// only, for admin/metrics surfaces.
func (m *Manager) PendingCount(roomID ids.RoomID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return 0
	}
	return int(r.nextLogIndex)
}

// ProcessFrame is the main dispatch (spec §4.3's process-frame table).
// originSession is the session that handed f to the driver, used to exclude
// that one session (not its sender's other devices) from any resulting
// BroadcastToRoom.
func (m *Manager) ProcessFrame(ctx context.Context, f frame.Frame, now time.Time, store storage.Storage, originSession ids.SessionID) ([]Action, error) {
	switch f.Header.Opcode {
	case frame.OpAppMessage, frame.OpProposal, frame.OpCommit:
		return m.processSequenced(ctx, f, store, originSession)

	case frame.OpWelcome:
		return m.processWelcome(ctx, f)

	case frame.OpKeyPackageUpload:
		return m.processKeyPackageUpload(ctx, f, store)

	case frame.OpKeyPackageFetch:
		return m.processKeyPackageFetch(ctx, f, store)

	case frame.OpSyncRequest:
		return m.processSyncRequest(ctx, f, now, store)

	default:
		return nil, protocolerr.New(protocolerr.KindInvalidFrame, "opcode not handled by room manager").
			WithFields(map[string]any{"opcode": f.Header.Opcode.String()})
	}
}

func (m *Manager) processSequenced(ctx context.Context, f frame.Frame, store storage.Storage, originSession ids.SessionID) ([]Action, error) {
	m.mu.Lock()
	r, ok := m.rooms[f.Header.RoomID]
	if !ok {
		m.mu.Unlock()
		return nil, protocolerr.New(protocolerr.KindRoomNotFound, "room not found").
			WithFields(map[string]any{"room_id": f.Header.RoomID.String()})
	}
	if f.Header.Opcode == frame.OpAppMessage && !r.members.Has(f.Header.SenderID) {
		m.mu.Unlock()
		return nil, protocolerr.New(protocolerr.KindNotMember, "sender is not a room member").
			WithFields(map[string]any{"room_id": f.Header.RoomID.String(), "sender_id": uint64(f.Header.SenderID)})
	}

	f.Header.LogIndex = r.nextLogIndex
	r.nextLogIndex++
	m.mu.Unlock()

	if err := store.PersistFrame(ctx, f.Header.RoomID, f); err != nil {
		return nil, err
	}

	return []Action{
		PersistFrame{RoomID: f.Header.RoomID, Frame: f},
		BroadcastToRoom{RoomID: f.Header.RoomID, Frame: f, ExcludeSession: originSession},
	}, nil
}

func (m *Manager) processWelcome(ctx context.Context, f frame.Frame) ([]Action, error) {
	m.mu.Lock()
	r, ok := m.rooms[f.Header.RoomID]
	if !ok {
		m.mu.Unlock()
		return nil, protocolerr.New(protocolerr.KindRoomNotFound, "room not found").
			WithFields(map[string]any{"room_id": f.Header.RoomID.String()})
	}
	// The server doesn't parse MLS, so the only signal it has for who just
	// joined is the routing recipient on the Welcome frame itself.
	r.members.Insert(f.Header.RecipientID)
	m.mu.Unlock()

	return []Action{
		SendToSession{Frame: f, TargetSender: f.Header.RecipientID},
	}, nil
}

func (m *Manager) processKeyPackageUpload(ctx context.Context, f frame.Frame, store storage.Storage) ([]Action, error) {
	upload, err := wire.UnmarshalKeyPackageUpload(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := store.PutKeyPackage(ctx, f.Header.SenderID, upload.KeyPackage); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *Manager) processKeyPackageFetch(ctx context.Context, f frame.Frame, store storage.Storage) ([]Action, error) {
	fetch, err := wire.UnmarshalKeyPackageFetch(f.Payload)
	if err != nil {
		return nil, err
	}

	kp, _, err := store.GetKeyPackage(ctx, ids.SenderID(fetch.TargetSenderID))
	if err != nil {
		return nil, err
	}

	payload := wire.KeyPackageResponse{SenderID: fetch.TargetSenderID, KeyPackage: kp}.Marshal()
	response := frame.Frame{
		Header: frame.Header{
			Opcode:      frame.OpKeyPackageResponse,
			RoomID:      f.Header.RoomID,
			SenderID:    f.Header.SenderID,
			RecipientID: f.Header.SenderID,
		},
		Payload: payload,
	}
	return []Action{SendToSession{Frame: response, TargetSender: f.Header.SenderID}}, nil
}

func (m *Manager) processSyncRequest(ctx context.Context, f frame.Frame, now time.Time, store storage.Storage) ([]Action, error) {
	m.mu.Lock()
	r, ok := m.rooms[f.Header.RoomID]
	if !ok {
		m.mu.Unlock()
		return nil, protocolerr.New(protocolerr.KindRoomNotFound, "room not found").
			WithFields(map[string]any{"room_id": f.Header.RoomID.String()})
	}
	isMember := r.members.Has(f.Header.SenderID)
	m.mu.Unlock()
	if !isMember {
		return nil, protocolerr.New(protocolerr.KindNotMember, "requester is not a room member").
			WithFields(map[string]any{"room_id": f.Header.RoomID.String(), "sender_id": uint64(f.Header.SenderID)})
	}

	req, err := wire.UnmarshalSyncRequest(f.Payload)
	if err != nil {
		return nil, err
	}

	return m.HandleSyncRequest(ctx, f.Header.RoomID, f.Header.SenderID, ids.LogIndex(req.FromIndex), req.Limit, now, store)
}

// HandleSyncRequest returns the longest available prefix of
// [fromIndex, fromIndex+limit) in roomID's log.
func (m *Manager) HandleSyncRequest(ctx context.Context, roomID ids.RoomID, requester ids.SenderID, fromIndex ids.LogIndex, limit uint32, now time.Time, store storage.Storage) ([]Action, error) {
	m.mu.Lock()
	_, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return nil, protocolerr.New(protocolerr.KindRoomNotFound, "room not found").
			WithFields(map[string]any{"room_id": roomID.String()})
	}

	frames, hasMore, err := store.Frames(ctx, roomID, fromIndex, limit)
	if err != nil {
		return nil, err
	}

	encoded := make([][]byte, len(frames))
	for i, f := range frames {
		b, err := frame.Encode(f)
		if err != nil {
			return nil, err
		}
		encoded[i] = b
	}

	payload := wire.SyncResponse{Frames: encoded, HasMore: hasMore}.Marshal()
	response := frame.Frame{
		Header: frame.Header{
			Opcode:      frame.OpSyncResponse,
			RoomID:      roomID,
			SenderID:    requester,
			RecipientID: requester,
		},
		Payload: payload,
	}
	return []Action{SendToSession{Frame: response, TargetSender: requester}}, nil
}

// RemoveSenderFromAllRooms removes sender from every room's membership,
// called on Goodbye or a session-level disconnect (spec §4.3).
func (m *Manager) RemoveSenderFromAllRooms(sender ids.SenderID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.members.Delete(sender)
	}
}
