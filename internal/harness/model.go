package harness

import "github.com/lockframe-protocol/lockframe/internal/protocolerr"

// ModelWorld is a minimal, I/O-free reference model of room/membership
// semantics, used to check invariant 8 (spec §8): for any sequence of
// operations, the reference model and the real client/server agree on
// ok/error for every step and on the error's fatal/retryable
// classification. It deliberately does not model MLS epochs, key
// packages, or the asynchronous fetch/commit/welcome handshake — those
// are exercised directly by TestS4BidirectionalMessaging and the client
// core's own unit tests. What it models is exactly the set of
// synchronous admission checks internal/client.Client performs before
// any of that machinery runs; the server's own checks are not modeled.
type ModelWorld struct {
	rooms   map[int]bool
	members map[int]map[int]bool
}

func NewModelWorld() *ModelWorld {
	return &ModelWorld{
		rooms:   make(map[int]bool),
		members: make(map[int]map[int]bool),
	}
}

// ModelOp names one step a fuzzer drives through both the model and a
// real World. Not every field is meaningful for every kind.
type ModelOp struct {
	Kind   string // "create", "send", "leave", "add", "remove"
	Client int
	Room   int
	Target int
}

// Apply runs op against the model and returns the Kind it predicts, or
// ok=true if the model says the operation succeeds.
func (m *ModelWorld) Apply(op ModelOp) (kind protocolerr.Kind, ok bool) {
	switch op.Kind {
	case "create":
		if m.rooms[op.Room] {
			return protocolerr.KindRoomAlreadyExists, false
		}
		m.rooms[op.Room] = true
		m.members[op.Room] = map[int]bool{op.Client: true}
		return 0, true

	case "send":
		if !m.rooms[op.Room] {
			return protocolerr.KindRoomNotFound, false
		}
		if !m.members[op.Room][op.Client] {
			return protocolerr.KindNotMember, false
		}
		return 0, true

	case "leave":
		if !m.rooms[op.Room] {
			return protocolerr.KindRoomNotFound, false
		}
		if !m.members[op.Room][op.Client] {
			return protocolerr.KindNotMember, false
		}
		delete(m.members[op.Room], op.Client)
		return 0, true

	case "add":
		if !m.rooms[op.Room] {
			return protocolerr.KindRoomNotFound, false
		}
		if !m.members[op.Room][op.Client] {
			return protocolerr.KindNotMember, false
		}
		if m.members[op.Room][op.Target] {
			return protocolerr.KindAlreadyMember, false
		}
		m.members[op.Room][op.Target] = true
		return 0, true

	case "remove":
		if op.Target == op.Client {
			return protocolerr.KindCannotRemoveSelf, false
		}
		if !m.rooms[op.Room] {
			return protocolerr.KindRoomNotFound, false
		}
		if !m.members[op.Room][op.Client] {
			return protocolerr.KindNotMember, false
		}
		delete(m.members[op.Room], op.Target)
		return 0, true

	default:
		panic("unknown model op kind: " + op.Kind)
	}
}

// IsFatal and IsRetryable classify a predicted Kind the same way
// protocolerr.Error does, so the fuzzer compares the model's prediction
// against the real error's classification using one shared taxonomy
// instead of a second, divergable copy of it.
func IsFatal(kind protocolerr.Kind) bool {
	return protocolerr.New(kind, "").IsFatal()
}

func IsRetryable(kind protocolerr.Kind) bool {
	return protocolerr.New(kind, "").IsRetryable()
}
