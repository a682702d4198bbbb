package client

import (
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/mls"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
	"github.com/lockframe-protocol/lockframe/internal/ratchet"
)

// clientRoom is one client's local view of a room it belongs to: the MLS
// group (membership/epoch), the sender-key ratchets derived from the
// group's current epoch secret, and any adds this client has started but
// not yet completed.
type clientRoom struct {
	id   ids.RoomID
	self ids.SenderID

	group mls.Group

	sender    *ratchet.SenderChain
	receivers map[ids.SenderID]*ratchet.ReceiverChain

	// pendingAdds tracks FetchAndAddMember calls awaiting the
	// KeyPackageResponse that resumes them (§4.6: "all waiting is modeled
	// by incoming FrameReceived events that resume a pending operation").
	pendingAdds map[ids.SenderID]struct{}
}

// rotateRatchets re-derives this room's sender chain and every other
// member's receiver chain from the group's current epoch secret. It must
// be called after every operation that changes the group's epoch:
// creating a group, applying a Welcome, and applying or producing a
// Commit. Dropping the previous epoch's chains here (rather than keeping
// them reachable) is what gives the ratchet forward secrecy across an
// epoch boundary (spec §8 property 6).
func (r *clientRoom) rotateRatchets() error {
	secret, err := r.group.ExportSecret("sender-key", ratchet.KeySize)
	if err != nil {
		return err
	}
	epoch := r.group.Epoch()

	sender, err := ratchet.NewSenderChain(secret, r.self, epoch)
	if err != nil {
		return err
	}

	receivers := make(map[ids.SenderID]*ratchet.ReceiverChain)
	for _, m := range r.group.Members() {
		if m == r.self {
			continue
		}
		rc, err := ratchet.NewReceiverChain(secret, m, epoch, ratchet.DefaultWindowSize)
		if err != nil {
			return err
		}
		receivers[m] = rc
	}

	r.sender = sender
	r.receivers = receivers
	return nil
}

func (r *clientRoom) isMember(id ids.SenderID) bool {
	for _, m := range r.group.Members() {
		if m == id {
			return true
		}
	}
	return false
}

// newNotMember is returned whenever an event names a room this client has
// no local clientRoom for. The client only ever tracks rooms it currently
// belongs to, so "no local entry" and "not a member" are the same fact
// from its point of view — it has no independent way to know whether the
// room exists at all on the server (that's internal/room's job).
func newNotMember(roomID ids.RoomID) error {
	return protocolerr.New(protocolerr.KindNotMember, "not a member of this room").
		WithFields(map[string]any{"room_id": roomID.String()})
}
