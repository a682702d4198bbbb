package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/mls"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

const (
	alice = ids.SenderID(1)
	bob   = ids.SenderID(2)
)

// findSend returns the first Send action's frame with the given opcode, and
// whether one was found.
func findSend(actions []Action, op frame.Opcode) (frame.Frame, bool) {
	for _, a := range actions {
		if s, ok := a.(Send); ok && s.Frame.Header.Opcode == op {
			return s.Frame, true
		}
	}
	return frame.Frame{}, false
}

func hasAction[T Action](actions []Action) (T, bool) {
	for _, a := range actions {
		if t, ok := a.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

func TestCreateRoomIsIdempotent(t *testing.T) {
	provider := mls.NewReferenceProvider(env.NewReal())
	c := NewClient(alice, provider)
	roomID := ids.NewRoomID()

	actions, err := c.CreateRoom(roomID)
	require.NoError(t, err)
	_, ok := hasAction[PersistRoom](actions)
	assert.True(t, ok)

	_, err = c.CreateRoom(roomID)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindRoomAlreadyExists))
}

func TestSendMessageRequiresMembership(t *testing.T) {
	provider := mls.NewReferenceProvider(env.NewReal())
	c := NewClient(alice, provider)

	_, err := c.SendMessage(ids.NewRoomID(), []byte("hi"), env.NewReal())
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindNotMember))
}

// addMember drives the full FetchAndAddMember → KeyPackageResponse →
// Commit/Welcome handshake between two in-memory clients, simulating the
// server's routing by handing each emitted frame directly to its peer (a
// real server would also assign log_index on Commit/AppMessage, which is
// irrelevant to membership bookkeeping so this helper leaves it zero).
func addMember(t *testing.T, roomID ids.RoomID, adder, target *Client, targetID ids.SenderID, targetProvider mls.Provider) {
	t.Helper()

	kp, err := targetProvider.GenerateKeyPackage(targetID)
	require.NoError(t, err)

	fetchActions, err := adder.FetchAndAddMember(roomID, targetID)
	require.NoError(t, err)
	fetchFrame, ok := findSend(fetchActions, frame.OpKeyPackageFetch)
	require.True(t, ok)

	// Simulate the server's KeyPackageResponse, carrying target's key
	// package back to the adder on the same room/sender routing.
	respFrame := frame.Frame{
		Header: frame.Header{
			Opcode:   frame.OpKeyPackageResponse,
			RoomID:   fetchFrame.Header.RoomID,
			SenderID: adder.self,
		},
		Payload: wire.KeyPackageResponse{SenderID: uint64(targetID), KeyPackage: kp}.Marshal(),
	}

	resumeActions, err := adder.FrameReceived(respFrame)
	require.NoError(t, err)

	commitFrame, ok := findSend(resumeActions, frame.OpCommit)
	require.True(t, ok)
	welcomeFrame, ok := findSend(resumeActions, frame.OpWelcome)
	require.True(t, ok)

	_, err = target.FrameReceived(welcomeFrame)
	require.NoError(t, err)

	_ = commitFrame // not delivered to target: it already has the post-add state via Welcome
}

func TestFetchAndAddMemberThenMessagingRoundTrip(t *testing.T) {
	aliceProvider := mls.NewReferenceProvider(env.NewReal())
	bobProvider := mls.NewReferenceProvider(env.NewReal())

	aliceClient := NewClient(alice, aliceProvider)
	bobClient := NewClient(bob, bobProvider)

	roomID := ids.NewRoomID()
	_, err := aliceClient.CreateRoom(roomID)
	require.NoError(t, err)

	addMember(t, roomID, aliceClient, bobClient, bob, bobProvider)

	assert.True(t, bobClient.IsMember(roomID))

	sendActions, err := aliceClient.SendMessage(roomID, []byte("hello room"), env.NewReal())
	require.NoError(t, err)
	appFrame, ok := findSend(sendActions, frame.OpAppMessage)
	require.True(t, ok)

	deliverActions, err := bobClient.FrameReceived(appFrame)
	require.NoError(t, err)
	deliver, ok := hasAction[DeliverMessage](deliverActions)
	require.True(t, ok)
	assert.Equal(t, []byte("hello room"), deliver.Plaintext)
	assert.Equal(t, alice, deliver.SenderID)
}

func TestFetchAndAddMemberRejectsAlreadyMember(t *testing.T) {
	aliceProvider := mls.NewReferenceProvider(env.NewReal())
	bobProvider := mls.NewReferenceProvider(env.NewReal())
	aliceClient := NewClient(alice, aliceProvider)
	bobClient := NewClient(bob, bobProvider)

	roomID := ids.NewRoomID()
	_, err := aliceClient.CreateRoom(roomID)
	require.NoError(t, err)
	addMember(t, roomID, aliceClient, bobClient, bob, bobProvider)

	_, err = aliceClient.FetchAndAddMember(roomID, bob)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindAlreadyMember))
}

func TestRemoveMemberRejectsSelf(t *testing.T) {
	provider := mls.NewReferenceProvider(env.NewReal())
	c := NewClient(alice, provider)
	roomID := ids.NewRoomID()
	_, err := c.CreateRoom(roomID)
	require.NoError(t, err)

	_, err = c.RemoveMember(roomID, alice)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindCannotRemoveSelf))
}

func TestRemoveMemberEndsMessagingForTarget(t *testing.T) {
	aliceProvider := mls.NewReferenceProvider(env.NewReal())
	bobProvider := mls.NewReferenceProvider(env.NewReal())
	aliceClient := NewClient(alice, aliceProvider)
	bobClient := NewClient(bob, bobProvider)

	roomID := ids.NewRoomID()
	_, err := aliceClient.CreateRoom(roomID)
	require.NoError(t, err)
	addMember(t, roomID, aliceClient, bobClient, bob, bobProvider)

	removeActions, err := aliceClient.RemoveMember(roomID, bob)
	require.NoError(t, err)
	commitFrame, ok := findSend(removeActions, frame.OpCommit)
	require.True(t, ok)
	_, ok = hasAction[MemberRemoved](removeActions)
	assert.True(t, ok)

	bobActions, err := bobClient.FrameReceived(commitFrame)
	require.NoError(t, err)
	removed, ok := hasAction[MemberRemoved](bobActions)
	require.True(t, ok)
	assert.Equal(t, bob, removed.SenderID)
}

func TestLeaveRoomForgetsLocalState(t *testing.T) {
	provider := mls.NewReferenceProvider(env.NewReal())
	c := NewClient(alice, provider)
	roomID := ids.NewRoomID()
	_, err := c.CreateRoom(roomID)
	require.NoError(t, err)

	actions, err := c.LeaveRoom(roomID)
	require.NoError(t, err)
	_, ok := findSend(actions, frame.OpCommit)
	assert.True(t, ok)
	assert.False(t, c.IsMember(roomID))

	_, err = c.LeaveRoom(roomID)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindNotMember))
}

func TestPublishKeyPackageEmitsUpload(t *testing.T) {
	provider := mls.NewReferenceProvider(env.NewReal())
	c := NewClient(alice, provider)

	actions, err := c.PublishKeyPackage()
	require.NoError(t, err)
	f, ok := findSend(actions, frame.OpKeyPackageUpload)
	require.True(t, ok)
	assert.Equal(t, alice, f.Header.SenderID)
}

func TestAppMessageFromUnknownSenderFails(t *testing.T) {
	provider := mls.NewReferenceProvider(env.NewReal())
	c := NewClient(alice, provider)
	roomID := ids.NewRoomID()
	_, err := c.CreateRoom(roomID)
	require.NoError(t, err)

	forged := frame.Frame{Header: frame.Header{
		Opcode:   frame.OpAppMessage,
		RoomID:   roomID,
		SenderID: ids.SenderID(99),
	}, Payload: []byte("not a real app message")}

	_, err = c.FrameReceived(forged)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindUnknownSender))
}
