package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/room"
	"github.com/lockframe-protocol/lockframe/internal/storage"
	"github.com/lockframe-protocol/lockframe/internal/transport"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

type testClient struct {
	conn   transport.Connection
	stream transport.Stream
}

func dialTestClient(t *testing.T, ctx context.Context, tr transport.Transport, addr string) *testClient {
	t.Helper()
	conn, err := tr.Dial(ctx, addr)
	require.NoError(t, err)
	stream, err := conn.OpenStream(ctx)
	require.NoError(t, err)
	return &testClient{conn: conn, stream: stream}
}

func (c *testClient) hello(t *testing.T, token string, senderID uint64) wire.HelloReply {
	t.Helper()
	payload := wire.Hello{ClientVersion: 1, SenderID: senderID, AuthToken: token}.Marshal()
	require.NoError(t, transport.WriteFrame(c.stream, frame.Frame{
		Header:  frame.Header{Opcode: frame.OpHello},
		Payload: payload,
	}))

	f, err := transport.ReadFrame(c.stream)
	require.NoError(t, err)
	require.Equal(t, frame.OpHelloReply, f.Header.Opcode)

	reply, err := wire.UnmarshalHelloReply(f.Payload)
	require.NoError(t, err)
	return reply
}

func newTestDriver(t *testing.T) (*Driver, transport.Transport, string) {
	t.Helper()
	sim := transport.NewSimulated(transport.FaultProfile{})
	addr := "test-server"

	driver := NewDriver(room.NewManager(), storage.NewMemory(), nil,
		StaticAuthenticator{"tok-1": ids.SenderID(1), "tok-2": ids.SenderID(2)}, env.NewReal())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		// Every accepted connection's readLoop blocks on its stream until
		// the session is explicitly closed (ctx cancellation alone only
		// stops Serve's accept loop) — close them all so no per-connection
		// goroutine outlives the test.
		driver.mu.Lock()
		for _, sess := range driver.sessions {
			sess.close()
		}
		driver.mu.Unlock()
	})

	listener, err := sim.Listen(ctx, addr)
	require.NoError(t, err)
	go driver.Serve(ctx, listener)

	return driver, sim, addr
}

func TestHelloAuthenticatesAndAssignsSessionID(t *testing.T) {
	_, tr, addr := newTestDriver(t)
	ctx := context.Background()

	client := dialTestClient(t, ctx, tr, addr)
	reply := client.hello(t, "tok-1", 1)
	require.NotZero(t, reply.SessionID)
}

func TestUnknownTokenIsRejected(t *testing.T) {
	_, tr, addr := newTestDriver(t)
	ctx := context.Background()

	client := dialTestClient(t, ctx, tr, addr)
	payload := wire.Hello{ClientVersion: 1, SenderID: 99, AuthToken: "not-a-real-token"}.Marshal()
	require.NoError(t, transport.WriteFrame(client.stream, frame.Frame{
		Header:  frame.Header{Opcode: frame.OpHello},
		Payload: payload,
	}))

	_, err := transport.ReadFrame(client.stream)
	require.Error(t, err)
}

func TestAppMessageBroadcastsToRoomMembersExceptSender(t *testing.T) {
	driver, tr, addr := newTestDriver(t)
	ctx := context.Background()
	roomID := ids.NewRoomID()

	require.NoError(t, driver.CreateRoom(context.Background(), roomID, ids.SenderID(1)))

	alice := dialTestClient(t, ctx, tr, addr)
	alice.hello(t, "tok-1", 1)

	bob := dialTestClient(t, ctx, tr, addr)
	bob.hello(t, "tok-2", 2)

	// Route a Welcome to bob so the server adds sender 2 to the room's
	// membership (spec §4.3: membership changes ride along Welcome
	// routing, never parsed MLS content).
	welcome := frame.Frame{Header: frame.Header{
		Opcode:      frame.OpWelcome,
		RoomID:      roomID,
		SenderID:    1,
		RecipientID: 2,
	}, Payload: wire.Welcome{NewMemberSenderID: 2}.Marshal()}
	require.NoError(t, transport.WriteFrame(alice.stream, welcome))

	welcomeDelivered, err := transport.ReadFrame(bob.stream)
	require.NoError(t, err)
	require.Equal(t, frame.OpWelcome, welcomeDelivered.Header.Opcode)

	appMsg := frame.Frame{Header: frame.Header{
		Opcode:   frame.OpAppMessage,
		RoomID:   roomID,
		SenderID: 1,
	}, Payload: []byte("ciphertext")}
	require.NoError(t, transport.WriteFrame(alice.stream, appMsg))

	done := make(chan frame.Frame, 1)
	go func() {
		f, err := transport.ReadFrame(bob.stream)
		if err == nil {
			done <- f
		}
	}()

	select {
	case got := <-done:
		require.Equal(t, frame.OpAppMessage, got.Header.Opcode)
		require.Equal(t, []byte("ciphertext"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

// TestAppMessageReachesSendersOtherDevices confirms a broadcast excludes
// only the originating session, not every session of the originating
// sender: a second device authenticated under the same sender id must
// still receive that sender's own app messages.
func TestAppMessageReachesSendersOtherDevices(t *testing.T) {
	driver, tr, addr := newTestDriver(t)
	ctx := context.Background()
	roomID := ids.NewRoomID()

	require.NoError(t, driver.CreateRoom(context.Background(), roomID, ids.SenderID(1)))

	aliceLaptop := dialTestClient(t, ctx, tr, addr)
	aliceLaptop.hello(t, "tok-1", 1)

	alicePhone := dialTestClient(t, ctx, tr, addr)
	alicePhone.hello(t, "tok-1", 1)

	appMsg := frame.Frame{Header: frame.Header{
		Opcode:   frame.OpAppMessage,
		RoomID:   roomID,
		SenderID: 1,
	}, Payload: []byte("ciphertext")}
	require.NoError(t, transport.WriteFrame(aliceLaptop.stream, appMsg))

	done := make(chan frame.Frame, 1)
	go func() {
		f, err := transport.ReadFrame(alicePhone.stream)
		if err == nil {
			done <- f
		}
	}()

	select {
	case got := <-done:
		require.Equal(t, frame.OpAppMessage, got.Header.Opcode)
		require.Equal(t, []byte("ciphertext"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast to originating sender's other device")
	}
}

func TestNonMemberAppMessageIsRejected(t *testing.T) {
	driver, tr, addr := newTestDriver(t)
	ctx := context.Background()
	roomID := ids.NewRoomID()

	require.NoError(t, driver.CreateRoom(context.Background(), roomID, ids.SenderID(1)))

	bob := dialTestClient(t, ctx, tr, addr)
	bob.hello(t, "tok-2", 2)

	appMsg := frame.Frame{Header: frame.Header{
		Opcode:   frame.OpAppMessage,
		RoomID:   roomID,
		SenderID: 2,
	}, Payload: []byte("ciphertext")}
	require.NoError(t, transport.WriteFrame(bob.stream, appMsg))

	// NotMember is a fatal error kind (internal/protocolerr): the driver
	// closes bob's session rather than letting a non-member keep sending
	// frames into a room it cannot observe.
	_, err := transport.ReadFrame(bob.stream)
	require.Error(t, err)
}
