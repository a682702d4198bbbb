// Package harness wires env.Virtual, transport.Simulated,
// storage.Memory, room.Manager and server.Driver into a single
// in-process deployment that a test dials into exactly the way a real
// client dials a real server — plus internal/client driving each
// simulated peer. It is the deterministic-simulation counterpart to
// cmd/lockframed: the same Driver code, running against a
// fault-injecting transport and a clock the test controls instead of
// wall time, so a scenario's wall-clock run time never depends on the
// virtual delays or timeouts it is exercising.
package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockframe-protocol/lockframe/internal/client"
	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/mls"
	"github.com/lockframe-protocol/lockframe/internal/room"
	"github.com/lockframe-protocol/lockframe/internal/server"
	"github.com/lockframe-protocol/lockframe/internal/storage"
	"github.com/lockframe-protocol/lockframe/internal/transport"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

// serverAddr is the single listening address every World dials; there is
// only ever one simulated server per World.
const serverAddr = "harness-server"

// epoch0 is the virtual clock's starting point. Its exact value has no
// meaning beyond giving every scenario the same t0.
var epoch0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// World is one simulated deployment: one server Driver behind a
// Simulated transport, driven by a Virtual clock every Actor shares.
type World struct {
	T      testing.TB
	Clock  *env.Virtual
	Trans  *transport.Simulated
	Store  storage.Storage
	Rooms  *room.Manager
	Driver *server.Driver

	authn server.StaticAuthenticator

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorld starts a simulated server under faults, seeded for
// determinism, and returns the World driving it. The server is torn down
// automatically at the end of the test.
func NewWorld(t testing.TB, faults transport.FaultProfile) *World {
	t.Helper()
	clock := env.NewVirtual(epoch0, 1)
	if faults.Clock == nil {
		faults.Clock = clock
	}
	trans := transport.NewSimulated(faults)
	store := storage.NewMemory()
	rooms := room.NewManager()
	authn := server.StaticAuthenticator{}
	driver := server.NewDriver(rooms, store, nil, authn, clock)

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := trans.Listen(ctx, serverAddr)
	require.NoError(t, err)
	go driver.Serve(ctx, listener)
	t.Cleanup(cancel)

	return &World{
		T:      t,
		Clock:  clock,
		Trans:  trans,
		Store:  store,
		Rooms:  rooms,
		Driver: driver,
		authn:  authn,
		ctx:    ctx,
		cancel: cancel,
	}
}

// CreateRoom provisions roomID out of band, the same way an admin HTTP
// route would before any client traffic for it exists (spec §4.4).
func (w *World) CreateRoom(roomID ids.RoomID, creator ids.SenderID) error {
	return w.Driver.CreateRoom(w.ctx, roomID, creator)
}

// NewActor dials the simulated server, completes the Hello/HelloReply
// handshake for self, and starts the actor's background read loop. The
// token registered with the driver's authenticator is derived from self
// alone — a harness test only ever deals in sender ids.
func (w *World) NewActor(self ids.SenderID) *Actor {
	t := w.T
	t.Helper()

	tok := fmt.Sprintf("tok-%d", self)
	w.authn[tok] = self

	conn, err := w.Trans.Dial(w.ctx, serverAddr)
	require.NoError(t, err)
	stream, err := conn.OpenStream(w.ctx)
	require.NoError(t, err)

	a := &Actor{
		world:   w,
		self:    self,
		core:    client.NewClient(self, mls.NewReferenceProvider(w.Clock)),
		conn:    conn,
		stream:  stream,
		members: make(map[ids.RoomID]map[ids.SenderID]bool),
		epochs:  make(map[ids.RoomID]ids.Epoch),
		notify:  make(chan struct{}, 1),
		pong:    make(chan struct{}, 1),
	}

	payload := wire.Hello{ClientVersion: 1, SenderID: uint64(self), AuthToken: tok}.Marshal()
	require.NoError(t, transport.WriteFrame(stream, frame.Frame{
		Header:  frame.Header{Opcode: frame.OpHello},
		Payload: payload,
	}))
	a.sent++

	f, err := transport.ReadFrame(stream)
	require.NoError(t, err)
	require.Equal(t, frame.OpHelloReply, f.Header.Opcode)
	a.received++

	reply, err := wire.UnmarshalHelloReply(f.Payload)
	require.NoError(t, err)
	a.sessionID = ids.SessionID(reply.SessionID)

	go a.readLoop()
	t.Cleanup(func() { a.close() })
	return a
}
