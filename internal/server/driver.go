// Package server implements the I/O driver (spec §4.4): the one
// concurrent layer in the system. It accepts transport connections,
// authenticates sessions via Hello/HelloReply, maintains the
// session_id↔sender_id table, and translates between transport events
// and internal/room's declarative actions. The room manager and
// connection state machine it drives never perform I/O themselves.
package server

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/lockframe-protocol/lockframe/internal/bus"
	"github.com/lockframe-protocol/lockframe/internal/connstate"
	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/logging"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
	"github.com/lockframe-protocol/lockframe/internal/ratelimit"
	"github.com/lockframe-protocol/lockframe/internal/room"
	"github.com/lockframe-protocol/lockframe/internal/storage"
	"github.com/lockframe-protocol/lockframe/internal/tracing"
	"github.com/lockframe-protocol/lockframe/internal/transport"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

// tickInterval is how often the driver evaluates every live session's
// connstate.Machine for handshake/idle timeouts and heartbeats. It must
// be small relative to connstate's HandshakeTimeout/HeartbeatInterval so
// those deadlines are observed promptly.
const tickInterval = time.Second

// Driver is the server's I/O layer: one per listening process.
type Driver struct {
	rooms   *room.Manager
	store   storage.Storage
	bus     *bus.Service
	authn   Authenticator
	env     env.Environment
	cfg     connstate.Config
	limiter *ratelimit.RateLimiter

	nextSessionID atomic.Uint64

	mu       sync.Mutex
	sessions map[ids.SessionID]*session
	bySender map[ids.SenderID]set.Set[ids.SessionID]
}

func NewDriver(rooms *room.Manager, store storage.Storage, busService *bus.Service, authn Authenticator, e env.Environment) *Driver {
	return &Driver{
		rooms:    rooms,
		store:    store,
		bus:      busService,
		authn:    authn,
		env:      e,
		cfg:      connstate.DefaultConfig(),
		sessions: make(map[ids.SessionID]*session),
		bySender: make(map[ids.SenderID]set.Set[ids.SessionID]),
	}
}

// WithRateLimiter wires rl into the driver's accept and frame-handling
// paths. Rate limiting is optional: a Driver with no limiter (the zero
// value, same as its bus) admits everything.
func (d *Driver) WithRateLimiter(rl *ratelimit.RateLimiter) *Driver {
	d.limiter = rl
	return d
}

// CreateRoom provisions a room before any session can address frames to
// it. The wire protocol has no CreateRoom frame — room creation is an
// administrative act performed out of band (an admin API route, or the
// harness driving a scenario directly), the same way the teacher's own
// Hub provisions a room from an HTTP route parameter before any
// WebSocket traffic for it exists.
func (d *Driver) CreateRoom(ctx context.Context, roomID ids.RoomID, creatorID ids.SenderID) error {
	if d.limiter != nil {
		if err := d.limiter.AllowRoomCreate(ctx, creatorID); err != nil {
			return protocolerr.Wrap(protocolerr.KindRateLimited, err, "sender exceeded room creation rate").
				WithFields(map[string]any{"sender_id": uint64(creatorID)})
		}
	}
	return d.rooms.CreateRoom(roomID, creatorID, d.env.Now())
}

// Serve accepts connections from listener until ctx is cancelled or
// Accept returns an error.
func (d *Driver) Serve(ctx context.Context, listener transport.Listener) error {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go d.handleConnection(ctx, conn)
	}
}

// handleConnection hosts exactly one session per connection, on the
// first stream the peer opens: the control stream carries every
// opcode for this connection's lifetime. A client multiplexing
// independent per-room streams on top of one connection is left to a
// future revision; nothing in this driver assumes it cannot happen,
// but only the first accepted stream is currently serviced.
func (d *Driver) handleConnection(ctx context.Context, conn transport.Connection) {
	defer conn.Close()

	if d.limiter != nil {
		if err := d.limiter.AllowConnect(ctx, conn.RemoteAddr()); err != nil {
			logging.Warn(ctx, "connection rejected by rate limiter", zap.String("remote_addr", conn.RemoteAddr()), zap.Error(err))
			return
		}
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logging.Warn(ctx, "failed to accept stream", zap.String("remote_addr", conn.RemoteAddr()), zap.Error(err))
		return
	}

	id := ids.SessionID(d.nextSessionID.Add(1))
	sess := newSession(id, stream, d.cfg)

	d.mu.Lock()
	d.sessions[id] = sess
	d.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.writeLoop(sess) }()
	go func() { defer wg.Done(); d.tickLoop(sessCtx, sess) }()

	d.readLoop(ctx, sess)

	cancel()
	d.removeSession(sess)
	wg.Wait()
}

func (d *Driver) writeLoop(sess *session) {
	for {
		select {
		case f, ok := <-sess.send:
			if !ok {
				return
			}
			if err := transport.WriteFrame(sess.stream, f); err != nil {
				sess.close()
				return
			}
		case <-sess.closed:
			return
		}
	}
}

func (d *Driver) tickLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		case <-ticker.C:
			for _, action := range sess.state.Tick(d.env.Now()) {
				d.applyConnAction(sess, action)
			}
		}
	}
}

func (d *Driver) readLoop(ctx context.Context, sess *session) {
	// Stamping the session id onto ctx once means every log line this
	// session's goroutines emit from here down — including ones several
	// calls deep in room.Manager error paths — carries it automatically via
	// appendContextFields, instead of every call site repeating it.
	ctx = context.WithValue(ctx, logging.SessionIDKey, strconv.FormatUint(uint64(sess.id), 10))

	for {
		f, err := transport.ReadFrame(sess.stream)
		if err != nil {
			sess.close()
			return
		}
		if sender := sess.SenderID(); sender != 0 {
			ctx = context.WithValue(ctx, logging.SenderIDKey, strconv.FormatUint(uint64(sender), 10))
		}
		if err := d.handleFrame(ctx, sess, f); err != nil {
			if pe, ok := err.(*protocolerr.Error); ok && pe.IsFatal() {
				logging.Warn(ctx, "closing session on fatal error", zap.String("kind", pe.Kind.String()))
				sess.close()
				return
			}
			logging.Warn(ctx, "error handling frame", zap.String("opcode", f.Header.Opcode.String()), zap.Error(err))
		}
	}
}

func (d *Driver) handleFrame(ctx context.Context, sess *session, f frame.Frame) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "process_frame",
		oteltrace.WithAttributes(
			attribute.String("opcode", f.Header.Opcode.String()),
			attribute.Int64("session_id", int64(sess.id)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	now := d.env.Now()

	if sess.state.State() == connstate.StateInit {
		if f.Header.Opcode != frame.OpHello {
			return protocolerr.New(protocolerr.KindUnauthenticated, "first frame must be Hello")
		}
		return d.handleHello(ctx, sess, f, now)
	}

	if sess.SenderID() == 0 {
		return protocolerr.New(protocolerr.KindUnauthenticated, "session has not completed handshake")
	}

	if err := sess.state.HandleFrame(f, now); err != nil {
		return err
	}

	switch f.Header.Opcode {
	case frame.OpGoodbye:
		d.rooms.RemoveSenderFromAllRooms(sess.SenderID())
		sess.close()
		return nil
	case frame.OpPing:
		sess.enqueue(frame.Frame{Header: frame.Header{Opcode: frame.OpPong}})
		return nil
	case frame.OpPong:
		// Already recorded as activity by state.HandleFrame above; the
		// room manager has no opinion on heartbeats.
		return nil
	}

	if d.limiter != nil {
		if err := d.checkFrameRate(ctx, f.Header.Opcode, sess.SenderID()); err != nil {
			return err
		}
	}

	f.Header.SenderID = sess.SenderID()
	ctx = context.WithValue(ctx, logging.RoomIDKey, f.Header.RoomID.String())
	ctx = context.WithValue(ctx, logging.EpochKey, strconv.FormatUint(uint64(f.Header.Epoch), 10))
	actions, err := d.rooms.ProcessFrame(ctx, f, now, d.store, sess.id)
	if err != nil {
		return err
	}
	d.applyRoomActions(ctx, actions)
	return nil
}

// checkFrameRate applies the per-sender limit that matches opcode, if any.
// Opcodes outside its switch (Hello/Goodbye/Welcome/SyncRequest/...) carry
// no dedicated limit and pass through unchecked.
func (d *Driver) checkFrameRate(ctx context.Context, opcode frame.Opcode, sender ids.SenderID) error {
	var err error
	switch opcode {
	case frame.OpAppMessage, frame.OpProposal, frame.OpCommit:
		err = d.limiter.AllowFrame(ctx, sender)
	case frame.OpKeyPackageFetch:
		err = d.limiter.AllowKeyPackageFetch(ctx, sender)
	case frame.OpKeyPackageUpload:
		err = d.limiter.AllowKeyPackageUpload(ctx, sender)
	default:
		return nil
	}
	if err != nil {
		return protocolerr.Wrap(protocolerr.KindRateLimited, err, "sender exceeded frame rate").
			WithFields(map[string]any{"sender_id": uint64(sender), "opcode": opcode.String()})
	}
	return nil
}

func (d *Driver) handleHello(ctx context.Context, sess *session, f frame.Frame, now time.Time) error {
	if err := sess.state.ReceiveHello(now); err != nil {
		return err
	}

	hello, err := wire.UnmarshalHello(f.Payload)
	if err != nil {
		sess.close()
		return err
	}

	senderID, err := d.authn.Authenticate(hello.AuthToken)
	if err != nil {
		sess.close()
		return protocolerr.Wrap(protocolerr.KindUnauthenticated, err, "authenticating Hello")
	}

	if err := sess.state.SendHelloReply(sess.id, now); err != nil {
		return err
	}
	sess.setSenderID(senderID)

	d.mu.Lock()
	if d.bySender[senderID] == nil {
		d.bySender[senderID] = set.New[ids.SessionID]()
	}
	d.bySender[senderID].Insert(sess.id)
	d.mu.Unlock()

	reply := wire.HelloReply{SessionID: uint64(sess.id)}
	sess.enqueue(frame.Frame{Header: frame.Header{Opcode: frame.OpHelloReply}, Payload: reply.Marshal()})
	return nil
}

// applyRoomActions turns the room manager's declarative actions into
// concrete session sends, resolving BroadcastToRoom's ExcludeSession and
// SendToSession's TargetSender against the session table.
func (d *Driver) applyRoomActions(ctx context.Context, actions []room.Action) {
	for _, action := range actions {
		switch a := action.(type) {
		case room.PersistFrame:
			// Persistence already happened inside room.Manager.ProcessFrame;
			// this action exists for callers (like the harness) that want to
			// observe it without re-deriving it from BroadcastToRoom.

		case room.BroadcastToRoom:
			d.deliverToRoom(a.RoomID, a.Frame, a.ExcludeSession)
			if d.bus != nil {
				// Session ids are local to this process, so the cross-instance
				// envelope carries the originating sender instead: a peer
				// instance has no way to recognize a.ExcludeSession as its own.
				if err := d.bus.PublishToRoom(ctx, a.RoomID, a.Frame, a.Frame.Header.SenderID); err != nil {
					logging.Warn(ctx, "bus publish failed", zap.String("room_id", a.RoomID.String()), zap.Error(err))
				}
			}

		case room.SendToSession:
			d.deliverToSender(a.TargetSender, a.Frame)
			if d.bus != nil {
				if err := d.bus.PublishToSender(ctx, a.TargetSender, a.Frame); err != nil {
					logging.Warn(ctx, "bus publish failed", zap.Uint64("target_sender", uint64(a.TargetSender)), zap.Error(err))
				}
			}
		}
	}
}

// deliverToRoom enumerates every local session whose sender is a member
// of roomID and enqueues f on each except excludeSession — the one session
// that produced f, per spec §4.4's broadcast rule. Other sessions of that
// same sender (its other devices) still receive it. Membership comes from
// the room manager, not from bySender, since a sender can be a member
// without a live local session (e.g. hosted on another instance).
func (d *Driver) deliverToRoom(roomID ids.RoomID, f frame.Frame, excludeSession ids.SessionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sender, sessionIDs := range d.bySender {
		if !d.rooms.IsMember(roomID, sender) {
			continue
		}
		for _, sid := range sessionIDs.UnsortedList() {
			if sid == excludeSession {
				continue
			}
			if sess, ok := d.sessions[sid]; ok {
				sess.enqueue(f)
			}
		}
	}
}

func (d *Driver) deliverToSender(target ids.SenderID, f frame.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessionIDs, ok := d.bySender[target]
	if !ok {
		return
	}
	for _, sid := range sessionIDs.UnsortedList() {
		if sess, ok := d.sessions[sid]; ok {
			sess.enqueue(f)
		}
	}
}

func (d *Driver) applyConnAction(sess *session, action connstate.Action) {
	switch a := action.(type) {
	case connstate.SendFrame:
		sess.enqueue(a.Frame)
	case connstate.Close:
		sess.close()
	}
}

func (d *Driver) removeSession(sess *session) {
	sess.close()

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sess.id)

	senderID := sess.SenderID()
	if senderID == 0 {
		return
	}
	if ss, ok := d.bySender[senderID]; ok {
		ss.Delete(sess.id)
		if ss.Len() == 0 {
			delete(d.bySender, senderID)
			d.rooms.RemoveSenderFromAllRooms(senderID)
		}
	}
}
