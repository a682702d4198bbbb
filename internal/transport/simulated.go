package transport

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// FaultProfile parameterizes the failures Simulated injects, so a harness
// scenario can dial up packet loss or latency without touching production
// transport code at all.
type FaultProfile struct {
	// DropProbability is the chance, per Write call, that the write is
	// accepted (as far as the caller can tell) but never delivered — the
	// scenario this models is a reordering/partitioning network, which is
	// why drops are invisible to the writer rather than returned as errors.
	DropProbability float64
	Rng             *rand.Rand

	// Latency delays delivery of every write by this much virtual time,
	// using Clock's scheduling rather than a real timer so a scenario's
	// wall-clock run time never depends on the latency it's injecting.
	// Clock must be set for Latency to have any effect.
	Latency time.Duration
	Clock   *env.Virtual
}

// Simulated is an in-memory Transport for the deterministic harness
// (spec §9): dialing a listening address hands back a connected pair of
// streams with no real sockets involved, and FaultProfile can drop writes
// to exercise the sync/gap-recovery paths under loss.
type Simulated struct {
	mu        sync.Mutex
	listeners map[string]*simulatedListener
	faults    FaultProfile
}

func NewSimulated(faults FaultProfile) *Simulated {
	if faults.Rng == nil {
		faults.Rng = rand.New(rand.NewSource(1))
	}
	return &Simulated{
		listeners: make(map[string]*simulatedListener),
		faults:    faults,
	}
}

func (s *Simulated) Listen(ctx context.Context, addr string) (Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[addr]; exists {
		return nil, protocolerr.New(protocolerr.KindTransportIO, "address already in use: "+addr)
	}
	l := &simulatedListener{addr: addr, acceptCh: make(chan Connection, 16)}
	s.listeners[addr] = l
	return l, nil
}

func (s *Simulated) Dial(ctx context.Context, addr string) (Connection, error) {
	s.mu.Lock()
	l, ok := s.listeners[addr]
	s.mu.Unlock()
	if !ok {
		return nil, protocolerr.New(protocolerr.KindTransportIO, "no listener at "+addr)
	}

	clientSide := &simulatedConnection{
		remote:   fmt.Sprintf("sim-client-%p", l),
		streamCh: make(chan Stream, 16),
		faults:   s.faults,
		peerAddr: addr,
	}
	serverSide := &simulatedConnection{
		remote:   "sim-server",
		streamCh: make(chan Stream, 16),
		faults:   s.faults,
		peerAddr: addr,
	}
	clientSide.peer = serverSide
	serverSide.peer = clientSide

	select {
	case l.acceptCh <- serverSide:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return clientSide, nil
}

type simulatedListener struct {
	addr      string
	acceptCh  chan Connection
	closeOnce sync.Once
}

func (l *simulatedListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case conn, ok := <-l.acceptCh:
		if !ok {
			return nil, protocolerr.New(protocolerr.KindTransportClosed, "listener closed")
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *simulatedListener) Addr() string { return l.addr }

func (l *simulatedListener) Close() error {
	l.closeOnce.Do(func() { close(l.acceptCh) })
	return nil
}

// simulatedConnection models one side of a dialed pair. OpenStream on one
// side enqueues the paired stream into the other side's streamCh, which is
// what the peer's AcceptStream drains.
type simulatedConnection struct {
	remote   string
	peerAddr string
	peer     *simulatedConnection
	streamCh chan Stream
	faults   FaultProfile

	closeOnce sync.Once
}

func (c *simulatedConnection) OpenStream(ctx context.Context) (Stream, error) {
	local, remote := newSimStreamPair(c.faults)
	select {
	case c.peer.streamCh <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

func (c *simulatedConnection) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s, ok := <-c.streamCh:
		if !ok {
			return nil, protocolerr.New(protocolerr.KindTransportClosed, "connection closed")
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *simulatedConnection) RemoteAddr() string { return c.remote }

func (c *simulatedConnection) Close() error {
	c.closeOnce.Do(func() { close(c.streamCh) })
	return nil
}

// simStream is one direction-paired half of an in-memory stream. Writes on
// one half arrive as chunks on the other half's Read, unless the fault
// profile decides to drop the write.
type simStream struct {
	faults FaultProfile

	mu      sync.Mutex
	readBuf bytes.Buffer

	// chunks is where Read consumes from (the peer's write side); writeCh
	// is where Write delivers to (the peer's read side).
	chunks  chan []byte
	writeCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newSimStreamPair(faults FaultProfile) (a, b *simStream) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	a = &simStream{faults: faults, chunks: bToA, writeCh: aToB, closed: make(chan struct{})}
	b = &simStream{faults: faults, chunks: aToB, writeCh: bToA, closed: make(chan struct{})}
	return a, b
}

func (s *simStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, protocolerr.New(protocolerr.KindTransportClosed, "stream closed")
	default:
	}

	if s.faults.DropProbability > 0 && s.faults.Rng.Float64() < s.faults.DropProbability {
		return len(p), nil
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	if s.faults.Latency > 0 && s.faults.Clock != nil {
		go s.deliverAfter(chunk, s.faults.Latency)
		return len(p), nil
	}

	select {
	case s.writeCh <- chunk:
		return len(p), nil
	case <-s.closed:
		return 0, protocolerr.New(protocolerr.KindTransportClosed, "stream closed")
	}
}

// deliverAfter holds chunk until the virtual clock has advanced by delay,
// then hands it to the peer's Read side. Runs on its own goroutine so Write
// can return immediately, the same way a real network accepts a packet for
// transmission before it actually arrives.
func (s *simStream) deliverAfter(chunk []byte, delay time.Duration) {
	s.faults.Clock.Sleep(delay)
	select {
	case s.writeCh <- chunk:
	case <-s.closed:
	}
}

func (s *simStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.readBuf.Len() > 0 {
		n, _ := s.readBuf.Read(p)
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return 0, protocolerr.New(protocolerr.KindTransportClosed, "stream closed")
		}
		s.mu.Lock()
		n := copy(p, chunk)
		if n < len(chunk) {
			s.readBuf.Write(chunk[n:])
		}
		s.mu.Unlock()
		return n, nil
	case <-s.closed:
		return 0, protocolerr.New(protocolerr.KindTransportClosed, "stream closed")
	}
}

func (s *simStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
