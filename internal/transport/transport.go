// Package transport is the capability-set abstraction over byte transport
// (spec §4.1/§9): everything above this package deals in frame.Frame values
// and never touches a net.Conn, a quic.Stream, or an in-memory pipe
// directly. Production wires internal/transport/quic.go; the simulation
// harness wires internal/transport/simulated.go; both satisfy the same
// three interfaces below.
package transport

import (
	"context"
	"io"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// Stream is one bidirectional, ordered, reliable byte stream within a
// Connection. A session's control stream and its per-room data streams are
// each a Stream (spec §5).
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Connection is one multiplexed transport-level connection to a peer,
// capable of opening and accepting many Streams over its lifetime.
type Connection interface {
	// OpenStream creates a new outbound stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks until the peer opens a stream, or ctx is done.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemoteAddr identifies the peer for logging and metrics.
	RemoteAddr() string

	Close() error
}

// Listener accepts inbound Connections.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Addr() string
	Close() error
}

// Transport is the capability set a server or client depends on instead of
// importing a specific network library.
type Transport interface {
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Connection, error)
}

// WriteFrame encodes f and writes it to s in a single call. The frame
// header already carries its own payload length (internal/frame), so no
// additional stream-level framing is needed.
func WriteFrame(s Stream, f frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if _, err := s.Write(b); err != nil {
		return protocolerr.Wrap(protocolerr.KindTransportIO, err, "writing frame")
	}
	return nil
}

// ReadFrame reads exactly one frame from s: the fixed-size header first,
// then however many payload bytes the header declares.
func ReadFrame(s Stream) (frame.Frame, error) {
	headerBuf := make([]byte, frame.HeaderSize)
	if _, err := io.ReadFull(s, headerBuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return frame.Frame{}, protocolerr.Wrap(protocolerr.KindTransportClosed, err, "reading frame header")
		}
		return frame.Frame{}, protocolerr.Wrap(protocolerr.KindTransportIO, err, "reading frame header")
	}

	header, err := frame.ParseHeader(headerBuf)
	if err != nil {
		return frame.Frame{}, err
	}

	payload := make([]byte, header.PayloadLength)
	if header.PayloadLength > 0 {
		if _, err := io.ReadFull(s, payload); err != nil {
			return frame.Frame{}, protocolerr.Wrap(protocolerr.KindTransportIO, err, "reading frame payload")
		}
	}

	return frame.Frame{Header: header, Payload: payload}, nil
}
