package transport

import (
	"context"
	"crypto/tls"

	"github.com/quic-go/quic-go"

	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// QUICTransport is the production Transport: a QUIC connection per peer,
// with each logical room or control channel riding its own bidirectional
// stream (spec §5 picks QUIC specifically so a stalled room doesn't
// head-of-line block the session's other streams).
type QUICTransport struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

func NewQUICTransport(tlsConfig *tls.Config) *QUICTransport {
	return &QUICTransport{
		TLSConfig:  tlsConfig,
		QUICConfig: &quic.Config{EnableDatagrams: false},
	}
}

func (t *QUICTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, t.TLSConfig, t.QUICConfig)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindTransportIO, err, "listening on "+addr)
	}
	return &quicListener{ln: ln}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, t.TLSConfig, t.QUICConfig)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindTransportIO, err, "dialing "+addr)
	}
	return &quicConnection{conn: conn}, nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Connection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindTransportIO, err, "accepting connection")
	}
	return &quicConnection{conn: conn}, nil
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

func (l *quicListener) Close() error { return l.ln.Close() }

type quicConnection struct {
	conn *quic.Conn
}

func (c *quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindTransportIO, err, "opening stream")
	}
	return quicStream{s}, nil
}

func (c *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindTransportIO, err, "accepting stream")
	}
	return quicStream{s}, nil
}

func (c *quicConnection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *quicConnection) Close() error {
	return c.conn.CloseWithError(0, "closing")
}

// quicStream adapts *quic.Stream to the Stream interface. quic.Stream
// already satisfies io.Reader/io.Writer; Close half-closes the write side,
// which is what callers expect when they're done sending a frame sequence.
type quicStream struct {
	*quic.Stream
}

func (s quicStream) Close() error { return s.Stream.Close() }
