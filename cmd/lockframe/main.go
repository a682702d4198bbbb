package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"

	"github.com/lockframe-protocol/lockframe/internal/apprun"
	"github.com/lockframe-protocol/lockframe/internal/client"
	"github.com/lockframe-protocol/lockframe/internal/cli"
	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/mls"
	"github.com/lockframe-protocol/lockframe/internal/transport"
	"github.com/lockframe-protocol/lockframe/internal/wire"
)

// lockframe is the interactive line-oriented reference client named in
// spec §6: it dials lockframed over QUIC, performs the Hello/HelloReply
// handshake, then hands off to internal/cli's command vocabulary for
// everything after.
func main() {
	addr := flag.String("addr", "localhost:4433", "lockframed QUIC address")
	senderIDFlag := flag.Uint64("sender", 0, "this client's sender id")
	token := flag.String("token", "", "auth token to present in Hello (defaults to the sender id as a string)")
	insecure := flag.Bool("insecure-skip-verify", true, "skip TLS certificate verification (dev default: lockframed serves a self-signed cert)")
	flag.Parse()

	if *senderIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "usage: lockframe -sender <id> [-addr host:port] [-token t]")
		os.Exit(2)
	}
	self := ids.SenderID(*senderIDFlag)
	authToken := *token
	if authToken == "" {
		authToken = fmt.Sprintf("%d", self)
	}

	ctx := context.Background()
	trans := transport.NewQUICTransport(&tls.Config{
		InsecureSkipVerify: *insecure,
		NextProtos:         []string{"lockframe"},
	})

	conn, err := trans.Dial(ctx, *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open stream:", err)
		os.Exit(1)
	}

	if err := helloHandshake(stream, self, authToken); err != nil {
		fmt.Fprintln(os.Stderr, "handshake:", err)
		os.Exit(1)
	}

	clock := env.NewReal()
	core := client.NewClient(self, mls.NewReferenceProvider(clock))

	loop := apprun.New(core, stream, clock, apprun.Callbacks{
		OnDeliver: func(d client.DeliverMessage) {
			fmt.Printf("[%s] %d: %s\n", d.RoomID, d.SenderID, d.Plaintext)
		},
		OnMemberAdded: func(a client.MemberAdded) {
			fmt.Printf("[%s] %d joined\n", a.RoomID, a.SenderID)
		},
		OnMemberRemoved: func(r client.MemberRemoved) {
			fmt.Printf("[%s] %d left\n", r.RoomID, r.SenderID)
		},
		OnEpochAdvanced: func(e client.EpochAdvanced) {
			fmt.Printf("[%s] epoch advanced to %d\n", e.RoomID, e.NewEpoch)
		},
		OnError: func(err error) {
			fmt.Fprintln(os.Stderr, "error:", err)
		},
	})

	go func() {
		if err := loop.Run(); err != nil {
			fmt.Fprintln(os.Stderr, "connection closed:", err)
			os.Exit(1)
		}
	}()

	session := cli.NewSession(loop, func(format string, args ...any) { fmt.Printf(format, args...) })

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("lockframe ready — commands: create, join, leave, publish, add, quit; anything else is sent as a message")
	for scanner.Scan() {
		cmd := cli.Parse(scanner.Text())
		if err := session.Dispatch(cmd); err != nil {
			if err == cli.ErrQuit {
				break
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

// helloHandshake sends Hello and blocks for HelloReply, the one part of
// the wire protocol apprun.Loop doesn't own because it has to complete
// before a Loop (and the client.Client it wraps) can exist at all.
func helloHandshake(stream transport.Stream, self ids.SenderID, token string) error {
	payload := wire.Hello{ClientVersion: 1, SenderID: uint64(self), AuthToken: token}.Marshal()
	if err := transport.WriteFrame(stream, frame.Frame{
		Header:  frame.Header{Opcode: frame.OpHello},
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("sending Hello: %w", err)
	}

	f, err := transport.ReadFrame(stream)
	if err != nil {
		return fmt.Errorf("reading HelloReply: %w", err)
	}
	if f.Header.Opcode != frame.OpHelloReply {
		return fmt.Errorf("expected HelloReply, got opcode %s", f.Header.Opcode)
	}
	if _, err := wire.UnmarshalHelloReply(f.Payload); err != nil {
		return fmt.Errorf("decoding HelloReply: %w", err)
	}
	return nil
}
