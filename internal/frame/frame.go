// Package frame implements the fixed, cache-line-aligned wire header plus
// length-prefixed payload described in spec §3/§6. The header is exactly 128
// bytes so a routing-only server can make forwarding decisions by reading a
// single struct, without ever touching (or being able to parse) the payload.
package frame

import (
	"encoding/binary"

	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

const (
	// Magic identifies a LockFrame wire frame: ASCII "LKFR".
	Magic uint32 = 0x4C4B4652

	// Version is the only wire version this implementation speaks.
	Version uint8 = 1

	// HeaderSize is fixed at 128 bytes: two 64-byte cache lines.
	HeaderSize = 128

	// MaxPayloadSize bounds payload_length per §3.
	MaxPayloadSize = 16 * 1024 * 1024

	reservedSize = 68
)

// Header is the 128-byte routing envelope. Field order and offsets mirror
// the wire table in spec §6 exactly; do not reorder without bumping Version.
type Header struct {
	Magic         uint32
	Version       uint8
	Flags         uint8
	Opcode        Opcode
	RoomID        ids.RoomID
	SenderID      ids.SenderID
	Epoch         ids.Epoch
	LogIndex      ids.LogIndex
	RecipientID   ids.SenderID
	PayloadLength uint32
}

// Frame pairs a header with its opaque payload bytes. The payload is never
// interpreted by the frame codec itself — only by the component that
// understands the opcode's schema (see internal/wire).
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode serializes a frame to exactly HeaderSize+len(Payload) bytes.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, protocolerr.New(protocolerr.KindPayloadTooLarge, "payload exceeds 16 MiB")
	}
	if !f.Header.Opcode.Valid() {
		return nil, protocolerr.New(protocolerr.KindInvalidOpcode, "unknown opcode")
	}

	out := make([]byte, HeaderSize+len(f.Payload))
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLength = uint32(len(f.Payload))
	putHeader(out[:HeaderSize], h)
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// Decode parses a full frame (header + payload) from b, validating every
// header invariant from §3/§4.1.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, protocolerr.New(protocolerr.KindTruncated, "buffer shorter than header")
	}
	h, err := ParseHeader(b[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}
	if uint32(len(b)-HeaderSize) < h.PayloadLength {
		return Frame{}, protocolerr.New(protocolerr.KindTruncated, "payload shorter than declared length")
	}
	payload := make([]byte, h.PayloadLength)
	copy(payload, b[HeaderSize:HeaderSize+int(h.PayloadLength)])
	return Frame{Header: h, Payload: payload}, nil
}

// ParseHeader parses the 128-byte header in place without allocating beyond
// the returned struct. b must be at least HeaderSize bytes; this is the
// zero-copy routing path a server uses before it ever looks at a payload.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, protocolerr.New(protocolerr.KindTruncated, "buffer shorter than header")
	}

	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != Magic {
		return Header{}, protocolerr.New(protocolerr.KindInvalidMagic, "bad magic")
	}

	version := b[4]
	if version != Version {
		return Header{}, protocolerr.New(protocolerr.KindUnsupportedVersion, "unsupported version")
	}

	opcode := Opcode(binary.BigEndian.Uint16(b[6:8]))
	if !opcode.Valid() {
		return Header{}, protocolerr.New(protocolerr.KindInvalidOpcode, "unknown opcode")
	}

	payloadLength := binary.BigEndian.Uint32(b[56:60])
	if payloadLength > MaxPayloadSize {
		return Header{}, protocolerr.New(protocolerr.KindPayloadTooLarge, "payload_length exceeds 16 MiB")
	}

	for _, rb := range b[60:HeaderSize] {
		if rb != 0 {
			return Header{}, protocolerr.New(protocolerr.KindMalformedHeader, "reserved bytes must be zero")
		}
	}

	var roomBytes [16]byte
	copy(roomBytes[:], b[8:24])

	h := Header{
		Magic:         magic,
		Version:       version,
		Flags:         b[5],
		Opcode:        opcode,
		RoomID:        ids.RoomIDFromBytes(roomBytes),
		SenderID:      ids.SenderID(binary.BigEndian.Uint64(b[24:32])),
		Epoch:         ids.Epoch(binary.BigEndian.Uint64(b[32:40])),
		LogIndex:      ids.LogIndex(binary.BigEndian.Uint64(b[40:48])),
		RecipientID:   ids.SenderID(binary.BigEndian.Uint64(b[48:56])),
		PayloadLength: payloadLength,
	}
	return h, nil
}

// putHeader writes h into the first HeaderSize bytes of b. b must be exactly
// HeaderSize bytes; reserved bytes are always written as zero.
func putHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	b[4] = h.Version
	b[5] = h.Flags
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Opcode))
	roomBytes := h.RoomID.Bytes()
	copy(b[8:24], roomBytes[:])
	binary.BigEndian.PutUint64(b[24:32], uint64(h.SenderID))
	binary.BigEndian.PutUint64(b[32:40], uint64(h.Epoch))
	binary.BigEndian.PutUint64(b[40:48], uint64(h.LogIndex))
	binary.BigEndian.PutUint64(b[48:56], uint64(h.RecipientID))
	binary.BigEndian.PutUint32(b[56:60], h.PayloadLength)
	for i := 60; i < HeaderSize; i++ {
		b[i] = 0
	}
}

// HeaderBytes returns just the serialized 128-byte header.
func HeaderBytes(h Header) []byte {
	b := make([]byte, HeaderSize)
	putHeader(b, h)
	return b
}

// SealingHeader returns the subset of a Header that is knowable to the
// sender at encryption time: room, sender, epoch, recipient and flags.
// log_index and payload_length are assigned by the server's sequencer
// only after the ciphertext already exists (the message never loops back
// to the session that sent it, since BroadcastToRoom excludes the
// originating session), so neither field can be part of what the sender
// authenticates. AssociatedData zeroes both, on both the sealing and
// the opening side, so the two sides always agree on what was bound.
func SealingHeader(h Header) Header {
	h.LogIndex = 0
	h.PayloadLength = 0
	return h
}

// AssociatedData returns the AEAD associated data internal/ratchet binds
// an AppMessage ciphertext to (§4.5): the serialized SealingHeader, never
// the raw header, so log_index's post-hoc assignment by the server
// never needs to be reconciled by the sender.
func AssociatedData(h Header) []byte {
	return HeaderBytes(SealingHeader(h))
}
