// Package ids defines the identifier types shared across the protocol core:
// room, sender, session, epoch, and log index. Keeping them as distinct
// named types (rather than bare uint64s) prevents accidentally passing a
// sender id where a session id is expected.
package ids

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// RoomID is a 128-bit globally unique identifier, backed by a uuid.UUID
// (16 bytes = 128 bits). The zero UUID is never a valid room id.
type RoomID uuid.UUID

// NilRoomID is the all-zero room id; Room identifiers must never equal it.
var NilRoomID RoomID

// NewRoomID generates a fresh random (v4) room id.
func NewRoomID() RoomID {
	return RoomID(uuid.New())
}

// RoomIDFromBytes interprets 16 big-endian bytes as a RoomID.
func RoomIDFromBytes(b [16]byte) RoomID { return RoomID(b) }

func (r RoomID) Bytes() [16]byte { return [16]byte(r) }

func (r RoomID) String() string { return uuid.UUID(r).String() }

func (r RoomID) IsNil() bool { return r == NilRoomID }

// SenderID is a 64-bit identifier stable per user; valid values are >= 1.
type SenderID uint64

func (s SenderID) Valid() bool { return s >= 1 }

// SessionID is a 64-bit identifier assigned by the server on accept, unique
// within a server lifetime.
type SessionID uint64

// Epoch is a monotonically increasing MLS epoch counter, per room.
type Epoch uint64

// LogIndex is the per-room, server-assigned dense sequence number.
type LogIndex uint64

// PutUint64BE/GetUint64BE centralize the big-endian encoding used throughout
// the wire format and the sender-key HKDF info strings.
func PutUint64BE(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func GetUint64BE(b []byte) uint64    { return binary.BigEndian.Uint64(b) }

func PutUint32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func GetUint32BE(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
