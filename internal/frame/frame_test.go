package frame

import (
	"testing"

	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return Header{
		Opcode:      OpAppMessage,
		RoomID:      ids.NewRoomID(),
		SenderID:    1000,
		Epoch:       3,
		LogIndex:    42,
		RecipientID: 0,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := testHeader()
	payload := []byte("hello from alice")

	encoded, err := Encode(Frame{Header: h, Payload: payload})
	require.NoError(t, err)
	assert.Len(t, encoded, HeaderSize+len(payload))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, h.RoomID, decoded.Header.RoomID)
	assert.Equal(t, h.SenderID, decoded.Header.SenderID)
	assert.Equal(t, h.Epoch, decoded.Header.Epoch)
	assert.Equal(t, h.LogIndex, decoded.Header.LogIndex)
	assert.Equal(t, OpAppMessage, decoded.Header.Opcode)
	assert.Equal(t, payload, decoded.Payload)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	h := testHeader()
	_, err := Encode(Frame{Header: h, Payload: make([]byte, MaxPayloadSize+1)})
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindPayloadTooLarge))
}

func TestEncodeRejectsUnknownOpcode(t *testing.T) {
	h := testHeader()
	h.Opcode = Opcode(9999)
	_, err := Encode(Frame{Header: h})
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindInvalidOpcode))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	h := testHeader()
	encoded, err := Encode(Frame{Header: h})
	require.NoError(t, err)
	encoded[0] ^= 0xFF

	_, err = Decode(encoded)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindInvalidMagic))
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	h := testHeader()
	encoded, err := Encode(Frame{Header: h})
	require.NoError(t, err)
	encoded[4] = 2

	_, err = Decode(encoded)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindUnsupportedVersion))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	h := testHeader()
	encoded, err := Encode(Frame{Header: h, Payload: []byte("x")})
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-1])
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindTruncated))
}

func TestDecodeRejectsNonZeroReserved(t *testing.T) {
	h := testHeader()
	encoded, err := Encode(Frame{Header: h})
	require.NoError(t, err)
	encoded[HeaderSize-1] = 1

	_, err = Decode(encoded)
	require.Error(t, err)
	assert.True(t, protocolerr.Is(err, protocolerr.KindMalformedHeader))
}

func TestParseHeaderIsZeroCopyAndCheap(t *testing.T) {
	h := testHeader()
	encoded, err := Encode(Frame{Header: h, Payload: make([]byte, 4096)})
	require.NoError(t, err)

	parsed, err := ParseHeader(encoded[:HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, h.RoomID, parsed.RoomID)
	assert.Equal(t, uint32(4096), parsed.PayloadLength)
}

func TestHeaderBytesDeterministic(t *testing.T) {
	h := testHeader()
	assert.Equal(t, HeaderBytes(h), HeaderBytes(h))
}
