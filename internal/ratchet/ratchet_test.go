package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

func testSecret() []byte {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	return secret
}

func TestSealOpenRoundTrip(t *testing.T) {
	secret := testSecret()
	sender, err := NewSenderChain(secret, ids.SenderID(7), ids.Epoch(1))
	require.NoError(t, err)
	receiver, err := NewReceiverChain(secret, ids.SenderID(7), ids.Epoch(1), DefaultWindowSize)
	require.NoError(t, err)

	e := env.NewReal()
	ad := []byte("room-header-bytes")
	sealed, err := sender.Seal(e, ad, []byte("hello group"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sealed.Counter)

	plaintext, err := receiver.Open(sealed.Counter, sealed.NonceRandom, sealed.Ciphertext, ad)
	require.NoError(t, err)
	assert.Equal(t, "hello group", string(plaintext))
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	secret := testSecret()
	sender, err := NewSenderChain(secret, ids.SenderID(1), ids.Epoch(0))
	require.NoError(t, err)
	receiver, err := NewReceiverChain(secret, ids.SenderID(1), ids.Epoch(0), DefaultWindowSize)
	require.NoError(t, err)

	e := env.NewReal()
	ad := []byte("ad")
	sealed, err := sender.Seal(e, ad, []byte("msg"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed.Ciphertext...)
	tampered[0] ^= 0xFF

	_, err = receiver.Open(sealed.Counter, sealed.NonceRandom, tampered, ad)
	require.Error(t, err)
}

func TestOpenRejectsMismatchedAssociatedData(t *testing.T) {
	secret := testSecret()
	sender, err := NewSenderChain(secret, ids.SenderID(1), ids.Epoch(0))
	require.NoError(t, err)
	receiver, err := NewReceiverChain(secret, ids.SenderID(1), ids.Epoch(0), DefaultWindowSize)
	require.NoError(t, err)

	e := env.NewReal()
	sealed, err := sender.Seal(e, []byte("header-a"), []byte("msg"))
	require.NoError(t, err)

	_, err = receiver.Open(sealed.Counter, sealed.NonceRandom, sealed.Ciphertext, []byte("header-b"))
	require.Error(t, err)
}

func TestOutOfOrderDeliveryWithinWindow(t *testing.T) {
	secret := testSecret()
	sender, err := NewSenderChain(secret, ids.SenderID(3), ids.Epoch(2))
	require.NoError(t, err)
	receiver, err := NewReceiverChain(secret, ids.SenderID(3), ids.Epoch(2), DefaultWindowSize)
	require.NoError(t, err)

	e := env.NewReal()
	var sealed []Sealed
	for i := 0; i < 3; i++ {
		s, err := sender.Seal(e, []byte("ad"), []byte{byte(i)})
		require.NoError(t, err)
		sealed = append(sealed, s)
	}

	// Deliver message 2 before 0 and 1: the receiver must fast-forward and
	// cache the skipped keys rather than reject the reordered message.
	plaintext, err := receiver.Open(sealed[2].Counter, sealed[2].NonceRandom, sealed[2].Ciphertext, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, plaintext)

	plaintext, err = receiver.Open(sealed[0].Counter, sealed[0].NonceRandom, sealed[0].Ciphertext, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, plaintext)

	plaintext, err = receiver.Open(sealed[1].Counter, sealed[1].NonceRandom, sealed[1].Ciphertext, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, plaintext)
}

func TestReplayIsRejectedAsStale(t *testing.T) {
	secret := testSecret()
	sender, err := NewSenderChain(secret, ids.SenderID(4), ids.Epoch(0))
	require.NoError(t, err)
	receiver, err := NewReceiverChain(secret, ids.SenderID(4), ids.Epoch(0), DefaultWindowSize)
	require.NoError(t, err)

	e := env.NewReal()
	sealed, err := sender.Seal(e, []byte("ad"), []byte("once"))
	require.NoError(t, err)

	_, err = receiver.Open(sealed.Counter, sealed.NonceRandom, sealed.Ciphertext, []byte("ad"))
	require.NoError(t, err)

	_, err = receiver.Open(sealed.Counter, sealed.NonceRandom, sealed.Ciphertext, []byte("ad"))
	require.Error(t, err)
}

func TestCounterBelowWindowFloorIsStale(t *testing.T) {
	secret := testSecret()
	const window = 4
	sender, err := NewSenderChain(secret, ids.SenderID(5), ids.Epoch(0))
	require.NoError(t, err)
	receiver, err := NewReceiverChain(secret, ids.SenderID(5), ids.Epoch(0), window)
	require.NoError(t, err)

	e := env.NewReal()
	var sealed []Sealed
	for i := 0; i < window*3; i++ {
		s, err := sender.Seal(e, []byte("ad"), []byte{byte(i)})
		require.NoError(t, err)
		sealed = append(sealed, s)
	}

	last := sealed[len(sealed)-1]
	_, err = receiver.Open(last.Counter, last.NonceRandom, last.Ciphertext, []byte("ad"))
	require.NoError(t, err)

	stale := sealed[0]
	_, err = receiver.Open(stale.Counter, stale.NonceRandom, stale.Ciphertext, []byte("ad"))
	require.Error(t, err)
}

func TestDifferentSendersProduceDifferentSeeds(t *testing.T) {
	secret := testSecret()
	a, err := NewSenderChain(secret, ids.SenderID(1), ids.Epoch(0))
	require.NoError(t, err)
	b, err := NewSenderChain(secret, ids.SenderID(2), ids.Epoch(0))
	require.NoError(t, err)
	assert.NotEqual(t, a.chainKey, b.chainKey)
}

func TestDifferentEpochsProduceDifferentSeeds(t *testing.T) {
	secret := testSecret()
	a, err := NewSenderChain(secret, ids.SenderID(1), ids.Epoch(0))
	require.NoError(t, err)
	b, err := NewSenderChain(secret, ids.SenderID(1), ids.Epoch(1))
	require.NoError(t, err)
	assert.NotEqual(t, a.chainKey, b.chainKey)
}

func TestSealErasesChainKeyBetweenMessages(t *testing.T) {
	secret := testSecret()
	sender, err := NewSenderChain(secret, ids.SenderID(9), ids.Epoch(0))
	require.NoError(t, err)

	e := env.NewReal()
	first := sender.chainKey
	_, err = sender.Seal(e, []byte("ad"), []byte("one"))
	require.NoError(t, err)
	assert.NotEqual(t, first, sender.chainKey, "chain key must advance after each Seal")
}
