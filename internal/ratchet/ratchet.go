// Package ratchet implements the sender-key data plane from spec §4.5: a
// per-(epoch, sender) symmetric ratchet that derives single-use message
// keys, and an AEAD construction that binds the enclosing frame header as
// associated data. It is the only place in the core that touches key
// material directly; everything above it (internal/client, internal/room)
// only ever sees opaque ciphertext.
package ratchet

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

const (
	// hkdfInfoPrefix scopes every sender-key derivation to this protocol
	// and version, per §4.5's literal info string.
	hkdfInfoPrefix = "lockframe/sender-key/v1"

	// KeySize is both the chain key and message key size in bytes (256-bit).
	KeySize = 32

	// NonceRandomSize is the random half of the 12-byte logical nonce (§4.5).
	NonceRandomSize = 8

	// aeadNonceSize is the actual nonce length the XChaCha20-Poly1305
	// construction consumes (192-bit).
	aeadNonceSize = chacha20poly1305.NonceSizeX

	// DefaultWindowSize bounds the receiver's out-of-order tolerance (§4.5).
	DefaultWindowSize = 1024
)

// deriveSeed computes seed_{s,e} = HKDF-Expand(PRK=epoch_secret,
// info="lockframe/sender-key/v1"||sender_id_be||epoch_be, L=32).
func deriveSeed(epochSecret []byte, senderID ids.SenderID, epoch ids.Epoch) ([KeySize]byte, error) {
	info := make([]byte, 0, len(hkdfInfoPrefix)+16)
	info = append(info, hkdfInfoPrefix...)
	var scratch [8]byte
	ids.PutUint64BE(scratch[:], uint64(senderID))
	info = append(info, scratch[:]...)
	ids.PutUint64BE(scratch[:], uint64(epoch))
	info = append(info, scratch[:]...)

	var seed [KeySize]byte
	r := hkdf.Expand(sha256.New, epochSecret, info)
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return seed, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "deriving sender-key seed")
	}
	return seed, nil
}

// expandChainKey derives the two children of a chain key step: the
// single-use message key for the current counter, and the next chain key.
// Erasing chainKey after calling this is the caller's responsibility — it
// is what gives the ratchet forward secrecy.
func expandChainKey(chainKey [KeySize]byte, counter uint32) (messageKey, nextChainKey [KeySize]byte, err error) {
	var counterBE [4]byte
	ids.PutUint32BE(counterBE[:], counter)

	mkInfo := append([]byte("mk"), counterBE[:]...)
	mkr := hkdf.Expand(sha256.New, chainKey[:], mkInfo)
	if _, err := io.ReadFull(mkr, messageKey[:]); err != nil {
		return messageKey, nextChainKey, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "deriving message key")
	}

	ckr := hkdf.Expand(sha256.New, chainKey[:], []byte("ck"))
	if _, err := io.ReadFull(ckr, nextChainKey[:]); err != nil {
		return messageKey, nextChainKey, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "deriving next chain key")
	}
	return messageKey, nextChainKey, nil
}

// widenNonce stretches the 12-byte logical nonce (counter_be || nonce_random)
// from §4.5 into the 24-byte nonce the underlying XChaCha20-Poly1305
// construction requires, keyed off the (already single-use) message key so
// the widening adds no additional state to track or erase.
func widenNonce(messageKey [KeySize]byte, counter uint32, nonceRandom []byte) ([aeadNonceSize]byte, error) {
	var logical [12]byte
	ids.PutUint32BE(logical[0:4], counter)
	copy(logical[4:12], nonceRandom)

	var wide [aeadNonceSize]byte
	r := hkdf.Expand(sha256.New, messageKey[:], append([]byte("nonce"), logical[:]...))
	if _, err := io.ReadFull(r, wide[:]); err != nil {
		return wide, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "widening nonce")
	}
	return wide, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
