package ratchet

import (
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// Sealed is the wire-level output of one Seal call: the counter and random
// nonce half travel alongside the ciphertext (internal/wire.AppMessage
// carries exactly these three fields).
type Sealed struct {
	Counter     uint32
	NonceRandom []byte
	Ciphertext  []byte
}

// SenderChain is the local sending side of the sender-key ratchet for one
// (room, sender, epoch) triple. A fresh SenderChain is created on every
// epoch advance; the previous epoch's chain is simply dropped by the caller,
// which is what makes forward secrecy across epochs free.
type SenderChain struct {
	senderID  ids.SenderID
	epoch     ids.Epoch
	chainKey  [KeySize]byte
	counter   uint32
	exhausted bool
}

// NewSenderChain derives seed_{s,e} from the current epoch's exported
// secret and starts the chain at counter 0.
func NewSenderChain(epochSecret []byte, senderID ids.SenderID, epoch ids.Epoch) (*SenderChain, error) {
	seed, err := deriveSeed(epochSecret, senderID, epoch)
	if err != nil {
		return nil, err
	}
	return &SenderChain{senderID: senderID, epoch: epoch, chainKey: seed}, nil
}

// Seal encrypts plaintext under the next single-use message key, binding
// associatedData (the serialized frame header) into the AEAD tag, and
// ratchets the chain forward. The message key and the exhausted chain key
// are erased from memory before Seal returns.
func (c *SenderChain) Seal(e env.Environment, associatedData, plaintext []byte) (Sealed, error) {
	if c.exhausted {
		return Sealed{}, protocolerr.New(protocolerr.KindKeyDerivationFailed, "sender chain counter space exhausted")
	}

	messageKey, nextChainKey, err := expandChainKey(c.chainKey, c.counter)
	if err != nil {
		return Sealed{}, err
	}
	zero(c.chainKey[:])
	c.chainKey = nextChainKey

	nonceRandom := make([]byte, NonceRandomSize)
	if err := e.RandomBytes(nonceRandom); err != nil {
		zero(messageKey[:])
		return Sealed{}, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "generating nonce randomness")
	}

	counter := c.counter
	nonce, err := widenNonce(messageKey, counter, nonceRandom)
	if err != nil {
		zero(messageKey[:])
		return Sealed{}, err
	}

	aead, err := chacha20poly1305.NewX(messageKey[:])
	zero(messageKey[:])
	if err != nil {
		return Sealed{}, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "constructing AEAD cipher")
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, associatedData)

	if c.counter == ^uint32(0) {
		c.exhausted = true
	} else {
		c.counter++
	}

	return Sealed{Counter: counter, NonceRandom: nonceRandom, Ciphertext: ciphertext}, nil
}
