package ratchet

import (
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// ReceiverChain is the receiving side of one sender's ratchet within one
// epoch. It reconstructs the same deterministic chain the sender derived
// from the epoch secret, and tolerates reordered delivery up to window
// messages by caching skipped message keys until they are either consumed
// or evicted as the window slides forward.
type ReceiverChain struct {
	senderID    ids.SenderID
	epoch       ids.Epoch
	chainKey    [KeySize]byte
	nextCounter uint32
	window      uint32
	skipped     map[uint32][KeySize]byte
}

// NewReceiverChain derives the same seed_{s,e} the sender used and starts
// tracking from counter 0. window bounds how far behind nextCounter a
// message's counter may fall before it is rejected as stale; pass
// DefaultWindowSize unless a scenario calls for something tighter.
func NewReceiverChain(epochSecret []byte, senderID ids.SenderID, epoch ids.Epoch, window uint32) (*ReceiverChain, error) {
	seed, err := deriveSeed(epochSecret, senderID, epoch)
	if err != nil {
		return nil, err
	}
	if window == 0 {
		window = DefaultWindowSize
	}
	return &ReceiverChain{
		senderID: senderID,
		epoch:    epoch,
		chainKey: seed,
		window:   window,
		skipped:  make(map[uint32][KeySize]byte),
	}, nil
}

// floor is the lowest counter this chain still accepts: below it, the
// message key has either been consumed or evicted from the skip window.
func (r *ReceiverChain) floor() uint32 {
	if r.nextCounter <= r.window {
		return 0
	}
	return r.nextCounter - r.window
}

// Open decrypts an AppMessage's ciphertext given its counter and nonce
// random half, verifying associatedData (the serialized frame header) as
// part of the AEAD tag. Each message key is used at most once: a repeated
// or too-old counter is rejected as StaleMessage rather than re-derived.
func (r *ReceiverChain) Open(counter uint32, nonceRandom, ciphertext, associatedData []byte) ([]byte, error) {
	if counter < r.floor() {
		return nil, protocolerr.New(protocolerr.KindStaleMessage, "counter below receive window floor").
			WithFields(map[string]any{"counter": counter, "floor": r.floor()})
	}

	var messageKey [KeySize]byte
	if cached, ok := r.skipped[counter]; ok {
		messageKey = cached
		delete(r.skipped, counter)
	} else if counter < r.nextCounter {
		// Counter is within the window but not cached: the key was already
		// consumed by an earlier Open call for this same counter.
		return nil, protocolerr.New(protocolerr.KindStaleMessage, "message key already consumed").
			WithFields(map[string]any{"counter": counter})
	} else {
		if err := r.fastForward(counter); err != nil {
			return nil, err
		}
		derived, nextChainKey, err := expandChainKey(r.chainKey, counter)
		if err != nil {
			return nil, err
		}
		zero(r.chainKey[:])
		r.chainKey = nextChainKey
		r.nextCounter = counter + 1
		r.evict()
		messageKey = derived
	}

	nonce, err := widenNonce(messageKey, counter, nonceRandom)
	if err != nil {
		zero(messageKey[:])
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(messageKey[:])
	zero(messageKey[:])
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "constructing AEAD cipher")
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindDecryptionFailed, err, "AEAD open failed").
			WithFields(map[string]any{"sender_id": uint64(r.senderID), "counter": counter})
	}
	return plaintext, nil
}

// fastForward derives and caches every message key strictly between
// nextCounter and target, ratcheting the chain up to target along the way.
// Those keys are cached, not consumed, so they remain usable if the
// reordered messages they belong to arrive later.
func (r *ReceiverChain) fastForward(target uint32) error {
	for c := r.nextCounter; c < target; c++ {
		messageKey, nextChainKey, err := expandChainKey(r.chainKey, c)
		if err != nil {
			return err
		}
		zero(r.chainKey[:])
		r.chainKey = nextChainKey
		r.skipped[c] = messageKey
	}
	return nil
}

// evict drops any cached skipped key that has fallen below the current
// floor, bounding memory use by the out-of-order window.
func (r *ReceiverChain) evict() {
	floor := r.floor()
	for c, key := range r.skipped {
		if c < floor {
			zeroed := key
			zero(zeroed[:])
			delete(r.skipped, c)
		}
	}
}
