// Package wire implements the compact, self-describing tagged payload
// encoding referenced in spec §6: each opcode has a fixed schema, and
// unknown schemas fail closed. Rather than generating .pb.go schemas from
// .proto files, each message is hand-encoded directly on top of
// google.golang.org/protobuf's low-level wire primitives
// (encoding/protowire) — the same tag/varint/length-delimited wire format
// protobuf uses, without a code-generation step.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers are scoped per message type, not globally, exactly as in
// protobuf. Keeping them as named constants next to each message makes the
// schema easy to audit.

// --- Hello ---

type Hello struct {
	ClientVersion uint32
	Capabilities  []string
	SenderID      uint64
	AuthToken     string
}

const (
	helloFieldVersion      = 1
	helloFieldCapabilities = 2
	helloFieldSenderID     = 3
	helloFieldAuthToken    = 4
)

func (h Hello) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, helloFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ClientVersion))
	for _, cap := range h.Capabilities {
		b = protowire.AppendTag(b, helloFieldCapabilities, protowire.BytesType)
		b = protowire.AppendString(b, cap)
	}
	b = protowire.AppendTag(b, helloFieldSenderID, protowire.VarintType)
	b = protowire.AppendVarint(b, h.SenderID)
	b = protowire.AppendTag(b, helloFieldAuthToken, protowire.BytesType)
	b = protowire.AppendString(b, h.AuthToken)
	return b
}

func UnmarshalHello(b []byte) (Hello, error) {
	var h Hello
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		switch num {
		case helloFieldVersion:
			val, _ := protowire.ConsumeVarint(v)
			h.ClientVersion = uint32(val)
		case helloFieldCapabilities:
			s, _ := protowire.ConsumeString(v)
			h.Capabilities = append(h.Capabilities, s)
		case helloFieldSenderID:
			val, _ := protowire.ConsumeVarint(v)
			h.SenderID = val
		case helloFieldAuthToken:
			s, _ := protowire.ConsumeString(v)
			h.AuthToken = s
		}
		return nil
	})
	return h, err
}

// --- HelloReply ---

type HelloReply struct {
	SessionID    uint64
	Capabilities []string
	Challenge    []byte
}

const (
	helloReplyFieldSessionID    = 1
	helloReplyFieldCapabilities = 2
	helloReplyFieldChallenge    = 3
)

func (h HelloReply) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, helloReplyFieldSessionID, protowire.VarintType)
	b = protowire.AppendVarint(b, h.SessionID)
	for _, cap := range h.Capabilities {
		b = protowire.AppendTag(b, helloReplyFieldCapabilities, protowire.BytesType)
		b = protowire.AppendString(b, cap)
	}
	if len(h.Challenge) > 0 {
		b = protowire.AppendTag(b, helloReplyFieldChallenge, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Challenge)
	}
	return b
}

func UnmarshalHelloReply(b []byte) (HelloReply, error) {
	var h HelloReply
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		switch num {
		case helloReplyFieldSessionID:
			val, _ := protowire.ConsumeVarint(v)
			h.SessionID = val
		case helloReplyFieldCapabilities:
			s, _ := protowire.ConsumeString(v)
			h.Capabilities = append(h.Capabilities, s)
		case helloReplyFieldChallenge:
			bs, _ := protowire.ConsumeBytes(v)
			h.Challenge = bs
		}
		return nil
	})
	return h, err
}

// --- Goodbye ---

type Goodbye struct {
	Reason string
}

const goodbyeFieldReason = 1

func (g Goodbye) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, goodbyeFieldReason, protowire.BytesType)
	b = protowire.AppendString(b, g.Reason)
	return b
}

func UnmarshalGoodbye(b []byte) (Goodbye, error) {
	var g Goodbye
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		if num == goodbyeFieldReason {
			s, _ := protowire.ConsumeString(v)
			g.Reason = s
		}
		return nil
	})
	return g, err
}

// --- KeyPackageUpload / Fetch / Response ---

type KeyPackageUpload struct {
	KeyPackage []byte
}

const keyPackageUploadFieldBlob = 1

func (k KeyPackageUpload) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, keyPackageUploadFieldBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, k.KeyPackage)
	return b
}

func UnmarshalKeyPackageUpload(b []byte) (KeyPackageUpload, error) {
	var k KeyPackageUpload
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		if num == keyPackageUploadFieldBlob {
			bs, _ := protowire.ConsumeBytes(v)
			k.KeyPackage = bs
		}
		return nil
	})
	return k, err
}

type KeyPackageFetch struct {
	TargetSenderID uint64
}

const keyPackageFetchFieldTarget = 1

func (k KeyPackageFetch) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, keyPackageFetchFieldTarget, protowire.VarintType)
	b = protowire.AppendVarint(b, k.TargetSenderID)
	return b
}

func UnmarshalKeyPackageFetch(b []byte) (KeyPackageFetch, error) {
	var k KeyPackageFetch
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		if num == keyPackageFetchFieldTarget {
			val, _ := protowire.ConsumeVarint(v)
			k.TargetSenderID = val
		}
		return nil
	})
	return k, err
}

type KeyPackageResponse struct {
	SenderID   uint64
	KeyPackage []byte // empty if absent
}

const (
	keyPackageResponseFieldSender = 1
	keyPackageResponseFieldBlob   = 2
)

func (k KeyPackageResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, keyPackageResponseFieldSender, protowire.VarintType)
	b = protowire.AppendVarint(b, k.SenderID)
	if len(k.KeyPackage) > 0 {
		b = protowire.AppendTag(b, keyPackageResponseFieldBlob, protowire.BytesType)
		b = protowire.AppendBytes(b, k.KeyPackage)
	}
	return b
}

func UnmarshalKeyPackageResponse(b []byte) (KeyPackageResponse, error) {
	var k KeyPackageResponse
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		switch num {
		case keyPackageResponseFieldSender:
			val, _ := protowire.ConsumeVarint(v)
			k.SenderID = val
		case keyPackageResponseFieldBlob:
			bs, _ := protowire.ConsumeBytes(v)
			k.KeyPackage = bs
		}
		return nil
	})
	return k, err
}

// --- Proposal / Commit / Welcome ---
// These wrap opaque MLS handshake messages (spec §1: "the design treats MLS
// group objects as an opaque dependency"); the payload format only needs to
// carry the opaque bytes plus any routing-relevant scalar.

type Proposal struct {
	MLSProposal []byte
}

const proposalFieldBlob = 1

func (p Proposal) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, proposalFieldBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, p.MLSProposal)
	return b
}

func UnmarshalProposal(b []byte) (Proposal, error) {
	var p Proposal
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		if num == proposalFieldBlob {
			bs, _ := protowire.ConsumeBytes(v)
			p.MLSProposal = bs
		}
		return nil
	})
	return p, err
}

type Commit struct {
	MLSCommit []byte
}

const commitFieldBlob = 1

func (c Commit) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, commitFieldBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, c.MLSCommit)
	return b
}

func UnmarshalCommit(b []byte) (Commit, error) {
	var c Commit
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		if num == commitFieldBlob {
			bs, _ := protowire.ConsumeBytes(v)
			c.MLSCommit = bs
		}
		return nil
	})
	return c, err
}

type Welcome struct {
	MLSWelcome        []byte
	NewMemberSenderID uint64
}

const (
	welcomeFieldBlob   = 1
	welcomeFieldMember = 2
)

func (w Welcome) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, welcomeFieldBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, w.MLSWelcome)
	b = protowire.AppendTag(b, welcomeFieldMember, protowire.VarintType)
	b = protowire.AppendVarint(b, w.NewMemberSenderID)
	return b
}

func UnmarshalWelcome(b []byte) (Welcome, error) {
	var w Welcome
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		switch num {
		case welcomeFieldBlob:
			bs, _ := protowire.ConsumeBytes(v)
			w.MLSWelcome = bs
		case welcomeFieldMember:
			val, _ := protowire.ConsumeVarint(v)
			w.NewMemberSenderID = val
		}
		return nil
	})
	return w, err
}

// --- AppMessage ---
// Carries everything the receiving ratchet needs to reconstruct the message
// key (§4.5): the chain counter and the random half of the nonce, plus the
// AEAD ciphertext (with its 16-byte Poly1305 tag appended).

type AppMessage struct {
	Counter     uint32
	NonceRandom []byte // 8 bytes
	Ciphertext  []byte
}

const (
	appMessageFieldCounter    = 1
	appMessageFieldNonceRand  = 2
	appMessageFieldCiphertext = 3
)

func (a AppMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, appMessageFieldCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Counter))
	b = protowire.AppendTag(b, appMessageFieldNonceRand, protowire.BytesType)
	b = protowire.AppendBytes(b, a.NonceRandom)
	b = protowire.AppendTag(b, appMessageFieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Ciphertext)
	return b
}

func UnmarshalAppMessage(b []byte) (AppMessage, error) {
	var a AppMessage
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		switch num {
		case appMessageFieldCounter:
			val, _ := protowire.ConsumeVarint(v)
			a.Counter = uint32(val)
		case appMessageFieldNonceRand:
			bs, _ := protowire.ConsumeBytes(v)
			a.NonceRandom = bs
		case appMessageFieldCiphertext:
			bs, _ := protowire.ConsumeBytes(v)
			a.Ciphertext = bs
		}
		return nil
	})
	return a, err
}

// --- SyncRequest / SyncResponse ---

type SyncRequest struct {
	FromIndex uint64
	Limit     uint32
}

const (
	syncRequestFieldFrom  = 1
	syncRequestFieldLimit = 2
)

func (s SyncRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, syncRequestFieldFrom, protowire.VarintType)
	b = protowire.AppendVarint(b, s.FromIndex)
	b = protowire.AppendTag(b, syncRequestFieldLimit, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Limit))
	return b
}

func UnmarshalSyncRequest(b []byte) (SyncRequest, error) {
	var s SyncRequest
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		switch num {
		case syncRequestFieldFrom:
			val, _ := protowire.ConsumeVarint(v)
			s.FromIndex = val
		case syncRequestFieldLimit:
			val, _ := protowire.ConsumeVarint(v)
			s.Limit = uint32(val)
		}
		return nil
	})
	return s, err
}

// SyncResponse carries whole encoded frames (each already a valid 128+N
// byte wire frame) rather than re-describing their contents, so the server
// never has to re-parse what it already persisted verbatim.
type SyncResponse struct {
	Frames  [][]byte
	HasMore bool
}

const (
	syncResponseFieldFrame   = 1
	syncResponseFieldHasMore = 2
)

func (s SyncResponse) Marshal() []byte {
	var b []byte
	for _, f := range s.Frames {
		b = protowire.AppendTag(b, syncResponseFieldFrame, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	b = protowire.AppendTag(b, syncResponseFieldHasMore, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToUint64(s.HasMore))
	return b
}

func UnmarshalSyncResponse(b []byte) (SyncResponse, error) {
	var s SyncResponse
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n int) error {
		switch num {
		case syncResponseFieldFrame:
			bs, _ := protowire.ConsumeBytes(v)
			cp := make([]byte, len(bs))
			copy(cp, bs)
			s.Frames = append(s.Frames, cp)
		case syncResponseFieldHasMore:
			val, _ := protowire.ConsumeVarint(v)
			s.HasMore = val != 0
		}
		return nil
	})
	return s, err
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// forEachField walks a tagged buffer field by field, failing closed
// (returning an error) on any malformed tag/length rather than skipping it —
// per §6 "unknown schemas fail closed".
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte, consumed int) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var fieldLen int
		switch typ {
		case protowire.VarintType:
			_, fieldLen = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			_, fieldLen = protowire.ConsumeBytes(b)
		case protowire.Fixed32Type:
			_, fieldLen = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			_, fieldLen = protowire.ConsumeFixed64(b)
		default:
			return fmt.Errorf("wire: unsupported wire type %v", typ)
		}
		if fieldLen < 0 {
			return fmt.Errorf("wire: malformed field: %w", protowire.ParseError(fieldLen))
		}

		if err := fn(num, typ, b[:fieldLen], fieldLen); err != nil {
			return err
		}
		b = b[fieldLen:]
	}
	return nil
}
