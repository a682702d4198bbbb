package mls

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"k8s.io/utils/set"

	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// ReferenceProvider is a minimal, deterministic stand-in for a real MLS
// library: it satisfies the Group/Provider contract (epoch advancement,
// forward-secret-by-construction secret export, commit/welcome exchange)
// without implementing the TreeKEM ratchet tree or any of the wire formats
// a conformant MLS implementation would need. Production deployments plug
// in a real MLS stack behind the same Provider interface; this reference
// exists so the rest of the system — room manager, client core, ratchet —
// can be built and tested against the opaque contract today.
type ReferenceProvider struct {
	env env.Environment
}

func NewReferenceProvider(e env.Environment) *ReferenceProvider {
	return &ReferenceProvider{env: e}
}

func (p *ReferenceProvider) CreateGroup(creator ids.SenderID) (Group, error) {
	seed := make([]byte, 32)
	if err := p.env.RandomBytes(seed); err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "seeding new group")
	}
	members := set.New[ids.SenderID](creator)
	return &refGroup{env: p.env, seed: [32]byte(seed), members: members}, nil
}

func (p *ReferenceProvider) GenerateKeyPackage(member ids.SenderID) (KeyPackage, error) {
	random := make([]byte, 32)
	if err := p.env.RandomBytes(random); err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "generating key package")
	}
	kp := make([]byte, 8+len(random))
	binary.BigEndian.PutUint64(kp[0:8], uint64(member))
	copy(kp[8:], random)
	return KeyPackage(kp), nil
}

// refGroup is one member's view of a reference group. seed is the group's
// current epoch secret; ExportSecret derives label-scoped secrets from it,
// and Commit replaces it with an HKDF-derived successor, which is what
// gives the reference implementation forward secrecy across epochs even
// though it has no real ratchet tree.
type refGroup struct {
	env     env.Environment
	epoch   ids.Epoch
	seed    [32]byte
	members set.Set[ids.SenderID]
}

func (g *refGroup) Epoch() ids.Epoch { return g.epoch }

func (g *refGroup) Members() []ids.SenderID {
	return g.members.UnsortedList()
}

func (g *refGroup) ExportSecret(label string, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, g.seed[:], []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "exporting secret")
	}
	return out, nil
}

func (g *refGroup) Propose(p Proposal) ([]byte, error) {
	return encodeProposal(p), nil
}

func (g *refGroup) Commit(proposals []Proposal) (CommitResult, []Welcome, error) {
	treeRandom := make([]byte, 32)
	if err := g.env.RandomBytes(treeRandom); err != nil {
		return CommitResult{}, nil, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "generating commit randomness")
	}

	newSeed := make([]byte, 32)
	r := hkdf.Expand(sha256.New, g.seed[:], append([]byte("commit"), treeRandom...))
	if _, err := io.ReadFull(r, newSeed); err != nil {
		return CommitResult{}, nil, protocolerr.Wrap(protocolerr.KindKeyDerivationFailed, err, "deriving post-commit secret")
	}

	var added []Proposal
	for _, p := range proposals {
		switch p.Type {
		case ProposalAdd:
			g.members.Insert(p.Target)
			added = append(added, p)
		case ProposalRemove:
			g.members.Delete(p.Target)
		case ProposalUpdate:
			// No membership change; real MLS would rotate the member's leaf key.
		}
	}

	g.seed = [32]byte(newSeed)
	g.epoch++
	treeHash := sha256.Sum256(newSeed)
	members := g.members.UnsortedList()

	result := CommitResult{
		Bytes:    encodeEnvelope(g.epoch, g.seed, members),
		NewEpoch: g.epoch,
		TreeHash: treeHash,
		Members:  members,
	}

	welcomes := make([]Welcome, 0, len(added))
	for _, p := range added {
		welcomes = append(welcomes, Welcome{
			Bytes: encodeEnvelope(g.epoch, g.seed, members),
			Epoch: g.epoch,
		})
	}

	return result, welcomes, nil
}

func (g *refGroup) ApplyCommit(commitBytes []byte) (CommitResult, error) {
	epoch, seed, members, err := decodeEnvelope(commitBytes)
	if err != nil {
		return CommitResult{}, err
	}
	g.epoch = epoch
	g.seed = seed
	g.members = set.New[ids.SenderID](members...)
	return CommitResult{
		Bytes:    commitBytes,
		NewEpoch: epoch,
		TreeHash: sha256.Sum256(seed[:]),
		Members:  members,
	}, nil
}

func (g *refGroup) ApplyWelcome(welcomeBytes []byte) error {
	epoch, seed, members, err := decodeEnvelope(welcomeBytes)
	if err != nil {
		return err
	}
	g.epoch = epoch
	g.seed = seed
	g.members = set.New[ids.SenderID](members...)
	return nil
}

// encodeEnvelope is the reference implementation's own internal
// serialization for commit/welcome payloads: epoch, the post-commit
// secret, and the resulting member list. A conformant MLS implementation
// would instead emit RFC 9420 TLS-format structures that do not expose the
// epoch secret in the wire bytes; this reference embeds it directly
// because it has no tree to derive it from independently on the other end.
func encodeEnvelope(epoch ids.Epoch, seed [32]byte, members []ids.SenderID) []byte {
	out := make([]byte, 8+32+4+8*len(members))
	binary.BigEndian.PutUint64(out[0:8], uint64(epoch))
	copy(out[8:40], seed[:])
	binary.BigEndian.PutUint32(out[40:44], uint32(len(members)))
	offset := 44
	for _, m := range members {
		binary.BigEndian.PutUint64(out[offset:offset+8], uint64(m))
		offset += 8
	}
	return out
}

func decodeEnvelope(b []byte) (ids.Epoch, [32]byte, []ids.SenderID, error) {
	var seed [32]byte
	if len(b) < 44 {
		return 0, seed, nil, protocolerr.New(protocolerr.KindMalformedHeader, "truncated mls envelope")
	}
	epoch := ids.Epoch(binary.BigEndian.Uint64(b[0:8]))
	copy(seed[:], b[8:40])
	count := binary.BigEndian.Uint32(b[40:44])
	if len(b) < 44+int(count)*8 {
		return 0, seed, nil, protocolerr.New(protocolerr.KindMalformedHeader, "truncated mls envelope member list")
	}
	members := make([]ids.SenderID, count)
	offset := 44
	for i := range members {
		members[i] = ids.SenderID(binary.BigEndian.Uint64(b[offset : offset+8]))
		offset += 8
	}
	return epoch, seed, members, nil
}

func encodeProposal(p Proposal) []byte {
	out := make([]byte, 0, 16+len(p.KeyPackage))
	out = append(out, byte(p.Type))
	var targetBE [8]byte
	binary.BigEndian.PutUint64(targetBE[:], uint64(p.Target))
	out = append(out, targetBE[:]...)
	var kpLen [4]byte
	binary.BigEndian.PutUint32(kpLen[:], uint32(len(p.KeyPackage)))
	out = append(out, kpLen[:]...)
	out = append(out, p.KeyPackage...)
	return out
}
