// Package mls defines the opaque MLS (Messaging Layer Security) group
// interface the rest of the system depends on. Per the design's scope cut,
// the concrete MLS library is an external collaborator named only by its
// interface: callers create groups, stage proposals, commit them, apply
// remote commits and welcomes, and export the current epoch secret that
// feeds internal/ratchet. Nothing outside this package inspects a group's
// internal tree state.
package mls

import (
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

// ProposalType mirrors the staged-change kinds an MLS commit can apply.
type ProposalType int

const (
	ProposalAdd ProposalType = iota
	ProposalRemove
	ProposalUpdate
)

func (t ProposalType) String() string {
	switch t {
	case ProposalAdd:
		return "Add"
	case ProposalRemove:
		return "Remove"
	case ProposalUpdate:
		return "Update"
	default:
		return "Unknown"
	}
}

// KeyPackage is an opaque, serialized credential a prospective member
// publishes so an existing member can Add them in a future commit.
type KeyPackage []byte

// Proposal is a staged, not-yet-applied group change.
type Proposal struct {
	Type   ProposalType
	Target ids.SenderID // the member being added, removed, or updated

	// KeyPackage is set only for ProposalAdd: the new member's published
	// key package, captured at proposal time so the eventual Commit can
	// build their Welcome.
	KeyPackage KeyPackage

	// Bytes is the opaque serialized proposal, carried on the wire as
	// internal/wire.Proposal.MLSProposal and handed back verbatim to
	// Commit.
	Bytes []byte
}

// CommitResult is what committing a batch of proposals produces.
type CommitResult struct {
	// Bytes is the opaque serialized commit, carried on the wire as
	// internal/wire.Commit.MLSCommit.
	Bytes []byte

	NewEpoch ids.Epoch
	TreeHash [32]byte

	// Members is the full member set after this commit applies.
	Members []ids.SenderID
}

// Welcome lets a newly added member initialize their copy of the group
// without having observed any prior commit.
type Welcome struct {
	// Bytes is the opaque serialized welcome, carried on the wire as
	// internal/wire.Welcome.MLSWelcome.
	Bytes []byte

	Epoch ids.Epoch
}

// Group is one room's MLS group state, as seen by one member. Every method
// is synchronous and non-blocking; it is the client core's job (spec §4.6)
// to sequence calls against incoming frames.
type Group interface {
	// Epoch is this member's current view of the group epoch.
	Epoch() ids.Epoch

	// Members is this member's current view of the group membership.
	Members() []ids.SenderID

	// ExportSecret derives a label-scoped secret from the current epoch's
	// exported secret. internal/ratchet uses label "sender-key" to obtain
	// epoch_secret.
	ExportSecret(label string, length int) ([]byte, error)

	// Propose stages a group change and returns its opaque serialized form.
	// It does not apply the change; a Commit does.
	Propose(p Proposal) ([]byte, error)

	// Commit applies the given staged proposals, advances the epoch, and
	// returns the serialized commit plus a Welcome for each ProposalAdd
	// among them (nil if none were adds).
	Commit(proposals []Proposal) (CommitResult, []Welcome, error)

	// ApplyCommit updates this member's state from a commit produced by
	// another member (or echoed back by the server for one's own commit).
	ApplyCommit(commitBytes []byte) (CommitResult, error)

	// ApplyWelcome initializes this member's state from a Welcome, joining
	// the group at the epoch the welcome embeds.
	ApplyWelcome(welcomeBytes []byte) error
}

// Provider creates Groups and generates KeyPackages. Production code and
// the simulation harness both depend on this interface rather than a
// concrete MLS library, per the design's "opaque dependency" scope cut.
type Provider interface {
	CreateGroup(creator ids.SenderID) (Group, error)
	GenerateKeyPackage(member ids.SenderID) (KeyPackage, error)
}
