package mls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

func TestCreateGroupStartsAtEpochZeroWithCreator(t *testing.T) {
	p := NewReferenceProvider(env.NewReal())
	g, err := p.CreateGroup(ids.SenderID(1))
	require.NoError(t, err)
	assert.Equal(t, ids.Epoch(0), g.Epoch())
	assert.ElementsMatch(t, []ids.SenderID{1}, g.Members())
}

func TestCommitAddProducesWelcomeAndAdvancesEpoch(t *testing.T) {
	p := NewReferenceProvider(env.NewReal())
	g, err := p.CreateGroup(ids.SenderID(1))
	require.NoError(t, err)

	kp, err := p.GenerateKeyPackage(ids.SenderID(2))
	require.NoError(t, err)

	addProposal := Proposal{Type: ProposalAdd, Target: ids.SenderID(2), KeyPackage: kp}
	result, welcomes, err := g.Commit([]Proposal{addProposal})
	require.NoError(t, err)
	assert.Equal(t, ids.Epoch(1), result.NewEpoch)
	assert.ElementsMatch(t, []ids.SenderID{1, 2}, result.Members)
	require.Len(t, welcomes, 1)
	assert.Equal(t, ids.Epoch(1), welcomes[0].Epoch)
}

func TestApplyWelcomeJoinsAtEmbeddedEpoch(t *testing.T) {
	p := NewReferenceProvider(env.NewReal())
	creator, err := p.CreateGroup(ids.SenderID(1))
	require.NoError(t, err)

	kp, err := p.GenerateKeyPackage(ids.SenderID(2))
	require.NoError(t, err)
	_, welcomes, err := creator.Commit([]Proposal{{Type: ProposalAdd, Target: ids.SenderID(2), KeyPackage: kp}})
	require.NoError(t, err)
	require.Len(t, welcomes, 1)

	joiner, err := p.CreateGroup(ids.SenderID(2))
	require.NoError(t, err)
	require.NoError(t, joiner.ApplyWelcome(welcomes[0].Bytes))

	assert.Equal(t, creator.Epoch(), joiner.Epoch())
	creatorSecret, err := creator.ExportSecret("sender-key", 32)
	require.NoError(t, err)
	joinerSecret, err := joiner.ExportSecret("sender-key", 32)
	require.NoError(t, err)
	assert.Equal(t, creatorSecret, joinerSecret, "joiner must derive the same epoch secret as the committer")
}

func TestApplyCommitKeepsNonCommitterMemberInSync(t *testing.T) {
	p := NewReferenceProvider(env.NewReal())
	memberA, err := p.CreateGroup(ids.SenderID(1))
	require.NoError(t, err)

	kp, err := p.GenerateKeyPackage(ids.SenderID(2))
	require.NoError(t, err)
	result, _, err := memberA.Commit([]Proposal{{Type: ProposalAdd, Target: ids.SenderID(2), KeyPackage: kp}})
	require.NoError(t, err)

	memberB, err := p.CreateGroup(ids.SenderID(3))
	require.NoError(t, err)
	_, err = memberB.ApplyCommit(result.Bytes)
	require.NoError(t, err)
	assert.Equal(t, memberA.Epoch(), memberB.Epoch())
	assert.ElementsMatch(t, memberA.Members(), memberB.Members())
}

func TestRemoveProposalDropsMember(t *testing.T) {
	p := NewReferenceProvider(env.NewReal())
	g, err := p.CreateGroup(ids.SenderID(1))
	require.NoError(t, err)
	kp, err := p.GenerateKeyPackage(ids.SenderID(2))
	require.NoError(t, err)
	_, _, err = g.Commit([]Proposal{{Type: ProposalAdd, Target: ids.SenderID(2), KeyPackage: kp}})
	require.NoError(t, err)

	result, welcomes, err := g.Commit([]Proposal{{Type: ProposalRemove, Target: ids.SenderID(2)}})
	require.NoError(t, err)
	assert.Empty(t, welcomes)
	assert.ElementsMatch(t, []ids.SenderID{1}, result.Members)
}
