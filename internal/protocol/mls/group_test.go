package mls_test

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
	"dmls/internal/protocol/mls"
	"dmls/internal/provider"
	"dmls/internal/state"
)

const suite = mls.X25519ChaCha20SHA256Ed25519

func newMember(t *testing.T) *provider.Provider {
	t.Helper()
	kp, err := crypto.GenerateSignatureKeyPair(rand.Reader, crypto.Ed25519)
	require.NoError(t, err)
	return provider.New(state.New(kp), nil)
}

// wire pushes m through Encode and DecodeMessage, as a transport would.
func wire(t *testing.T, m *mls.Message) *mls.Message {
	t.Helper()
	raw, err := m.Encode()
	require.NoError(t, err)
	out, err := mls.DecodeMessage(raw)
	require.NoError(t, err)
	return out
}

func newGroup(t *testing.T, p *provider.Provider, id string) *mls.Group {
	t.Helper()
	g, err := mls.CreateGroup(p, mls.GroupConfig{Ciphersuite: suite}, []byte(id), p.Credential())
	require.NoError(t, err)
	return g
}

// join adds joiner to g through a commit and a welcome and returns the
// joiner's view of the group.
func join(t *testing.T, committer *provider.Provider, g *mls.Group, joiner *provider.Provider) *mls.Group {
	t.Helper()
	kp, err := mls.NewKeyPackage(joiner, suite, joiner.Credential())
	require.NoError(t, err)
	bundle, err := g.AddMembers(committer, []*mls.KeyPackage{kp})
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)
	require.NoError(t, g.MergePendingCommit(committer))

	jg, err := mls.JoinFromWelcome(joiner, mls.JoinConfig{}, wire(t, bundle.Welcome).Welcome)
	require.NoError(t, err)
	return jg
}

func assertSameEpoch(t *testing.T, a, b *mls.Group) {
	t.Helper()
	require.Equal(t, a.Epoch(), b.Epoch())
	sa, err := a.ExportSecret("test", []byte("ctx"), 32)
	require.NoError(t, err)
	sb, err := b.ExportSecret("test", []byte("ctx"), 32)
	require.NoError(t, err)
	assert.Equal(t, sa, sb, "exporter secrets diverged")
}

func TestCreateGroup_Epoch0(t *testing.T) {
	alice := newMember(t)
	g := newGroup(t, alice, "g1")

	assert.Equal(t, uint64(0), g.Epoch())
	assert.Equal(t, uint32(0), g.OwnLeafIndex())
	assert.True(t, g.IsActive())
	require.Len(t, g.Members(), 1)
	assert.Equal(t, alice.SignaturePublicKey(), g.Members()[0].SignatureKey)

	_, err := mls.CreateGroup(alice, mls.GroupConfig{Ciphersuite: suite}, []byte("g1"), alice.Credential())
	assert.ErrorIs(t, err, mls.ErrGroupExists)
}

func TestCreateGroup_UnsupportedSuite(t *testing.T) {
	alice := newMember(t)
	_, err := mls.CreateGroup(alice, mls.GroupConfig{Ciphersuite: 0x0001}, []byte("g1"), alice.Credential())
	assert.ErrorIs(t, err, mls.ErrUnsupportedCiphersuite)
}

func TestAddAndJoin_SharedEpoch(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	assert.Equal(t, uint64(1), ag.Epoch())
	assert.Equal(t, uint32(1), bg.OwnLeafIndex())
	assert.Len(t, bg.Members(), 2)
	assertSameEpoch(t, ag, bg)

	// The consumed key package is gone.
	_, err := mls.JoinFromWelcome(bob, mls.JoinConfig{}, strangerWelcome(t, alice, ag))
	assert.ErrorIs(t, err, mls.ErrNoMatchingKeyPackage)
}

// strangerWelcome builds a welcome for a throwaway key package so that the
// recipient never matches.
func strangerWelcome(t *testing.T, p *provider.Provider, g *mls.Group) *mls.Welcome {
	t.Helper()
	carol := newMember(t)
	kp, err := mls.NewKeyPackage(carol, suite, carol.Credential())
	require.NoError(t, err)
	bundle, err := g.AddMembers(p, []*mls.KeyPackage{kp})
	require.NoError(t, err)
	require.NoError(t, g.ClearPendingCommit(p.Storage()))
	return bundle.Welcome.Welcome
}

func TestApplicationMessages(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	first, err := ag.CreateMessage(alice, []byte("hello"))
	require.NoError(t, err)
	second, err := ag.CreateMessage(alice, []byte("again"))
	require.NoError(t, err)

	pm, err := bg.ProcessMessage(bob, wire(t, first))
	require.NoError(t, err)
	assert.Equal(t, mls.KindApplication, pm.Kind)
	assert.Equal(t, []byte("hello"), pm.Application)
	assert.Equal(t, uint32(0), pm.Sender)

	pm, err = bg.ProcessMessage(bob, wire(t, second))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), pm.Application)

	_, err = bg.ProcessMessage(bob, wire(t, first))
	assert.ErrorIs(t, err, mls.ErrGenerationReused)

	_, err = ag.ProcessMessage(alice, wire(t, first))
	assert.ErrorIs(t, err, mls.ErrOwnMessage)
}

func TestApplicationMessage_SkipsAhead(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	_, err := ag.CreateMessage(alice, []byte("lost"))
	require.NoError(t, err)
	m, err := ag.CreateMessage(alice, []byte("kept"))
	require.NoError(t, err)

	pm, err := bg.ProcessMessage(bob, wire(t, m))
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), pm.Application)
}

func TestSelfUpdate_AdvancesBothSides(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)
	before := ag.Members()[0]

	bundle, err := bg.SelfUpdate(bob)
	require.NoError(t, err)
	assert.Nil(t, bundle.Welcome)
	require.NotNil(t, bundle.Commit.Public.Commit.Path)
	require.NoError(t, bg.MergePendingCommit(bob))

	pm, err := ag.ProcessMessage(alice, wire(t, bundle.Commit))
	require.NoError(t, err)
	require.Equal(t, mls.KindStagedCommit, pm.Kind)
	assert.Equal(t, uint64(2), pm.StagedCommit.Epoch())
	require.NoError(t, ag.MergeStagedCommit(alice, pm.StagedCommit))

	assertSameEpoch(t, ag, bg)
	assert.Equal(t, before.SignatureKey, ag.Members()[0].SignatureKey)
}

func TestCommit_PendingGuards(t *testing.T) {
	alice := newMember(t)
	g := newGroup(t, alice, "g1")

	require.ErrorIs(t, g.MergePendingCommit(alice), mls.ErrNoPendingCommit)
	_, err := g.SelfUpdate(alice)
	require.NoError(t, err)
	require.NotNil(t, g.PendingCommit())
	_, err = g.SelfUpdate(alice)
	assert.ErrorIs(t, err, mls.ErrPendingCommit)

	require.NoError(t, g.ClearPendingCommit(alice.Storage()))
	assert.Nil(t, g.PendingCommit())
	assert.Equal(t, uint64(0), g.Epoch())
}

func TestCommit_WrongEpoch(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	bundle, err := ag.SelfUpdate(alice)
	require.NoError(t, err)
	require.NoError(t, ag.MergePendingCommit(alice))

	m, err := ag.CreateMessage(alice, []byte("epoch 2"))
	require.NoError(t, err)
	_, err = bg.ProcessMessage(bob, wire(t, m))
	assert.ErrorIs(t, err, mls.ErrWrongEpoch)

	pm, err := bg.ProcessMessage(bob, wire(t, bundle.Commit))
	require.NoError(t, err)
	require.NoError(t, bg.MergeStagedCommit(bob, pm.StagedCommit))
	_, err = bg.ProcessMessage(bob, wire(t, bundle.Commit))
	assert.ErrorIs(t, err, mls.ErrWrongEpoch)
}

func TestCommit_TamperedConfirmationTag(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	bundle, err := ag.SelfUpdate(alice)
	require.NoError(t, err)
	m := wire(t, bundle.Commit)
	m.Public.ConfirmationTag[0] ^= 0xff

	_, err = bg.ProcessMessage(bob, m)
	assert.ErrorIs(t, err, mls.ErrConfirmationMismatch)
}

func TestCommit_TamperedSignature(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	bundle, err := ag.SelfUpdate(alice)
	require.NoError(t, err)
	m := wire(t, bundle.Commit)
	m.Public.Signature[0] ^= 0xff

	_, err = bg.ProcessMessage(bob, m)
	assert.ErrorIs(t, err, mls.ErrInvalidSignature)
}

func TestPskCommit(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	id, err := mls.NewExternalPskID(rand.Reader, []byte("psk-1"))
	require.NoError(t, err)
	secret := []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, id.Store(alice.Storage(), secret))
	require.NoError(t, id.Store(bob.Storage(), secret))

	b, err := ag.CommitBuilder().AddProposal(mls.NewPreSharedKeyProposal(id)).LoadPsks(alice.Storage())
	require.NoError(t, err)
	bundle, err := b.Build(alice)
	require.NoError(t, err)
	require.NoError(t, ag.MergePendingCommit(alice))

	pm, err := bg.ProcessMessage(bob, wire(t, bundle.Commit))
	require.NoError(t, err)
	require.Len(t, pm.StagedCommit.PskProposals(), 1)
	assert.Equal(t, id.ID, pm.StagedCommit.PskProposals()[0].ID)
	require.NoError(t, bg.MergeStagedCommit(bob, pm.StagedCommit))

	assertSameEpoch(t, ag, bg)
}

func TestPskCommit_MissingPsk(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	id, err := mls.NewExternalPskID(rand.Reader, []byte("psk-1"))
	require.NoError(t, err)
	require.NoError(t, id.Store(alice.Storage(), []byte("secret")))

	_, err = ag.CommitBuilder().AddProposal(mls.NewPreSharedKeyProposal(id)).Build(alice)
	require.ErrorIs(t, err, mls.ErrMissingPsk, "build without LoadPsks")

	b, err := ag.CommitBuilder().AddProposal(mls.NewPreSharedKeyProposal(id)).LoadPsks(alice.Storage())
	require.NoError(t, err)
	bundle, err := b.Build(alice)
	require.NoError(t, err)

	_, err = bg.ProcessMessage(bob, wire(t, bundle.Commit))
	assert.ErrorIs(t, err, mls.ErrMissingPsk)
	assert.Equal(t, uint64(1), bg.Epoch())
}

func TestRemove_EvictsMember(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	bundle, err := ag.RemoveMembers(alice, []uint32{1})
	require.NoError(t, err)
	require.NoError(t, ag.MergePendingCommit(alice))
	assert.Len(t, ag.Members(), 1)

	pm, err := bg.ProcessMessage(bob, wire(t, bundle.Commit))
	require.NoError(t, err)
	require.True(t, pm.StagedCommit.SelfRemoved())
	require.NoError(t, bg.MergeStagedCommit(bob, pm.StagedCommit))
	assert.False(t, bg.IsActive())

	_, err = bg.CreateMessage(bob, []byte("x"))
	assert.ErrorIs(t, err, mls.ErrGroupInactive)

	reloaded, found, err := mls.LoadGroup(bob.Storage(), []byte("g1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, reloaded.IsActive())

	require.NoError(t, bg.Delete(bob.Storage()))
	_, found, err = mls.LoadGroup(bob.Storage(), []byte("g1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemove_ThreeMembers(t *testing.T) {
	alice, bob, carol := newMember(t), newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	kp, err := mls.NewKeyPackage(carol, suite, carol.Credential())
	require.NoError(t, err)
	bundle, err := ag.AddMembers(alice, []*mls.KeyPackage{kp})
	require.NoError(t, err)
	require.NoError(t, ag.MergePendingCommit(alice))
	pm, err := bg.ProcessMessage(bob, wire(t, bundle.Commit))
	require.NoError(t, err)
	require.NoError(t, bg.MergeStagedCommit(bob, pm.StagedCommit))
	cg, err := mls.JoinFromWelcome(carol, mls.JoinConfig{}, wire(t, bundle.Welcome).Welcome)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cg.OwnLeafIndex())

	// Bob proposes, alice commits the queued proposal.
	prop, err := bg.ProposeRemove(bob, 2)
	require.NoError(t, err)
	pm, err = ag.ProcessMessage(alice, wire(t, prop))
	require.NoError(t, err)
	require.Equal(t, mls.KindProposal, pm.Kind)
	require.NoError(t, ag.StorePendingProposal(alice.Storage(), pm.Proposal))

	bundle, err = ag.CommitBuilder().Build(alice)
	require.NoError(t, err)
	require.NoError(t, ag.MergePendingCommit(alice))
	queued, err := ag.PendingProposals(alice.Storage())
	require.NoError(t, err)
	assert.Empty(t, queued)

	pm, err = bg.ProcessMessage(bob, wire(t, bundle.Commit))
	require.NoError(t, err)
	require.False(t, pm.StagedCommit.SelfRemoved())
	require.NoError(t, bg.MergeStagedCommit(bob, pm.StagedCommit))
	assertSameEpoch(t, ag, bg)
	assert.Len(t, bg.Members(), 2)

	pm, err = cg.ProcessMessage(carol, wire(t, bundle.Commit))
	require.NoError(t, err)
	assert.True(t, pm.StagedCommit.SelfRemoved())
}

func TestLoadGroup_RoundTrip(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)

	loaded, found, err := mls.LoadGroup(bob.Storage(), []byte("g1"))
	require.NoError(t, err)
	require.True(t, found)
	assertSameEpoch(t, bg, loaded)
	assert.Equal(t, bg.OwnLeafIndex(), loaded.OwnLeafIndex())

	m, err := ag.CreateMessage(alice, []byte("hi"))
	require.NoError(t, err)
	pm, err := loaded.ProcessMessage(bob, wire(t, m))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), pm.Application)
}

func TestWrongGroup(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	ag := newGroup(t, alice, "g1")
	bg := join(t, alice, ag, bob)
	other := newGroup(t, alice, "g2")

	m, err := other.CreateMessage(alice, []byte("x"))
	require.NoError(t, err)
	_, err = bg.ProcessMessage(bob, m)
	assert.True(t, errors.Is(err, mls.ErrWrongGroup))
}

// otherScheme claims a signature scheme the suite does not use.
type otherScheme struct{ *provider.Provider }

func (otherScheme) SignatureScheme() crypto.SignatureScheme { return crypto.SignatureScheme(0x0403) }

func TestSigner_SchemeMustMatchSuite(t *testing.T) {
	alice := newMember(t)
	p := otherScheme{alice}

	_, err := mls.CreateGroup(p, mls.GroupConfig{Ciphersuite: suite}, []byte("g1"), alice.Credential())
	assert.ErrorIs(t, err, mls.ErrUnsupportedCiphersuite)
	_, err = mls.NewKeyPackage(p, suite, alice.Credential())
	assert.ErrorIs(t, err, mls.ErrUnsupportedCiphersuite)
}

func TestSigner_RegisteredKey(t *testing.T) {
	alice := newMember(t)
	_, found, err := mls.LookupSignatureScheme(alice.Storage(), alice.SignaturePublicKey())
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, mls.StoreSignatureKey(alice.Storage(), alice.SignaturePublicKey(), crypto.Ed25519))
	scheme, found, err := mls.LookupSignatureScheme(alice.Storage(), alice.SignaturePublicKey())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, crypto.Ed25519, scheme)
	newGroup(t, alice, "g1")

	bob := newMember(t)
	k, err := kvstore.KeyFor(kvstore.LabelSignatureKeyPair, bob.SignaturePublicKey())
	require.NoError(t, err)
	bob.Storage().Write(k, []byte(`{"signature_scheme":"ECDSA"}`))
	_, err = mls.NewKeyPackage(bob, suite, bob.Credential())
	var serr *kvstore.SerializationError
	assert.ErrorAs(t, err, &serr)
}
