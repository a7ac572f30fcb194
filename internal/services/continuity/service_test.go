package continuity_test

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dmls/internal/crypto"
	"dmls/internal/domain"
	"dmls/internal/kvstore"
	"dmls/internal/protocol/mls"
	"dmls/internal/provider"
	"dmls/internal/services/continuity"
	"dmls/internal/state"
)

type agent struct {
	p   *provider.Provider
	svc *continuity.Service
}

func newAgent(t *testing.T) agent {
	t.Helper()
	return newAgentWith(t, continuity.Config{})
}

func newAgentWith(t *testing.T, cfg continuity.Config) agent {
	t.Helper()
	kp, err := crypto.GenerateSignatureKeyPair(rand.Reader, crypto.Ed25519)
	require.NoError(t, err)
	p := provider.New(state.New(kp), nil)
	return agent{p: p, svc: continuity.New(p, cfg, zaptest.NewLogger(t))}
}

func (a agent) queueLen() int { return a.p.Session().QueueLen() }

func wire(t *testing.T, m *mls.Message) *mls.Message {
	t.Helper()
	raw, err := m.Encode()
	require.NoError(t, err)
	out, err := mls.DecodeMessage(raw)
	require.NoError(t, err)
	return out
}

// pair sets up alice's send group with bob joined through the welcome.
func pair(t *testing.T) (alice, bob agent, gid domain.GroupID) {
	t.Helper()
	alice, bob = newAgent(t), newAgent(t)
	gid, err := alice.svc.CreateSendGroup()
	require.NoError(t, err)

	kp, err := bob.svc.GenerateKeyPackage()
	require.NoError(t, err)
	bundle, err := alice.svc.AddMembers([]*mls.KeyPackage{kp})
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)

	in, err := bob.svc.Handle(wire(t, bundle.Welcome))
	require.NoError(t, err)
	require.Equal(t, domain.IncomingWelcome, in.Kind)
	return alice, bob, gid
}

// groupKeys returns the stored keys whose compound raw key starts with gid.
func groupKeys(st *kvstore.Store, gid []byte) [][]byte {
	want := base64.StdEncoding.EncodeToString(gid)
	var out [][]byte
	for _, k := range st.Keys() {
		for _, label := range kvstore.Labels() {
			if len(k) < len(label)+2 || string(k[:len(label)]) != string(label) {
				continue
			}
			var parts []any
			if json.Unmarshal(k[len(label):len(k)-2], &parts) != nil || len(parts) == 0 {
				continue
			}
			if s, ok := parts[0].(string); ok && s == want {
				out = append(out, k)
			}
		}
	}
	return out
}

func TestScenario_CreateAddJoin(t *testing.T) {
	alice := newAgent(t)
	gid, err := alice.svc.CreateSendGroup()
	require.NoError(t, err)
	assert.Equal(t, 0, alice.queueLen())
	got, ok := alice.p.Session().SendGroupID()
	require.True(t, ok)
	assert.Equal(t, []byte(gid), got)

	bob := newAgent(t)
	kp, err := bob.svc.GenerateKeyPackage()
	require.NoError(t, err)
	bundle, err := alice.svc.AddMembers([]*mls.KeyPackage{kp})
	require.NoError(t, err)

	in, err := bob.svc.Handle(wire(t, bundle.Welcome))
	require.NoError(t, err)
	aliceView, err := alice.svc.GroupSummary(gid)
	require.NoError(t, err)
	bobView, err := bob.svc.GroupSummary(gid)
	require.NoError(t, err)

	assert.Equal(t, aliceView.Epoch, in.Epoch)
	assert.Equal(t, aliceView.Epoch, bobView.Epoch)
	assert.Equal(t, 2, bobView.Members)
	assert.Equal(t, uint32(1), bobView.OwnLeaf)
}

func TestScenario_SelfUpdateThenInject(t *testing.T) {
	alice, bob, _ := pair(t)

	update, err := alice.svc.SelfUpdate()
	require.NoError(t, err)
	assert.Equal(t, 1, alice.queueLen())

	inject, err := alice.svc.InjectQueuedPsks()
	require.NoError(t, err)
	assert.Equal(t, 0, alice.queueLen())

	proposals := wire(t, inject).Public.Commit.Proposals
	require.Len(t, proposals, 1)
	assert.Equal(t, mls.ProposalPreSharedKey, proposals[0].Type)

	// Bob follows both commits; the injected PSK is the one he queued
	// himself for the self-update epoch.
	in, err := bob.svc.Handle(wire(t, update))
	require.NoError(t, err)
	assert.Equal(t, 1, bob.queueLen())
	assert.Equal(t, proposals[0].PreSharedKey.ID, []byte(in.QueuedPsk))

	in, err = bob.svc.Handle(wire(t, inject))
	require.NoError(t, err)
	assert.Equal(t, domain.IncomingCommit, in.Kind)
	assert.Equal(t, 2, bob.queueLen())

	msg, err := alice.svc.Encrypt([]byte("after inject"))
	require.NoError(t, err)
	in, err = bob.svc.Handle(wire(t, msg))
	require.NoError(t, err)
	assert.Equal(t, "after inject", in.Plaintext)
}

func TestInject_MultiplePsksInQueueOrder(t *testing.T) {
	alice, bob, gid := pair(t)

	u1, err := alice.svc.SelfUpdate()
	require.NoError(t, err)
	u2, err := alice.svc.SelfUpdate()
	require.NoError(t, err)
	queued := alice.p.Session().PskIDs()
	require.Len(t, queued, 2)
	assert.Equal(t, uint64(2), binary.BigEndian.Uint64(queued[0][:8]))
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(queued[1][:8]))

	inject, err := alice.svc.InjectQueuedPsks()
	require.NoError(t, err)
	proposals := wire(t, inject).Public.Commit.Proposals
	require.Len(t, proposals, 2)
	for i, p := range proposals {
		assert.Equal(t, mls.ProposalPreSharedKey, p.Type)
		assert.Equal(t, queued[i], p.PreSharedKey.ID, "proposal %d", i)
	}

	var in domain.Incoming
	for _, m := range []*mls.Message{u1, u2, inject} {
		in, err = bob.svc.Handle(wire(t, m))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, in.InjectedPsks)
	assert.Equal(t, 3, bob.queueLen())

	aliceView, err := alice.svc.GroupSummary(gid)
	require.NoError(t, err)
	bobView, err := bob.svc.GroupSummary(gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), aliceView.Epoch)
	assert.Equal(t, aliceView.Epoch, bobView.Epoch)

	ag, _, err := mls.LoadGroup(alice.p.Storage(), gid)
	require.NoError(t, err)
	bg, _, err := mls.LoadGroup(bob.p.Storage(), gid)
	require.NoError(t, err)
	as, err := ag.ExportSecret("check", nil, 32)
	require.NoError(t, err)
	bs, err := bg.ExportSecret("check", nil, 32)
	require.NoError(t, err)
	assert.Equal(t, as, bs)
}

func TestApplyCommit_RollsBackWhenPskFails(t *testing.T) {
	alice := newAgent(t)
	// Longer than HKDF-SHA256 can produce, so every PSK derivation fails.
	bob := newAgentWith(t, continuity.Config{ExporterLength: 9000})
	gid, err := alice.svc.CreateSendGroup()
	require.NoError(t, err)
	kp, err := bob.svc.GenerateKeyPackage()
	require.NoError(t, err)
	bundle, err := alice.svc.AddMembers([]*mls.KeyPackage{kp})
	require.NoError(t, err)
	_, err = bob.svc.Handle(wire(t, bundle.Welcome))
	require.NoError(t, err)

	before := bob.p.Storage().Keys()
	update, err := alice.svc.SelfUpdate()
	require.NoError(t, err)

	_, err = bob.svc.Handle(wire(t, update))
	require.Error(t, err)
	assert.Equal(t, 0, bob.queueLen())
	assert.Equal(t, before, bob.p.Storage().Keys())
	view, err := bob.svc.GroupSummary(gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), view.Epoch)

	// Still at the old epoch, so the same commit is staged again rather
	// than rejected as stale.
	_, err = bob.svc.Handle(wire(t, update))
	require.Error(t, err)
	assert.NotErrorIs(t, err, mls.ErrWrongEpoch)
}

func TestInject_EmptyQueueStillCommits(t *testing.T) {
	alice, bob, gid := pair(t)
	before, err := alice.svc.GroupSummary(gid)
	require.NoError(t, err)

	commit, err := alice.svc.InjectQueuedPsks()
	require.NoError(t, err)
	assert.Empty(t, wire(t, commit).Public.Commit.Proposals)

	after, err := alice.svc.GroupSummary(gid)
	require.NoError(t, err)
	assert.Equal(t, before.Epoch+1, after.Epoch)

	_, err = bob.svc.Handle(wire(t, commit))
	require.NoError(t, err)
}

func TestInject_MissingPskRestoresQueue(t *testing.T) {
	alice, _, gid := pair(t)
	alice.p.Session().PushPskID([]byte("unknown"))

	_, err := alice.svc.InjectQueuedPsks()
	require.ErrorIs(t, err, mls.ErrMissingPsk)
	assert.Equal(t, [][]byte{[]byte("unknown")}, alice.p.Session().PskIDs())

	view, err := alice.svc.GroupSummary(gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), view.Epoch)
}

func TestScenario_Eviction(t *testing.T) {
	alice, bob, gid := pair(t)
	require.NotEmpty(t, groupKeys(bob.p.Storage(), gid))
	queued := bob.queueLen()

	commit, err := alice.svc.RemoveMembers([]uint32{1})
	require.NoError(t, err)
	assert.Equal(t, 1, alice.queueLen())

	in, err := bob.svc.Handle(wire(t, commit))
	require.NoError(t, err)
	assert.True(t, in.Evicted)
	assert.Nil(t, in.QueuedPsk)
	assert.Equal(t, queued, bob.queueLen())
	assert.Empty(t, groupKeys(bob.p.Storage(), gid))

	_, err = bob.svc.GroupSummary(gid)
	assert.ErrorIs(t, err, continuity.ErrNoLocalGroup)
}

func TestApplyCommit_Exclusive(t *testing.T) {
	alice, bob, gid := pair(t)

	// Staying in the group: one more queued PSK, group state kept.
	update, err := alice.svc.SelfUpdate()
	require.NoError(t, err)
	before := bob.queueLen()
	in, err := bob.svc.Handle(wire(t, update))
	require.NoError(t, err)
	assert.False(t, in.Evicted)
	assert.Equal(t, before+1, bob.queueLen())
	assert.NotEmpty(t, groupKeys(bob.p.Storage(), gid))

	// Leaving the group: no PSK, no group state.
	remove, err := alice.svc.RemoveMembers([]uint32{1})
	require.NoError(t, err)
	before = bob.queueLen()
	in, err = bob.svc.Handle(wire(t, remove))
	require.NoError(t, err)
	assert.True(t, in.Evicted)
	assert.Equal(t, before, bob.queueLen())
	assert.Empty(t, groupKeys(bob.p.Storage(), gid))
}

func TestCreateSendGroup_Singleton(t *testing.T) {
	alice := newAgent(t)
	first, err := alice.svc.CreateSendGroup()
	require.NoError(t, err)

	_, err = alice.svc.CreateSendGroup()
	require.ErrorIs(t, err, continuity.ErrSendGroupExists)
	got, _ := alice.p.Session().SendGroupID()
	assert.Equal(t, []byte(first), got)
}

func TestPreconditions(t *testing.T) {
	alice := newAgent(t)
	_, err := alice.svc.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, continuity.ErrNoSendGroup)
	_, err = alice.svc.SelfUpdate()
	assert.ErrorIs(t, err, continuity.ErrNoSendGroup)
	_, err = alice.svc.InjectQueuedPsks()
	assert.ErrorIs(t, err, continuity.ErrNoSendGroup)

	sender, _, _ := pair(t)
	msg, err := sender.svc.Encrypt([]byte("hi"))
	require.NoError(t, err)
	_, err = alice.svc.Handle(wire(t, msg))
	assert.ErrorIs(t, err, continuity.ErrNoLocalGroup)
}

func TestProcessIncoming_Application(t *testing.T) {
	alice, bob, gid := pair(t)

	msg, err := alice.svc.Encrypt([]byte("héllo"))
	require.NoError(t, err)
	in, err := bob.svc.Handle(wire(t, msg))
	require.NoError(t, err)
	assert.Equal(t, domain.IncomingApplication, in.Kind)
	assert.Equal(t, "héllo", in.Plaintext)
	assert.Equal(t, uint32(0), in.Sender)
	assert.Equal(t, gid, in.GroupID)

	bad, err := alice.svc.Encrypt([]byte{0xff, 0xfe})
	require.NoError(t, err)
	_, err = bob.svc.Handle(wire(t, bad))
	assert.ErrorIs(t, err, continuity.ErrInvalidPlaintext)
}

func TestProcessIncoming_RejectsProposalsAndKeyPackages(t *testing.T) {
	alice, bob, gid := pair(t)

	g, found, err := mls.LoadGroup(bob.p.Storage(), gid)
	require.NoError(t, err)
	require.True(t, found)
	prop, err := g.ProposeRemove(bob.p, 0)
	require.NoError(t, err)
	_, err = alice.svc.Handle(wire(t, prop))
	assert.ErrorIs(t, err, continuity.ErrUnsupportedContent)

	kp, err := bob.svc.GenerateKeyPackage()
	require.NoError(t, err)
	_, err = alice.svc.Handle(&mls.Message{Version: mls.ProtocolVersion, WireFormat: mls.WireFormatKeyPackage, KeyPackage: kp})
	assert.ErrorIs(t, err, continuity.ErrUnsupportedContent)
}

func TestAddMembers_ClearsStalePendingCommit(t *testing.T) {
	alice, _, gid := pair(t)
	g, _, err := mls.LoadGroup(alice.p.Storage(), gid)
	require.NoError(t, err)
	_, err = g.SelfUpdate(alice.p)
	require.NoError(t, err)

	carol := newAgent(t)
	kp, err := carol.svc.GenerateKeyPackage()
	require.NoError(t, err)
	bundle, err := alice.svc.AddMembers([]*mls.KeyPackage{kp})
	require.NoError(t, err)
	assert.Nil(t, wire(t, bundle.Commit).Public.Commit.Path)

	view, err := alice.svc.GroupSummary(gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), view.Epoch)
	assert.Equal(t, 3, view.Members)
}
