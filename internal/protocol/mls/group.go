package mls

import (
	"bytes"
	"fmt"
	"io"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

// Group is a member's view of one group at its current epoch.
type Group struct {
	ctx      GroupContext
	tree     Tree
	ownIndex uint32
	secrets  epochSecrets
	interim  []byte
	tag      []byte
	config   JoinConfig
	state    groupState
}

// GroupConfig configures a newly created group.
type GroupConfig struct {
	Ciphersuite Ciphersuite
	Join        JoinConfig
}

// CreateGroup starts a group at epoch 0 with cred as its only member.
func CreateGroup(p Provider, cfg GroupConfig, groupID []byte, cred CredentialWithKey) (*Group, error) {
	if err := cfg.Ciphersuite.check(); err != nil {
		return nil, err
	}
	if err := checkSigner(p, cfg.Ciphersuite); err != nil {
		return nil, err
	}
	if len(groupID) == 0 {
		return nil, fmt.Errorf("%w: empty group id", ErrMalformedMessage)
	}
	if cfg.Join == (JoinConfig{}) {
		cfg.Join = DefaultJoinConfig()
	}
	st := p.Storage()
	if _, found, err := LoadGroup(st, groupID); err != nil {
		return nil, err
	} else if found {
		return nil, ErrGroupExists
	}

	leafKey, err := crypto.GenerateX25519(p.Rand())
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	leaf, err := newLeafNode(p, leafKey.Public, cred)
	if err != nil {
		return nil, err
	}
	tree := Tree{leaf}
	treeHash, err := tree.hash()
	if err != nil {
		return nil, err
	}
	ctx := GroupContext{
		Version:                 ProtocolVersion,
		Ciphersuite:             cfg.Ciphersuite,
		GroupID:                 append([]byte{}, groupID...),
		Epoch:                   0,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: []byte{},
	}

	initSecret := make([]byte, crypto.HashSize)
	if _, err := io.ReadFull(p.Rand(), initSecret); err != nil {
		return nil, err
	}
	defer crypto.Wipe(initSecret)
	joiner, err := joinerSecret(initSecret, make([]byte, crypto.HashSize), ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(joiner)
	secrets, err := deriveEpochSecrets(memberSecret(joiner, make([]byte, crypto.HashSize)), ctx)
	if err != nil {
		return nil, err
	}
	tag := confirmationTag(secrets.ConfirmationKey, ctx.ConfirmedTranscriptHash)

	g := &Group{
		ctx:      ctx,
		tree:     tree,
		ownIndex: 0,
		secrets:  secrets,
		interim:  interimTranscriptHash(ctx.ConfirmedTranscriptHash, tag),
		tag:      tag,
		config:   cfg.Join,
		state:    groupState{Status: statusOperational},
	}
	gs := g.store(st)
	if err := gs.write(kvstore.LabelEpochKeyPairs, []crypto.X25519KeyPair{leafKey}, ctx.Epoch, g.ownIndex); err != nil {
		return nil, err
	}
	if err := g.save(st); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGroup reads a group from storage. found is false when no group with
// that id is stored.
func LoadGroup(st *kvstore.Store, groupID []byte) (g *Group, found bool, err error) {
	gs := groupStore{st: st, id: groupID}
	ctx, ok, err := readGroup[GroupContext](gs, kvstore.LabelGroupContext)
	if err != nil || !ok {
		return nil, false, err
	}
	g = &Group{ctx: ctx}
	if g.tree, err = mustReadGroup[Tree](gs, kvstore.LabelTree); err != nil {
		return nil, false, err
	}
	if g.ownIndex, err = mustReadGroup[uint32](gs, kvstore.LabelOwnLeafNodeIndex); err != nil {
		return nil, false, err
	}
	if g.secrets, err = mustReadGroup[epochSecrets](gs, kvstore.LabelEpochSecrets); err != nil {
		return nil, false, err
	}
	if g.interim, err = mustReadGroup[[]byte](gs, kvstore.LabelInterimTranscriptHash); err != nil {
		return nil, false, err
	}
	if g.tag, err = mustReadGroup[[]byte](gs, kvstore.LabelConfirmationTag); err != nil {
		return nil, false, err
	}
	if g.config, err = mustReadGroup[JoinConfig](gs, kvstore.LabelJoinConfig); err != nil {
		return nil, false, err
	}
	if g.state, err = mustReadGroup[groupState](gs, kvstore.LabelGroupState); err != nil {
		return nil, false, err
	}
	return g, true, nil
}

func (g *Group) store(st *kvstore.Store) groupStore {
	return groupStore{st: st, id: g.ctx.GroupID}
}

func (g *Group) save(st *kvstore.Store) error {
	gs := g.store(st)
	for _, e := range []struct {
		label []byte
		value any
	}{
		{kvstore.LabelGroupContext, g.ctx},
		{kvstore.LabelTree, g.tree},
		{kvstore.LabelOwnLeafNodeIndex, g.ownIndex},
		{kvstore.LabelEpochSecrets, g.secrets},
		{kvstore.LabelInterimTranscriptHash, g.interim},
		{kvstore.LabelConfirmationTag, g.tag},
		{kvstore.LabelJoinConfig, g.config},
		{kvstore.LabelGroupState, g.state},
	} {
		if err := gs.write(e.label, e.value); err != nil {
			return fmt.Errorf("save group: %w", err)
		}
	}
	return nil
}

func (g *Group) GroupID() []byte { return append([]byte{}, g.ctx.GroupID...) }

func (g *Group) Epoch() uint64 { return g.ctx.Epoch }

func (g *Group) Ciphersuite() Ciphersuite { return g.ctx.Ciphersuite }

func (g *Group) OwnLeafIndex() uint32 { return g.ownIndex }

// IsActive is false once a merged commit removed this member.
func (g *Group) IsActive() bool { return g.state.Status != statusInactive }

// Members lists the occupied leaves in index order.
func (g *Group) Members() []Member { return g.tree.members() }

// PendingCommit returns the commit staged by this member, if any.
func (g *Group) PendingCommit() *StagedCommit { return g.state.Pending }

// ExportSecret derives length bytes bound to label and context from the
// current epoch. It does not change group state.
func (g *Group) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	if !g.IsActive() {
		return nil, ErrGroupInactive
	}
	return export(g.secrets.ExporterSecret, label, context, length)
}

// ClearPendingCommit discards a staged but unmerged own commit.
func (g *Group) ClearPendingCommit(st *kvstore.Store) error {
	if g.state.Pending == nil {
		return nil
	}
	gs := g.store(st)
	if l := g.state.Pending.NewOwnLeaf; l != nil {
		if err := deleteEncryptionKeyPair(st, l.EncryptionKey); err != nil {
			return err
		}
	}
	if err := gs.delete(kvstore.LabelOwnLeafNodes); err != nil {
		return err
	}
	g.state = groupState{Status: statusOperational}
	return gs.write(kvstore.LabelGroupState, g.state)
}

// ClearPendingProposals empties the local proposal store.
func (g *Group) ClearPendingProposals(st *kvstore.Store) error {
	return g.store(st).clearProposals()
}

// PendingProposals returns the proposals waiting in the local proposal store.
func (g *Group) PendingProposals(st *kvstore.Store) ([]QueuedProposal, error) {
	return g.store(st).queuedProposals()
}

// StorePendingProposal adds qp to the local proposal store so the next
// commit built by this member includes it.
func (g *Group) StorePendingProposal(st *kvstore.Store, qp *QueuedProposal) error {
	return g.store(st).queueProposal(*qp)
}

// Delete removes every entity of the group from storage.
func (g *Group) Delete(st *kvstore.Store) error {
	gs := g.store(st)
	if err := g.ClearPendingCommit(st); err != nil {
		return err
	}
	if err := gs.clearProposals(); err != nil {
		return err
	}
	kps, err := gs.epochKeyPairs(g.ctx.Epoch, g.ownIndex)
	if err != nil {
		return err
	}
	for _, kp := range kps {
		if err := deleteEncryptionKeyPair(st, kp.Public); err != nil {
			return err
		}
	}
	if err := gs.delete(kvstore.LabelEpochKeyPairs, g.ctx.Epoch, g.ownIndex); err != nil {
		return err
	}
	for _, label := range [][]byte{
		kvstore.LabelGroupContext,
		kvstore.LabelTree,
		kvstore.LabelOwnLeafNodeIndex,
		kvstore.LabelEpochSecrets,
		kvstore.LabelInterimTranscriptHash,
		kvstore.LabelConfirmationTag,
		kvstore.LabelJoinConfig,
		kvstore.LabelGroupState,
		kvstore.LabelOwnLeafNodes,
		kvstore.LabelResumptionPsk,
		kvstore.LabelMessageSecrets,
	} {
		if err := gs.delete(label); err != nil {
			return err
		}
	}
	g.state = groupState{Status: statusInactive}
	return nil
}

func (t Tree) hash() ([]byte, error) {
	b, err := encode(t.marshal)
	if err != nil {
		return nil, err
	}
	return crypto.Hash([]byte("dmls tree"), b), nil
}

func (g *Group) ownLeaf() (*LeafNode, error) {
	l, ok := g.tree.leaf(g.ownIndex)
	if !ok {
		return nil, fmt.Errorf("%w: own leaf %d", ErrUnknownMember, g.ownIndex)
	}
	return l, nil
}

// ownKeyPair returns the private half of the own leaf's current encryption key.
func (g *Group) ownKeyPair(st *kvstore.Store) (crypto.X25519KeyPair, error) {
	leaf, err := g.ownLeaf()
	if err != nil {
		return crypto.X25519KeyPair{}, err
	}
	kps, err := g.store(st).epochKeyPairs(g.ctx.Epoch, g.ownIndex)
	if err != nil {
		return crypto.X25519KeyPair{}, err
	}
	for _, kp := range kps {
		if bytes.Equal(kp.Public, leaf.EncryptionKey) {
			return kp, nil
		}
	}
	return crypto.X25519KeyPair{}, ErrMissingKeyPair
}
