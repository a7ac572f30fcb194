package mls

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

// StagedCommit is a validated commit that has not been merged yet. It holds
// everything needed to move the group into the next epoch.
type StagedCommit struct {
	Context               GroupContext `json:"context"`
	Tree                  Tree         `json:"tree"`
	Secrets               epochSecrets `json:"secrets"`
	InterimTranscriptHash []byte       `json:"interim_transcript_hash"`
	ConfirmationTag       []byte       `json:"confirmation_tag"`
	Committer             uint32       `json:"committer"`
	Proposals             []Proposal   `json:"proposals"`
	SelfRemoval           bool         `json:"self_removal"`
	NewOwnLeaf            *LeafNode    `json:"new_own_leaf,omitempty"`
}

// Epoch is the epoch the group enters when the commit is merged.
func (sc *StagedCommit) Epoch() uint64 { return sc.Context.Epoch }

// SelfRemoved reports whether merging the commit removes the local member.
func (sc *StagedCommit) SelfRemoved() bool { return sc.SelfRemoval }

// PskProposals returns the PSK ids in proposal order.
func (sc *StagedCommit) PskProposals() []PreSharedKeyID {
	var out []PreSharedKeyID
	for _, p := range sc.Proposals {
		if p.Type == ProposalPreSharedKey && p.PreSharedKey != nil {
			out = append(out, *p.PreSharedKey)
		}
	}
	return out
}

// CommitBundle is what a committer hands out after building a commit.
type CommitBundle struct {
	Commit *Message
	// Welcome is nil when the commit adds nobody.
	Welcome *Message
	Staged  *StagedCommit
}

type addedMember struct {
	index uint32
	kp    *KeyPackage
}

type proposalEffects struct {
	tree        Tree
	added       []addedMember
	removed     []uint32
	psks        []PreSharedKeyID
	selfRemoved bool
}

func (fx *proposalEffects) isAdded(i uint32) bool {
	for _, a := range fx.added {
		if a.index == i {
			return true
		}
	}
	return false
}

// applyProposals validates proposals against the current tree and returns
// their combined effect. Removes apply before adds, so adds fill the blanks.
func (g *Group) applyProposals(proposals []Proposal, committer uint32) (*proposalEffects, error) {
	fx := &proposalEffects{tree: g.tree.clone()}
	for _, p := range proposals {
		switch p.Type {
		case ProposalRemove:
			if p.Remove == nil {
				return nil, fmt.Errorf("%w: remove without leaf", ErrInvalidProposal)
			}
			idx := *p.Remove
			if _, ok := fx.tree.leaf(idx); !ok {
				return nil, fmt.Errorf("%w: remove leaf %d", ErrUnknownMember, idx)
			}
			if idx == committer {
				return nil, fmt.Errorf("%w: committer cannot remove itself", ErrInvalidProposal)
			}
			if idx == g.ownIndex {
				fx.selfRemoved = true
			}
			fx.tree = fx.tree.remove(idx)
			fx.removed = append(fx.removed, idx)
		case ProposalPreSharedKey:
			if p.PreSharedKey == nil || p.PreSharedKey.Type != PskExternal {
				return nil, fmt.Errorf("%w: unsupported psk", ErrInvalidProposal)
			}
			fx.psks = append(fx.psks, *p.PreSharedKey)
		case ProposalAdd:
		default:
			return nil, fmt.Errorf("%w: type %d", ErrInvalidProposal, p.Type)
		}
	}
	for _, p := range proposals {
		if p.Type != ProposalAdd {
			continue
		}
		if p.Add == nil {
			return nil, fmt.Errorf("%w: add without key package", ErrInvalidProposal)
		}
		if err := ValidateKeyPackage(p.Add); err != nil {
			return nil, err
		}
		if p.Add.Ciphersuite != g.ctx.Ciphersuite {
			return nil, fmt.Errorf("%w: key package uses %s", ErrUnsupportedCiphersuite, p.Add.Ciphersuite)
		}
		leaf := p.Add.LeafNode
		var idx uint32
		fx.tree, idx = fx.tree.add(&leaf)
		fx.added = append(fx.added, addedMember{index: idx, kp: p.Add})
	}
	return fx, nil
}

// nextEpoch runs the key schedule for a signed commit and returns the staged
// result together with the joiner and member secrets a Welcome needs.
func (g *Group) nextEpoch(fx *proposalEffects, pm *PublicMessage, tbs, commitSecret []byte, psks []pskInput) (sc *StagedCommit, joiner, member []byte, err error) {
	treeHash, err := fx.tree.hash()
	if err != nil {
		return nil, nil, nil, err
	}
	confirmed := crypto.Hash(g.interim, tbs, pm.Signature)
	ctx := GroupContext{
		Version:                 ProtocolVersion,
		Ciphersuite:             g.ctx.Ciphersuite,
		GroupID:                 g.ctx.GroupID,
		Epoch:                   g.ctx.Epoch + 1,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: confirmed,
	}
	if joiner, err = joinerSecret(g.secrets.InitSecret, commitSecret, ctx); err != nil {
		return nil, nil, nil, err
	}
	psk, err := pskSecret(psks)
	if err != nil {
		return nil, nil, nil, err
	}
	member = memberSecret(joiner, psk)
	secrets, err := deriveEpochSecrets(member, ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	tag := confirmationTag(secrets.ConfirmationKey, confirmed)
	sc = &StagedCommit{
		Context:               ctx,
		Tree:                  fx.tree,
		Secrets:               secrets,
		InterimTranscriptHash: interimTranscriptHash(confirmed, tag),
		ConfirmationTag:       tag,
		Committer:             pm.Sender,
		Proposals:             pm.Commit.Proposals,
	}
	return sc, joiner, member, nil
}

func pathInfo(groupID []byte, epoch uint64) []byte {
	info := append([]byte("dmls path "), groupID...)
	return binary.BigEndian.AppendUint64(info, epoch)
}

// sealCommitSecret encrypts the commit secret to every member that stays in
// the group, except the committer and anyone added by this commit.
func (g *Group) sealCommitSecret(rand io.Reader, fx *proposalEffects, commitSecret []byte) ([]EncryptedPathSecret, error) {
	info := pathInfo(g.ctx.GroupID, g.ctx.Epoch+1)
	var out []EncryptedPathSecret
	for i, l := range fx.tree {
		idx := uint32(i)
		if l == nil || idx == g.ownIndex || fx.isAdded(idx) {
			continue
		}
		kem, ct, err := crypto.Seal(rand, l.EncryptionKey, info, nil, commitSecret)
		if err != nil {
			return nil, fmt.Errorf("seal commit secret to leaf %d: %w", idx, err)
		}
		out = append(out, EncryptedPathSecret{Recipient: idx, KEMOutput: kem, Ciphertext: ct})
	}
	return out, nil
}

func (g *Group) openCommitSecret(st *kvstore.Store, path *UpdatePath) ([]byte, error) {
	for _, es := range path.Secrets {
		if es.Recipient != g.ownIndex {
			continue
		}
		kp, err := g.ownKeyPair(st)
		if err != nil {
			return nil, err
		}
		secret, err := crypto.Open(kp, es.KEMOutput, pathInfo(g.ctx.GroupID, g.ctx.Epoch+1), nil, es.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("open commit secret: %w", err)
		}
		return secret, nil
	}
	return nil, malformed("update path has no secret for this member")
}

// CommitBuilder assembles a commit from the local proposal store plus any
// proposals added explicitly.
type CommitBuilder struct {
	group     *Group
	proposals []Proposal
	forcePath bool
	psks      []pskInput
	loaded    bool
}

// CommitBuilder starts a commit on g.
func (g *Group) CommitBuilder() *CommitBuilder {
	return &CommitBuilder{group: g}
}

// AddProposal appends p to the commit, after any queued proposals.
func (b *CommitBuilder) AddProposal(p Proposal) *CommitBuilder {
	b.proposals = append(b.proposals, p)
	return b
}

// ForceSelfUpdate makes the commit carry an update path even if no
// proposal requires one.
func (b *CommitBuilder) ForceSelfUpdate() *CommitBuilder {
	b.forcePath = true
	return b
}

func (b *CommitBuilder) collect(st *kvstore.Store) ([]Proposal, error) {
	queued, err := b.group.store(st).queuedProposals()
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(queued)+len(b.proposals))
	for _, qp := range queued {
		out = append(out, qp.Proposal)
	}
	return append(out, b.proposals...), nil
}

// LoadPsks looks up the secret of every PSK the commit references. It must
// be called before Build when the commit carries PSK proposals.
func (b *CommitBuilder) LoadPsks(st *kvstore.Store) (*CommitBuilder, error) {
	proposals, err := b.collect(st)
	if err != nil {
		return b, err
	}
	var ids []PreSharedKeyID
	for _, p := range proposals {
		if p.Type == ProposalPreSharedKey && p.PreSharedKey != nil {
			ids = append(ids, *p.PreSharedKey)
		}
	}
	if b.psks, err = loadPsks(st, ids); err != nil {
		return b, err
	}
	b.loaded = true
	return b, nil
}

func (b *CommitBuilder) matchPsks(ids []PreSharedKeyID) ([]pskInput, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !b.loaded || len(b.psks) != len(ids) {
		return nil, fmt.Errorf("%w: psks not loaded", ErrMissingPsk)
	}
	for i, id := range ids {
		if !bytes.Equal(b.psks[i].id.ID, id.ID) || !bytes.Equal(b.psks[i].id.Nonce, id.Nonce) {
			return nil, fmt.Errorf("%w: psks changed since load", ErrMissingPsk)
		}
	}
	return b.psks, nil
}

// Build signs the commit and stores it as the group's pending commit. The
// group only moves to the next epoch on MergePendingCommit.
func (b *CommitBuilder) Build(p Provider) (*CommitBundle, error) {
	g := b.group
	st := p.Storage()
	if !g.IsActive() {
		return nil, ErrGroupInactive
	}
	if g.state.Pending != nil {
		return nil, ErrPendingCommit
	}
	proposals, err := b.collect(st)
	if err != nil {
		return nil, err
	}
	fx, err := g.applyProposals(proposals, g.ownIndex)
	if err != nil {
		return nil, err
	}
	psks, err := b.matchPsks(fx.psks)
	if err != nil {
		return nil, err
	}

	commit := &Commit{Proposals: proposals}
	commitSecret := make([]byte, crypto.HashSize)
	defer crypto.Wipe(commitSecret)
	var (
		newLeaf *LeafNode
		newKey  crypto.X25519KeyPair
	)
	if b.forcePath || len(fx.removed) > 0 {
		own, err := g.ownLeaf()
		if err != nil {
			return nil, err
		}
		if newKey, err = crypto.GenerateX25519(p.Rand()); err != nil {
			return nil, fmt.Errorf("generate leaf key: %w", err)
		}
		cred := CredentialWithKey{Credential: own.Credential, SignatureKey: own.SignatureKey}
		if newLeaf, err = newLeafNode(p, newKey.Public, cred); err != nil {
			return nil, err
		}
		fx.tree[g.ownIndex] = newLeaf
		if _, err := io.ReadFull(p.Rand(), commitSecret); err != nil {
			return nil, err
		}
		secrets, err := g.sealCommitSecret(p.Rand(), fx, commitSecret)
		if err != nil {
			return nil, err
		}
		commit.Path = &UpdatePath{LeafNode: *newLeaf, Secrets: secrets}
	}

	pm := &PublicMessage{
		GroupID:     g.ctx.GroupID,
		Epoch:       g.ctx.Epoch,
		Sender:      g.ownIndex,
		ContentType: ContentCommit,
		Commit:      commit,
	}
	tbs, err := encode(pm.marshalContent)
	if err != nil {
		return nil, err
	}
	if pm.Signature, err = signWithLabel(p, labelContentTBS, tbs); err != nil {
		return nil, fmt.Errorf("sign commit: %w", err)
	}
	sc, joiner, member, err := g.nextEpoch(fx, pm, tbs, commitSecret, psks)
	if err != nil {
		return nil, err
	}
	sc.NewOwnLeaf = newLeaf
	pm.ConfirmationTag = sc.ConfirmationTag

	bundle := &CommitBundle{
		Commit: &Message{Version: ProtocolVersion, WireFormat: WireFormatPublicMessage, Public: pm},
		Staged: sc,
	}
	if len(fx.added) > 0 {
		if bundle.Welcome, err = g.buildWelcome(p, sc, joiner, member, fx); err != nil {
			return nil, err
		}
	}

	gs := g.store(st)
	if newLeaf != nil {
		if err := writeEncryptionKeyPair(st, newKey); err != nil {
			return nil, err
		}
		if err := gs.appendOwnLeafNode(*newLeaf); err != nil {
			return nil, err
		}
	}
	g.state = groupState{Status: statusPendingCommit, Pending: sc}
	if err := gs.write(kvstore.LabelGroupState, g.state); err != nil {
		return nil, err
	}
	return bundle, nil
}

// AddMembers stages a commit adding the owners of kps without updating the
// committer's own leaf.
func (g *Group) AddMembers(p Provider, kps []*KeyPackage) (*CommitBundle, error) {
	if len(kps) == 0 {
		return nil, fmt.Errorf("%w: no key packages", ErrInvalidProposal)
	}
	b := g.CommitBuilder()
	for _, kp := range kps {
		b.AddProposal(NewAddProposal(kp))
	}
	return b.Build(p)
}

// SelfUpdate stages a commit that only refreshes the committer's leaf key
// and the group's commit secret.
func (g *Group) SelfUpdate(p Provider) (*CommitBundle, error) {
	return g.CommitBuilder().ForceSelfUpdate().Build(p)
}

// RemoveMembers stages a commit removing the given leaves.
func (g *Group) RemoveMembers(p Provider, leaves []uint32) (*CommitBundle, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("%w: no members to remove", ErrInvalidProposal)
	}
	b := g.CommitBuilder()
	for _, l := range leaves {
		b.AddProposal(NewRemoveProposal(l))
	}
	return b.Build(p)
}

// stageCommit validates a commit sent by another member.
func (g *Group) stageCommit(st *kvstore.Store, pm *PublicMessage, tbs []byte) (*StagedCommit, error) {
	c := pm.Commit
	fx, err := g.applyProposals(c.Proposals, pm.Sender)
	if err != nil {
		return nil, err
	}
	if fx.selfRemoved {
		// A removed member receives no commit secret and cannot follow the
		// group into the next epoch.
		return &StagedCommit{
			Context:     GroupContext{GroupID: g.ctx.GroupID, Epoch: g.ctx.Epoch + 1, Ciphersuite: g.ctx.Ciphersuite},
			Committer:   pm.Sender,
			Proposals:   c.Proposals,
			SelfRemoval: true,
		}, nil
	}
	if len(fx.removed) > 0 && c.Path == nil {
		return nil, malformed("commit with removals has no update path")
	}

	commitSecret := make([]byte, crypto.HashSize)
	if c.Path != nil {
		sender, _ := g.tree.leaf(pm.Sender)
		if !bytes.Equal(c.Path.LeafNode.SignatureKey, sender.SignatureKey) {
			return nil, malformed("update path changes the committer's signature key")
		}
		if err := c.Path.LeafNode.verify(); err != nil {
			return nil, err
		}
		leaf := c.Path.LeafNode
		fx.tree[pm.Sender] = &leaf
		if commitSecret, err = g.openCommitSecret(st, c.Path); err != nil {
			return nil, err
		}
	}
	defer crypto.Wipe(commitSecret)

	psks, err := loadPsks(st, fx.psks)
	if err != nil {
		return nil, err
	}
	sc, _, _, err := g.nextEpoch(fx, pm, tbs, commitSecret, psks)
	if err != nil {
		return nil, err
	}
	if err := verifyConfirmation(sc.Secrets.ConfirmationKey, sc.Context.ConfirmedTranscriptHash, pm.ConfirmationTag); err != nil {
		return nil, err
	}
	return sc, nil
}

// MergePendingCommit applies the commit staged by Build.
func (g *Group) MergePendingCommit(p Provider) error {
	if g.state.Pending == nil {
		return ErrNoPendingCommit
	}
	return g.merge(p.Storage(), g.state.Pending)
}

// MergeStagedCommit applies a commit staged by ProcessMessage. An own
// pending commit for the same epoch is discarded.
func (g *Group) MergeStagedCommit(p Provider, sc *StagedCommit) error {
	if !bytes.Equal(sc.Context.GroupID, g.ctx.GroupID) {
		return ErrWrongGroup
	}
	if sc.Context.Epoch != g.ctx.Epoch+1 {
		return fmt.Errorf("%w: staged for epoch %d, group at %d", ErrWrongEpoch, sc.Context.Epoch, g.ctx.Epoch)
	}
	if err := g.ClearPendingCommit(p.Storage()); err != nil {
		return err
	}
	return g.merge(p.Storage(), sc)
}

func (g *Group) merge(st *kvstore.Store, sc *StagedCommit) error {
	gs := g.store(st)
	oldEpoch := g.ctx.Epoch
	if err := gs.clearProposals(); err != nil {
		return err
	}
	if err := gs.delete(kvstore.LabelMessageSecrets); err != nil {
		return err
	}

	if sc.SelfRemoval {
		if err := gs.delete(kvstore.LabelEpochKeyPairs, oldEpoch, g.ownIndex); err != nil {
			return err
		}
		g.state = groupState{Status: statusInactive}
		return gs.write(kvstore.LabelGroupState, g.state)
	}

	kps, err := gs.epochKeyPairs(oldEpoch, g.ownIndex)
	if err != nil {
		return err
	}
	if sc.NewOwnLeaf != nil {
		kp, err := readEncryptionKeyPair(st, sc.NewOwnLeaf.EncryptionKey)
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		kps = []crypto.X25519KeyPair{kp}
		if err := deleteEncryptionKeyPair(st, kp.Public); err != nil {
			return err
		}
		if err := gs.delete(kvstore.LabelOwnLeafNodes); err != nil {
			return err
		}
	}
	if err := gs.write(kvstore.LabelEpochKeyPairs, kps, sc.Context.Epoch, g.ownIndex); err != nil {
		return err
	}
	if err := gs.delete(kvstore.LabelEpochKeyPairs, oldEpoch, g.ownIndex); err != nil {
		return err
	}

	g.ctx = sc.Context
	g.tree = sc.Tree
	g.secrets = sc.Secrets
	g.interim = sc.InterimTranscriptHash
	g.tag = sc.ConfirmationTag
	g.state = groupState{Status: statusOperational}
	if err := gs.rememberResumptionPsk(g.ctx.Epoch, g.secrets.ResumptionPsk, g.config.ResumptionPskRetention); err != nil {
		return err
	}
	return g.save(st)
}
