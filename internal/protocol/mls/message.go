package mls

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

// ContentKind says what ProcessMessage produced.
type ContentKind int

const (
	KindApplication ContentKind = iota + 1
	KindProposal
	KindStagedCommit
)

// ProcessedMessage is the result of ProcessMessage. Exactly one of
// Application, Proposal and StagedCommit is set, matching Kind.
type ProcessedMessage struct {
	GroupID      []byte
	Epoch        uint64
	Sender       uint32
	Kind         ContentKind
	Application  []byte
	Proposal     *QueuedProposal
	StagedCommit *StagedCommit
}

type senderChain struct {
	Generation uint32 `json:"generation"`
	Secret     []byte `json:"secret"`
}

type messageSecrets struct {
	Chains map[uint32]senderChain `json:"chains"`
}

func generationContext(gen uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, gen)
}

func (c senderChain) keys() (key, nonce []byte, err error) {
	if key, err = crypto.ExpandWithLabel(c.Secret, "key", generationContext(c.Generation), 32); err != nil {
		return nil, nil, err
	}
	if nonce, err = crypto.ExpandWithLabel(c.Secret, "nonce", generationContext(c.Generation), 12); err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

func (c senderChain) next() (senderChain, error) {
	secret, err := crypto.ExpandWithLabel(c.Secret, "next", generationContext(c.Generation), crypto.HashSize)
	if err != nil {
		return senderChain{}, err
	}
	return senderChain{Generation: c.Generation + 1, Secret: secret}, nil
}

// senderChain loads the hash chain for sender in the current epoch,
// starting it from the encryption secret on first use.
func (g *Group) senderChain(gs groupStore, sender uint32) (messageSecrets, senderChain, error) {
	ms, _, err := readGroup[messageSecrets](gs, kvstore.LabelMessageSecrets)
	if err != nil {
		return ms, senderChain{}, err
	}
	if ms.Chains == nil {
		ms.Chains = make(map[uint32]senderChain)
	}
	if c, ok := ms.Chains[sender]; ok {
		return ms, c, nil
	}
	secret, err := crypto.ExpandWithLabel(g.secrets.EncryptionSecret, "sender", generationContext(sender), crypto.HashSize)
	if err != nil {
		return ms, senderChain{}, err
	}
	return ms, senderChain{Secret: secret}, nil
}

func applicationTBS(header, data []byte) ([]byte, error) {
	return encode(func(b *builder) {
		addVec(b, header)
		addVec(b, data)
	})
}

// CreateMessage encrypts plaintext for the current epoch.
func (g *Group) CreateMessage(p Provider, plaintext []byte) (*Message, error) {
	if !g.IsActive() {
		return nil, ErrGroupInactive
	}
	gs := g.store(p.Storage())
	ms, chain, err := g.senderChain(gs, g.ownIndex)
	if err != nil {
		return nil, err
	}
	key, nonce, err := chain.keys()
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	pm := &PrivateMessage{
		GroupID:    g.ctx.GroupID,
		Epoch:      g.ctx.Epoch,
		Sender:     g.ownIndex,
		Generation: chain.Generation,
	}
	header, err := encode(pm.marshalHeader)
	if err != nil {
		return nil, err
	}
	tbs, err := applicationTBS(header, plaintext)
	if err != nil {
		return nil, err
	}
	sig, err := signWithLabel(p, labelAppContentTBS, tbs)
	if err != nil {
		return nil, fmt.Errorf("sign application message: %w", err)
	}
	content, err := encode(func(b *builder) {
		addVec(b, plaintext)
		addVec(b, sig)
	})
	if err != nil {
		return nil, err
	}
	if pm.Ciphertext, err = crypto.AEADSeal(key, nonce, header, content); err != nil {
		return nil, err
	}

	if ms.Chains[g.ownIndex], err = chain.next(); err != nil {
		return nil, err
	}
	if err := gs.write(kvstore.LabelMessageSecrets, ms); err != nil {
		return nil, err
	}
	return &Message{Version: ProtocolVersion, WireFormat: WireFormatPrivateMessage, Private: pm}, nil
}

// ProposeRemove creates a signed remove proposal and stores it in the local
// proposal store.
func (g *Group) ProposeRemove(p Provider, leaf uint32) (*Message, error) {
	if !g.IsActive() {
		return nil, ErrGroupInactive
	}
	if _, ok := g.tree.leaf(leaf); !ok {
		return nil, fmt.Errorf("%w: leaf %d", ErrUnknownMember, leaf)
	}
	if leaf == g.ownIndex {
		return nil, fmt.Errorf("%w: cannot propose own removal", ErrInvalidProposal)
	}
	prop := NewRemoveProposal(leaf)
	pm := &PublicMessage{
		GroupID:     g.ctx.GroupID,
		Epoch:       g.ctx.Epoch,
		Sender:      g.ownIndex,
		ContentType: ContentProposal,
		Proposal:    &prop,
	}
	tbs, err := encode(pm.marshalContent)
	if err != nil {
		return nil, err
	}
	if pm.Signature, err = signWithLabel(p, labelContentTBS, tbs); err != nil {
		return nil, fmt.Errorf("sign proposal: %w", err)
	}
	qp := QueuedProposal{Ref: proposalRef(tbs, pm.Signature), Sender: g.ownIndex, Proposal: prop}
	if err := g.store(p.Storage()).queueProposal(qp); err != nil {
		return nil, err
	}
	return &Message{Version: ProtocolVersion, WireFormat: WireFormatPublicMessage, Public: pm}, nil
}

func proposalRef(tbs, sig []byte) []byte {
	return crypto.Hash([]byte("dmls proposal ref"), tbs, sig)
}

// ProcessMessage authenticates a protocol message for this group. Commits
// come back staged and must be merged with MergeStagedCommit. Proposals are
// returned but not stored.
func (g *Group) ProcessMessage(p Provider, m *Message) (*ProcessedMessage, error) {
	if !g.IsActive() {
		return nil, ErrGroupInactive
	}
	switch {
	case m.Public != nil:
		return g.processPublic(p.Storage(), m.Public)
	case m.Private != nil:
		return g.processPrivate(p.Storage(), m.Private)
	default:
		return nil, malformed("not a protocol message")
	}
}

func (g *Group) checkFraming(groupID []byte, epoch uint64, sender uint32) (*LeafNode, error) {
	if !bytes.Equal(groupID, g.ctx.GroupID) {
		return nil, ErrWrongGroup
	}
	if epoch != g.ctx.Epoch {
		return nil, fmt.Errorf("%w: message epoch %d, group epoch %d", ErrWrongEpoch, epoch, g.ctx.Epoch)
	}
	leaf, ok := g.tree.leaf(sender)
	if !ok {
		return nil, fmt.Errorf("%w: sender %d", ErrUnknownMember, sender)
	}
	if sender == g.ownIndex {
		return nil, ErrOwnMessage
	}
	return leaf, nil
}

func (g *Group) processPublic(st *kvstore.Store, pm *PublicMessage) (*ProcessedMessage, error) {
	sender, err := g.checkFraming(pm.GroupID, pm.Epoch, pm.Sender)
	if err != nil {
		return nil, err
	}
	tbs, err := encode(pm.marshalContent)
	if err != nil {
		return nil, err
	}
	if err := verifyWithLabel(sender.SignatureKey, labelContentTBS, tbs, pm.Signature); err != nil {
		return nil, err
	}
	out := &ProcessedMessage{GroupID: pm.GroupID, Epoch: pm.Epoch, Sender: pm.Sender}
	switch pm.ContentType {
	case ContentProposal:
		out.Kind = KindProposal
		out.Proposal = &QueuedProposal{Ref: proposalRef(tbs, pm.Signature), Sender: pm.Sender, Proposal: *pm.Proposal}
	case ContentCommit:
		sc, err := g.stageCommit(st, pm, tbs)
		if err != nil {
			return nil, err
		}
		out.Kind = KindStagedCommit
		out.StagedCommit = sc
	default:
		return nil, malformed(fmt.Sprintf("public content type %d", pm.ContentType))
	}
	return out, nil
}

func (g *Group) processPrivate(st *kvstore.Store, pm *PrivateMessage) (*ProcessedMessage, error) {
	sender, err := g.checkFraming(pm.GroupID, pm.Epoch, pm.Sender)
	if err != nil {
		return nil, err
	}
	gs := g.store(st)
	ms, chain, err := g.senderChain(gs, pm.Sender)
	if err != nil {
		return nil, err
	}
	if pm.Generation < chain.Generation {
		return nil, fmt.Errorf("%w: generation %d", ErrGenerationReused, pm.Generation)
	}
	if pm.Generation-chain.Generation > g.config.MaxForwardDistance {
		return nil, fmt.Errorf("%w: generation %d", ErrTooDistantInFuture, pm.Generation)
	}
	for chain.Generation < pm.Generation {
		if chain, err = chain.next(); err != nil {
			return nil, err
		}
	}
	key, nonce, err := chain.keys()
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	header, err := encode(pm.marshalHeader)
	if err != nil {
		return nil, err
	}
	content, err := crypto.AEADOpen(key, nonce, header, pm.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt application message: %w", err)
	}
	var data, sig []byte
	s := reader(content)
	if !readVec(&s, &data) || !readVec(&s, &sig) || !s.Empty() {
		return nil, malformed("application content")
	}
	tbs, err := applicationTBS(header, data)
	if err != nil {
		return nil, err
	}
	if err := verifyWithLabel(sender.SignatureKey, labelAppContentTBS, tbs, sig); err != nil {
		return nil, err
	}

	if ms.Chains[pm.Sender], err = chain.next(); err != nil {
		return nil, err
	}
	if err := gs.write(kvstore.LabelMessageSecrets, ms); err != nil {
		return nil, err
	}
	return &ProcessedMessage{
		GroupID:     pm.GroupID,
		Epoch:       pm.Epoch,
		Sender:      pm.Sender,
		Kind:        KindApplication,
		Application: data,
	}, nil
}
