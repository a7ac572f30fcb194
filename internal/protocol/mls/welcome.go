package mls

import (
	"bytes"
	"fmt"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

func (g *Group) buildWelcome(p Provider, sc *StagedCommit, joiner, member []byte, fx *proposalEffects) (*Message, error) {
	gi := groupInfo{
		Context:         sc.Context,
		Tree:            sc.Tree,
		ConfirmationTag: sc.ConfirmationTag,
		Signer:          g.ownIndex,
	}
	tbs, err := encode(gi.marshalTBS)
	if err != nil {
		return nil, err
	}
	if gi.Signature, err = signWithLabel(p, labelGroupInfoTBS, tbs); err != nil {
		return nil, fmt.Errorf("sign group info: %w", err)
	}
	giBytes, err := encode(gi.marshal)
	if err != nil {
		return nil, err
	}
	key, nonce, err := welcomeKeys(member)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)
	encGroupInfo, err := crypto.AEADSeal(key, nonce, nil, giBytes)
	if err != nil {
		return nil, err
	}

	secrets := groupSecrets{JoinerSecret: joiner, Psks: fx.psks}
	secretBytes, err := encode(secrets.marshal)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(secretBytes)

	w := &Welcome{Ciphersuite: g.ctx.Ciphersuite, EncryptedGroupInfo: encGroupInfo}
	for _, a := range fx.added {
		ref, err := a.kp.Ref()
		if err != nil {
			return nil, err
		}
		kem, ct, err := crypto.Seal(p.Rand(), a.kp.InitKey, encGroupInfo, nil, secretBytes)
		if err != nil {
			return nil, fmt.Errorf("seal group secrets: %w", err)
		}
		w.Secrets = append(w.Secrets, EncryptedGroupSecrets{NewMember: ref, KEMOutput: kem, Ciphertext: ct})
	}
	return &Message{Version: ProtocolVersion, WireFormat: WireFormatWelcome, Welcome: w}, nil
}

// JoinFromWelcome joins the group a Welcome describes, using a key package
// created earlier with NewKeyPackage on the same storage. Nothing is written
// unless every check passes.
func JoinFromWelcome(p Provider, cfg JoinConfig, w *Welcome) (*Group, error) {
	if err := w.Ciphersuite.check(); err != nil {
		return nil, err
	}
	if cfg == (JoinConfig{}) {
		cfg = DefaultJoinConfig()
	}
	st := p.Storage()

	var (
		bundle keyPackageBundle
		entry  *EncryptedGroupSecrets
	)
	for i := range w.Secrets {
		b, ok, err := loadKeyPackageBundle(st, w.Secrets[i].NewMember)
		if err != nil {
			return nil, err
		}
		if ok {
			bundle, entry = b, &w.Secrets[i]
			break
		}
	}
	if entry == nil {
		return nil, ErrNoMatchingKeyPackage
	}

	secretBytes, err := crypto.Open(bundle.InitKey, entry.KEMOutput, w.EncryptedGroupInfo, nil, entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open group secrets: %w", err)
	}
	defer crypto.Wipe(secretBytes)
	var secrets groupSecrets
	s := reader(secretBytes)
	if !secrets.unmarshal(&s) || !s.Empty() {
		return nil, malformed("group secrets")
	}

	psks, err := loadPsks(st, secrets.Psks)
	if err != nil {
		return nil, err
	}
	psk, err := pskSecret(psks)
	if err != nil {
		return nil, err
	}
	member := memberSecret(secrets.JoinerSecret, psk)
	key, nonce, err := welcomeKeys(member)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)
	giBytes, err := crypto.AEADOpen(key, nonce, nil, w.EncryptedGroupInfo)
	if err != nil {
		return nil, fmt.Errorf("open group info: %w", err)
	}
	var gi groupInfo
	s = reader(giBytes)
	if !gi.unmarshal(&s) || !s.Empty() {
		return nil, malformed("group info")
	}
	if gi.Context.Ciphersuite != w.Ciphersuite {
		return nil, fmt.Errorf("%w: group info uses %s", ErrUnsupportedCiphersuite, gi.Context.Ciphersuite)
	}

	treeHash, err := gi.Tree.hash()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(treeHash, gi.Context.TreeHash) {
		return nil, ErrTreeHashMismatch
	}
	for _, l := range gi.Tree {
		if l == nil {
			continue
		}
		if err := l.verify(); err != nil {
			return nil, err
		}
	}
	signer, ok := gi.Tree.leaf(gi.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: group info signer %d", ErrUnknownMember, gi.Signer)
	}
	tbs, err := encode(gi.marshalTBS)
	if err != nil {
		return nil, err
	}
	if err := verifyWithLabel(signer.SignatureKey, labelGroupInfoTBS, tbs, gi.Signature); err != nil {
		return nil, err
	}

	keys, err := deriveEpochSecrets(member, gi.Context)
	if err != nil {
		return nil, err
	}
	if err := verifyConfirmation(keys.ConfirmationKey, gi.Context.ConfirmedTranscriptHash, gi.ConfirmationTag); err != nil {
		return nil, err
	}

	ownIndex := -1
	for i, l := range gi.Tree {
		if l != nil && bytes.Equal(l.EncryptionKey, bundle.KeyPackage.LeafNode.EncryptionKey) {
			ownIndex = i
			break
		}
	}
	if ownIndex < 0 {
		return nil, fmt.Errorf("%w: own leaf not in tree", ErrNoMatchingKeyPackage)
	}
	leafKey, err := readEncryptionKeyPair(st, bundle.KeyPackage.LeafNode.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if _, found, err := LoadGroup(st, gi.Context.GroupID); err != nil {
		return nil, err
	} else if found {
		return nil, ErrGroupExists
	}

	g := &Group{
		ctx:      gi.Context,
		tree:     gi.Tree,
		ownIndex: uint32(ownIndex),
		secrets:  keys,
		interim:  interimTranscriptHash(gi.Context.ConfirmedTranscriptHash, gi.ConfirmationTag),
		tag:      gi.ConfirmationTag,
		config:   cfg,
		state:    groupState{Status: statusOperational},
	}
	gs := g.store(st)
	if err := gs.write(kvstore.LabelEpochKeyPairs, []crypto.X25519KeyPair{leafKey}, g.ctx.Epoch, g.ownIndex); err != nil {
		return nil, err
	}
	if err := g.save(st); err != nil {
		return nil, err
	}
	if err := gs.rememberResumptionPsk(g.ctx.Epoch, keys.ResumptionPsk, cfg.ResumptionPskRetention); err != nil {
		return nil, err
	}
	ref, err := bundle.KeyPackage.Ref()
	if err != nil {
		return nil, err
	}
	if err := deleteKeyPackageBundle(st, ref); err != nil {
		return nil, err
	}
	if err := deleteEncryptionKeyPair(st, leafKey.Public); err != nil {
		return nil, err
	}
	return g, nil
}
