package mls

import (
	"fmt"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

const (
	labelLeafNodeTBS   = "LeafNodeTBS"
	labelKeyPackageTBS = "KeyPackageTBS"
	labelContentTBS    = "FramedContentTBS"
	labelGroupInfoTBS  = "GroupInfoTBS"
	labelAppContentTBS = "ApplicationContentTBS"
)

type signer interface {
	Sign(payload []byte) ([]byte, error)
	SignatureScheme() crypto.SignatureScheme
}

func labeledContent(label string, tbs []byte) ([]byte, error) {
	return encode(func(b *builder) {
		addVec(b, []byte("dmls "+label))
		addVec(b, tbs)
	})
}

func signWithLabel(p signer, label string, tbs []byte) ([]byte, error) {
	msg, err := labeledContent(label, tbs)
	if err != nil {
		return nil, err
	}
	return p.Sign(msg)
}

func verifyWithLabel(pub []byte, label string, tbs, sig []byte) error {
	msg, err := labeledContent(label, tbs)
	if err != nil {
		return err
	}
	if !crypto.Verify(crypto.Ed25519, pub, msg, sig) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, label)
	}
	return nil
}

func (l *LeafNode) sign(p signer) error {
	tbs, err := encode(l.marshalTBS)
	if err != nil {
		return err
	}
	l.Signature, err = signWithLabel(p, labelLeafNodeTBS, tbs)
	return err
}

func (l *LeafNode) verify() error {
	tbs, err := encode(l.marshalTBS)
	if err != nil {
		return err
	}
	return verifyWithLabel(l.SignatureKey, labelLeafNodeTBS, tbs, l.Signature)
}

func newLeafNode(p signer, encryptionKey []byte, cred CredentialWithKey) (*LeafNode, error) {
	l := &LeafNode{
		EncryptionKey: encryptionKey,
		SignatureKey:  cred.SignatureKey,
		Credential:    cred.Credential,
	}
	if err := l.sign(p); err != nil {
		return nil, fmt.Errorf("sign leaf node: %w", err)
	}
	return l, nil
}

// Ref returns the hash that identifies kp inside a Welcome.
func (kp *KeyPackage) Ref() ([]byte, error) {
	b, err := encode(kp.marshal)
	if err != nil {
		return nil, err
	}
	return crypto.Hash([]byte("dmls key package ref"), b), nil
}

// NewKeyPackage creates a key package for cred and stores its private
// material so a later Welcome addressed to it can be opened.
func NewKeyPackage(p Provider, cs Ciphersuite, cred CredentialWithKey) (*KeyPackage, error) {
	if err := cs.check(); err != nil {
		return nil, err
	}
	if err := checkSigner(p, cs); err != nil {
		return nil, err
	}
	initKey, err := crypto.GenerateX25519(p.Rand())
	if err != nil {
		return nil, fmt.Errorf("generate init key: %w", err)
	}
	leafKey, err := crypto.GenerateX25519(p.Rand())
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	leaf, err := newLeafNode(p, leafKey.Public, cred)
	if err != nil {
		return nil, err
	}

	kp := &KeyPackage{
		Version:     ProtocolVersion,
		Ciphersuite: cs,
		InitKey:     initKey.Public,
		LeafNode:    *leaf,
	}
	tbs, err := encode(kp.marshalTBS)
	if err != nil {
		return nil, err
	}
	if kp.Signature, err = signWithLabel(p, labelKeyPackageTBS, tbs); err != nil {
		return nil, fmt.Errorf("sign key package: %w", err)
	}

	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}
	k, err := keyPackageKey(ref)
	if err != nil {
		return nil, err
	}
	if err := kvstore.WriteJSON(p.Storage(), k, keyPackageBundle{KeyPackage: *kp, InitKey: initKey}); err != nil {
		return nil, err
	}
	if err := writeEncryptionKeyPair(p.Storage(), leafKey); err != nil {
		return nil, err
	}
	return kp, nil
}

// ValidateKeyPackage checks the version, suite, key sizes and both
// signatures of kp.
func ValidateKeyPackage(kp *KeyPackage) error {
	if kp.Version != ProtocolVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidKeyPackage, kp.Version)
	}
	if err := kp.Ciphersuite.check(); err != nil {
		return err
	}
	if len(kp.InitKey) != 32 || len(kp.LeafNode.EncryptionKey) != 32 {
		return fmt.Errorf("%w: bad key length", ErrInvalidKeyPackage)
	}
	if len(kp.LeafNode.SignatureKey) != 32 {
		return fmt.Errorf("%w: bad signature key length", ErrInvalidKeyPackage)
	}
	if err := kp.LeafNode.verify(); err != nil {
		return err
	}
	tbs, err := encode(kp.marshalTBS)
	if err != nil {
		return err
	}
	return verifyWithLabel(kp.LeafNode.SignatureKey, labelKeyPackageTBS, tbs, kp.Signature)
}

func loadKeyPackageBundle(st *kvstore.Store, ref []byte) (keyPackageBundle, bool, error) {
	k, err := keyPackageKey(ref)
	if err != nil {
		return keyPackageBundle{}, false, err
	}
	return kvstore.ReadJSON[keyPackageBundle](st, k)
}

func deleteKeyPackageBundle(st *kvstore.Store, ref []byte) error {
	k, err := keyPackageKey(ref)
	if err != nil {
		return err
	}
	st.Delete(k)
	return nil
}
