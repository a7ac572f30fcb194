package mls

import (
	"fmt"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

type groupStatus string

const (
	statusOperational   groupStatus = "operational"
	statusPendingCommit groupStatus = "pending_commit"
	statusInactive      groupStatus = "inactive"
)

type groupState struct {
	Status  groupStatus   `json:"status"`
	Pending *StagedCommit `json:"pending_commit,omitempty"`
}

// JoinConfig holds the per-group knobs persisted alongside group state.
type JoinConfig struct {
	// MaxForwardDistance bounds how many generations a receiver ratchets
	// ahead to reach an incoming application message.
	MaxForwardDistance uint32 `json:"max_forward_distance"`
	// ResumptionPskRetention is how many past epochs' resumption secrets
	// are kept.
	ResumptionPskRetention int `json:"resumption_psk_retention"`
}

// DefaultJoinConfig returns the configuration used when none is given.
func DefaultJoinConfig() JoinConfig {
	return JoinConfig{MaxForwardDistance: 1000, ResumptionPskRetention: 4}
}

type keyPackageBundle struct {
	KeyPackage KeyPackage           `json:"key_package"`
	InitKey    crypto.X25519KeyPair `json:"init_key"`
}

type resumptionPsk struct {
	Epoch  uint64 `json:"epoch"`
	Secret []byte `json:"secret"`
}

type signatureKeyRecord struct {
	Public []byte                 `json:"public"`
	Scheme crypto.SignatureScheme `json:"signature_scheme"`
}

// groupStore addresses the entities of one group.
type groupStore struct {
	st *kvstore.Store
	id []byte
}

func (gs groupStore) key(label []byte, extra ...any) (kvstore.Key, error) {
	return kvstore.KeyFor(label, append([]any{gs.id}, extra...)...)
}

func (gs groupStore) write(label []byte, v any, extra ...any) error {
	k, err := gs.key(label, extra...)
	if err != nil {
		return err
	}
	return kvstore.WriteJSON(gs.st, k, v)
}

func (gs groupStore) delete(label []byte, extra ...any) error {
	k, err := gs.key(label, extra...)
	if err != nil {
		return err
	}
	gs.st.Delete(k)
	return nil
}

func readGroup[T any](gs groupStore, label []byte, extra ...any) (T, bool, error) {
	k, err := gs.key(label, extra...)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return kvstore.ReadJSON[T](gs.st, k)
}

// mustReadGroup treats an absent entity as corrupt state.
func mustReadGroup[T any](gs groupStore, label []byte, extra ...any) (T, error) {
	v, ok, err := readGroup[T](gs, label, extra...)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, &kvstore.SerializationError{Op: "load group", Err: fmt.Errorf("missing %s", label)}
	}
	return v, nil
}

func (gs groupStore) epochKeyPairs(epoch uint64, leaf uint32) ([]crypto.X25519KeyPair, error) {
	v, _, err := readGroup[[]crypto.X25519KeyPair](gs, kvstore.LabelEpochKeyPairs, epoch, leaf)
	return v, err
}

func (gs groupStore) queuedProposals() ([]QueuedProposal, error) {
	k, err := gs.key(kvstore.LabelProposalQueueRefs)
	if err != nil {
		return nil, err
	}
	refs, err := kvstore.ReadListJSON[[]byte](gs.st, k)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedProposal, 0, len(refs))
	for _, ref := range refs {
		qp, ok, err := readGroup[QueuedProposal](gs, kvstore.LabelQueuedProposal, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, qp)
		}
	}
	return out, nil
}

func (gs groupStore) queueProposal(qp QueuedProposal) error {
	if err := gs.write(kvstore.LabelQueuedProposal, qp, qp.Ref); err != nil {
		return err
	}
	k, err := gs.key(kvstore.LabelProposalQueueRefs)
	if err != nil {
		return err
	}
	return kvstore.AppendJSON(gs.st, k, qp.Ref)
}

func (gs groupStore) clearProposals() error {
	k, err := gs.key(kvstore.LabelProposalQueueRefs)
	if err != nil {
		return err
	}
	refs, err := kvstore.ReadListJSON[[]byte](gs.st, k)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := gs.delete(kvstore.LabelQueuedProposal, ref); err != nil {
			return err
		}
		if err := kvstore.RemoveJSON(gs.st, k, ref); err != nil {
			return err
		}
	}
	gs.st.Delete(k)
	return nil
}

func (gs groupStore) appendOwnLeafNode(l LeafNode) error {
	k, err := gs.key(kvstore.LabelOwnLeafNodes)
	if err != nil {
		return err
	}
	return kvstore.AppendJSON(gs.st, k, l)
}

func (gs groupStore) rememberResumptionPsk(epoch uint64, secret []byte, keep int) error {
	entries, _, err := readGroup[[]resumptionPsk](gs, kvstore.LabelResumptionPsk)
	if err != nil {
		return err
	}
	entries = append(entries, resumptionPsk{Epoch: epoch, Secret: secret})
	if keep > 0 && len(entries) > keep {
		entries = entries[len(entries)-keep:]
	}
	return gs.write(kvstore.LabelResumptionPsk, entries)
}

func encryptionKeyPairKey(pub []byte) (kvstore.Key, error) {
	return kvstore.KeyFor(kvstore.LabelEncryptionKeyPair, pub)
}

func writeEncryptionKeyPair(st *kvstore.Store, kp crypto.X25519KeyPair) error {
	k, err := encryptionKeyPairKey(kp.Public)
	if err != nil {
		return err
	}
	return kvstore.WriteJSON(st, k, kp)
}

func readEncryptionKeyPair(st *kvstore.Store, pub []byte) (crypto.X25519KeyPair, error) {
	k, err := encryptionKeyPairKey(pub)
	if err != nil {
		return crypto.X25519KeyPair{}, err
	}
	kp, ok, err := kvstore.ReadJSON[crypto.X25519KeyPair](st, k)
	if err != nil {
		return kp, err
	}
	if !ok {
		return kp, ErrMissingKeyPair
	}
	return kp, nil
}

func deleteEncryptionKeyPair(st *kvstore.Store, pub []byte) error {
	k, err := encryptionKeyPairKey(pub)
	if err != nil {
		return err
	}
	st.Delete(k)
	return nil
}

func keyPackageKey(ref []byte) (kvstore.Key, error) {
	return kvstore.KeyFor(kvstore.LabelKeyPackage, ref)
}

// StoreSignatureKey records the public half of a signature key pair so the
// engine can check which scheme a credential key belongs to.
func StoreSignatureKey(st *kvstore.Store, pub []byte, scheme crypto.SignatureScheme) error {
	k, err := kvstore.KeyFor(kvstore.LabelSignatureKeyPair, pub)
	if err != nil {
		return err
	}
	return kvstore.WriteJSON(st, k, signatureKeyRecord{Public: pub, Scheme: scheme})
}

// LookupSignatureScheme returns the scheme recorded for pub.
func LookupSignatureScheme(st *kvstore.Store, pub []byte) (crypto.SignatureScheme, bool, error) {
	k, err := kvstore.KeyFor(kvstore.LabelSignatureKeyPair, pub)
	if err != nil {
		return 0, false, err
	}
	rec, ok, err := kvstore.ReadJSON[signatureKeyRecord](st, k)
	return rec.Scheme, ok, err
}

// checkSigner verifies that p signs with the scheme cs requires, both as
// reported and as registered by StoreSignatureKey. An unregistered key is
// judged by the provider alone.
func checkSigner(p Provider, cs Ciphersuite) error {
	want := cs.SignatureScheme()
	if got := p.SignatureScheme(); got != want {
		return fmt.Errorf("%w: signer uses %s, suite needs %s", ErrUnsupportedCiphersuite, got, want)
	}
	scheme, found, err := LookupSignatureScheme(p.Storage(), p.SignaturePublicKey())
	if err != nil {
		return err
	}
	if found && scheme != want {
		return fmt.Errorf("%w: signature key registered for %s, suite needs %s", ErrUnsupportedCiphersuite, scheme, want)
	}
	return nil
}
