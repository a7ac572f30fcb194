package mls

import (
	"fmt"
	"io"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

// PskType distinguishes where a pre-shared key comes from.
type PskType uint8

// PskExternal keys are injected by the application.
const PskExternal PskType = 1

// PreSharedKeyID names a pre-shared key inside a proposal. The nonce makes
// each use of the same key distinct on the wire.
type PreSharedKeyID struct {
	Type  PskType `json:"type"`
	ID    []byte  `json:"id"`
	Nonce []byte  `json:"nonce"`
}

// NewExternalPskID returns an external PSK id for id with a fresh nonce.
func NewExternalPskID(rand io.Reader, id []byte) (PreSharedKeyID, error) {
	nonce := make([]byte, crypto.HashSize)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return PreSharedKeyID{}, err
	}
	return PreSharedKeyID{Type: PskExternal, ID: append([]byte{}, id...), Nonce: nonce}, nil
}

type pskBundle struct {
	Secret []byte `json:"secret"`
}

func pskKey(id []byte) (kvstore.Key, error) {
	return kvstore.KeyFor(kvstore.LabelPsk, id)
}

// Store saves secret under the id. The nonce is not part of the key, so
// storing again for the same id overwrites.
func (p PreSharedKeyID) Store(st *kvstore.Store, secret []byte) error {
	k, err := pskKey(p.ID)
	if err != nil {
		return err
	}
	return kvstore.WriteJSON(st, k, pskBundle{Secret: secret})
}

// LoadPsk returns the secret stored for id.
func LoadPsk(st *kvstore.Store, id PreSharedKeyID) ([]byte, error) {
	k, err := pskKey(id.ID)
	if err != nil {
		return nil, err
	}
	b, ok, err := kvstore.ReadJSON[pskBundle](st, k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingPsk, crypto.B64(id.ID))
	}
	return b.Secret, nil
}

type pskInput struct {
	id     PreSharedKeyID
	secret []byte
}

// pskSecret folds every PSK into one secret, in proposal order.
func pskSecret(psks []pskInput) ([]byte, error) {
	zero := make([]byte, crypto.HashSize)
	secret := zero
	for i, p := range psks {
		label, err := encode(func(b *builder) {
			p.id.marshal(b)
			b.AddUint16(uint16(i))
			b.AddUint16(uint16(len(psks)))
		})
		if err != nil {
			return nil, err
		}
		extracted := crypto.Extract(zero, p.secret)
		input, err := crypto.ExpandWithLabel(extracted, "derived psk", label, crypto.HashSize)
		if err != nil {
			return nil, err
		}
		secret = crypto.Extract(input, secret)
	}
	return secret, nil
}

func loadPsks(st *kvstore.Store, ids []PreSharedKeyID) ([]pskInput, error) {
	out := make([]pskInput, 0, len(ids))
	for _, id := range ids {
		secret, err := LoadPsk(st, id)
		if err != nil {
			return nil, err
		}
		out = append(out, pskInput{id: id, secret: secret})
	}
	return out, nil
}
