package mls

import (
	"io"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

// Provider supplies storage, randomness and the local signer to the engine.
type Provider interface {
	Storage() *kvstore.Store
	Rand() io.Reader
	Sign(payload []byte) ([]byte, error)
	SignatureScheme() crypto.SignatureScheme
}
