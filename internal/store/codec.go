package store

import (
	"encoding/json"
	"fmt"
	"io"

	"dmls/internal/crypto"
	"dmls/internal/state"
)

// codec turns a session into its stored bytes and back, sealing it under
// a passphrase when one is configured.
type codec struct {
	passphrase string
	kdf        KDF
	rand       io.Reader
}

func (c codec) encode(s *state.Session) ([]byte, error) {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if c.passphrase == "" {
		return raw, nil
	}
	defer crypto.Wipe(raw)
	return seal(c.rand, c.kdf, c.passphrase, raw)
}

func (c codec) decode(b []byte) (*state.Session, error) {
	if isEnvelope(b) {
		if c.passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		raw, err := open(c.passphrase, b)
		if err != nil {
			return nil, err
		}
		defer crypto.Wipe(raw)
		b = raw
	}
	s := new(state.Session)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}
