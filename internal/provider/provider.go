// Package provider binds a session to the group engine: its store, its signer
// and a randomness source.
package provider

import (
	"crypto/rand"
	"io"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
	"dmls/internal/protocol/mls"
	"dmls/internal/state"
)

// identityLen is how many bytes of the signature public key name a member.
const identityLen = 8

// Provider implements mls.Provider over a state.Session.
type Provider struct {
	session *state.Session
	rand    io.Reader
}

var _ mls.Provider = (*Provider)(nil)

// New wraps s. A nil r means crypto/rand.
func New(s *state.Session, r io.Reader) *Provider {
	if r == nil {
		r = rand.Reader
	}
	return &Provider{session: s, rand: r}
}

func (p *Provider) Storage() *kvstore.Store { return p.session.Values() }

func (p *Provider) Rand() io.Reader { return p.rand }

func (p *Provider) Sign(payload []byte) ([]byte, error) {
	return p.session.SignatureKeyPair().Sign(payload)
}

func (p *Provider) SignatureScheme() crypto.SignatureScheme {
	return p.session.SignatureKeyPair().Scheme
}

// SignaturePublicKey is the public half of the session's signing key.
func (p *Provider) SignaturePublicKey() []byte {
	return p.session.SignatureKeyPair().Public
}

// Credential names the local member by a prefix of its signature key.
func (p *Provider) Credential() mls.CredentialWithKey {
	pub := p.SignaturePublicKey()
	n := min(identityLen, len(pub))
	return mls.CredentialWithKey{
		Credential:   mls.Credential{Identity: append([]byte{}, pub[:n]...)},
		SignatureKey: append([]byte{}, pub...),
	}
}

// Session returns the wrapped session.
func (p *Provider) Session() *state.Session { return p.session }
