package identity

import (
	"crypto/rand"
	"io"

	"go.uber.org/zap"

	"dmls/internal/crypto"
	"dmls/internal/domain"
	"dmls/internal/protocol/mls"
	"dmls/internal/state"
)

// Service generates signing identities.
type Service struct {
	rand io.Reader
	log  *zap.Logger
}

// New returns an identity service. A nil r means crypto/rand; a nil logger
// discards output.
func New(r io.Reader, log *zap.Logger) *Service {
	if r == nil {
		r = rand.Reader
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{rand: r, log: log}
}

// GenerateState creates a session signed by a fresh key pair for the named
// scheme. Unknown scheme names fall back to Ed25519 with a warning.
func (s *Service) GenerateState(scheme string) (*state.Session, domain.Fingerprint, error) {
	sch, err := crypto.ParseSignatureScheme(scheme)
	if err != nil {
		s.log.Warn("invalid signature scheme; using Ed25519", zap.String("requested", scheme))
		sch = crypto.Ed25519
	}
	kp, err := crypto.GenerateSignatureKeyPair(s.rand, sch)
	if err != nil {
		return nil, "", err
	}
	sess := state.New(kp)
	if err := mls.StoreSignatureKey(sess.Values(), kp.Public, kp.Scheme); err != nil {
		return nil, "", err
	}
	fp := Fingerprint(sess)
	s.log.Info("generated state", zap.Stringer("fingerprint", fp), zap.Stringer("scheme", sch))
	return sess, fp, nil
}

// Fingerprint returns a short fingerprint of the session's signature key.
func Fingerprint(sess *state.Session) domain.Fingerprint {
	return domain.Fingerprint(crypto.Fingerprint(sess.SignatureKeyPair().Public))
}

// Compile-time assertion that Service implements domain.IdentityService.
var _ domain.IdentityService = (*Service)(nil)
