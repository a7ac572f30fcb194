package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SignatureScheme identifies a signature algorithm by its registry code point.
type SignatureScheme uint16

// Ed25519 is the only scheme this module signs with.
const Ed25519 SignatureScheme = 0x0807

var ErrUnknownSignatureScheme = errors.New("unknown signature scheme")

func (s SignatureScheme) String() string {
	switch s {
	case Ed25519:
		return "Ed25519"
	default:
		return fmt.Sprintf("SignatureScheme(0x%04x)", uint16(s))
	}
}

// ParseSignatureScheme maps a scheme name (case-insensitive) to its code point.
func ParseSignatureScheme(name string) (SignatureScheme, error) {
	switch strings.ToLower(name) {
	case "ed25519":
		return Ed25519, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSignatureScheme, name)
	}
}

func (s SignatureScheme) MarshalText() ([]byte, error) {
	if s != Ed25519 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignatureScheme, s)
	}
	return []byte(s.String()), nil
}

func (s *SignatureScheme) UnmarshalText(b []byte) error {
	v, err := ParseSignatureScheme(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SignatureKeyPair is a participant's long-term signing identity.
type SignatureKeyPair struct {
	Private []byte          `json:"private"`
	Public  []byte          `json:"public"`
	Scheme  SignatureScheme `json:"signature_scheme"`
}

// GenerateSignatureKeyPair returns a fresh key pair for scheme.
func GenerateSignatureKeyPair(rand io.Reader, scheme SignatureScheme) (SignatureKeyPair, error) {
	if scheme != Ed25519 {
		return SignatureKeyPair{}, fmt.Errorf("%w: %s", ErrUnknownSignatureScheme, scheme)
	}
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return SignatureKeyPair{}, err
	}
	return SignatureKeyPair{Private: priv, Public: pub, Scheme: scheme}, nil
}

// Sign signs msg with the private key.
func (kp SignatureKeyPair) Sign(msg []byte) ([]byte, error) {
	if kp.Scheme != Ed25519 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignatureScheme, kp.Scheme)
	}
	if len(kp.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key length")
	}
	return ed25519.Sign(ed25519.PrivateKey(kp.Private), msg), nil
}

// Verify checks sig over msg with pub under scheme.
func Verify(scheme SignatureScheme, pub, msg, sig []byte) bool {
	if scheme != Ed25519 || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
