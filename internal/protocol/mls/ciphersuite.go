package mls

import (
	"fmt"
	"strconv"
	"strings"

	"dmls/internal/crypto"
)

// Ciphersuite is an MLS cipher suite code point.
type Ciphersuite uint16

// X25519ChaCha20SHA256Ed25519 is the only suite this engine implements:
// DHKEM(X25519), ChaCha20-Poly1305, SHA-256 and Ed25519.
const X25519ChaCha20SHA256Ed25519 Ciphersuite = 0x0003

const suiteName = "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519"

func (c Ciphersuite) String() string {
	if c == X25519ChaCha20SHA256Ed25519 {
		return suiteName
	}
	return fmt.Sprintf("Ciphersuite(0x%04x)", uint16(c))
}

// SignatureScheme returns the scheme members of a group with this suite sign with.
func (c Ciphersuite) SignatureScheme() crypto.SignatureScheme { return crypto.Ed25519 }

func (c Ciphersuite) check() error {
	if c != X25519ChaCha20SHA256Ed25519 {
		return fmt.Errorf("%w: %s", ErrUnsupportedCiphersuite, c)
	}
	return nil
}

// ParseCiphersuite accepts the registry name or the numeric code point
// ("3", "0x0003").
func ParseCiphersuite(s string) (Ciphersuite, error) {
	if strings.EqualFold(s, suiteName) {
		return X25519ChaCha20SHA256Ed25519, nil
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCiphersuite, s)
	}
	c := Ciphersuite(n)
	if err := c.check(); err != nil {
		return 0, err
	}
	return c, nil
}
