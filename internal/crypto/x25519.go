package crypto

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair is an HPKE key pair used for leaf and init keys.
type X25519KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519(rand io.Reader) (X25519KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, priv); err != nil {
		return X25519KeyPair{}, err
	}
	clamp(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, err
	}
	return X25519KeyPair{Private: priv, Public: pub}, nil
}

// DH computes X25519 Diffie–Hellman.
func DH(priv, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv, pub)
}

func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
