package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// KDF names the passphrase key derivation used for encrypted state.
type KDF string

const (
	// KDFScrypt is the version 1 envelope.
	KDFScrypt KDF = "scrypt"
	// KDFArgon2id is the default for new envelopes (version 2).
	KDFArgon2id KDF = "argon2id"
)

const (
	envelopeScrypt   = 1
	envelopeArgon2id = 2

	saltSize = 16
)

// ErrWrongPassphrase is returned when the passphrase is incorrect or the
// ciphertext has been modified.
var ErrWrongPassphrase = errors.New("store: wrong passphrase or corrupted state")

// ErrPassphraseRequired is returned when an encrypted state is loaded
// without a passphrase.
var ErrPassphraseRequired = errors.New("store: state is encrypted, passphrase required")

// ParseKDF maps a config value onto a KDF; empty selects argon2id.
func ParseKDF(s string) (KDF, error) {
	switch KDF(strings.ToLower(strings.TrimSpace(s))) {
	case "", KDFArgon2id:
		return KDFArgon2id, nil
	case KDFScrypt:
		return KDFScrypt, nil
	default:
		return "", fmt.Errorf("store: unknown passphrase kdf %q", s)
	}
}

// envelope is the on-disk JSON structure holding the ciphertext and KDF
// parameters. Version 1 fills the scrypt fields, version 2 the argon2 ones.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N,omitempty"`
	R      int    `json:"scrypt_r,omitempty"`
	P      int    `json:"scrypt_p,omitempty"`
	Time   uint32 `json:"argon2_t,omitempty"`
	Memory uint32 `json:"argon2_m,omitempty"`
	Lanes  uint8  `json:"argon2_p,omitempty"`
	Cipher []byte `json:"cipher"`
}

// Tunables for key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

func argon2ParamsDefault() (t, m uint32, p uint8) { return 1, 64 * 1024, 4 }

func (e *envelope) key(passphrase string) ([]byte, error) {
	switch e.V {
	case envelopeScrypt:
		return scrypt.Key([]byte(passphrase), e.Salt, e.N, e.R, e.P, chacha20poly1305.KeySize)
	case envelopeArgon2id:
		if e.Time == 0 || e.Memory == 0 || e.Lanes == 0 {
			return nil, errors.New("store: invalid argon2id parameters")
		}
		return argon2.IDKey([]byte(passphrase), e.Salt, e.Time, e.Memory, e.Lanes, chacha20poly1305.KeySize), nil
	default:
		return nil, fmt.Errorf("store: unsupported envelope version %d", e.V)
	}
}

// seal derives a key from passphrase and encrypts raw into an envelope.
func seal(r io.Reader, kdf KDF, passphrase string, raw []byte) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	e := envelope{Salt: make([]byte, saltSize)}
	if _, err := io.ReadFull(r, e.Salt); err != nil {
		return nil, err
	}
	switch kdf {
	case KDFScrypt:
		e.V = envelopeScrypt
		e.N, e.R, e.P = scryptParamsDefault()
	case KDFArgon2id, "":
		e.V = envelopeArgon2id
		e.Time, e.Memory, e.Lanes = argon2ParamsDefault()
	default:
		return nil, fmt.Errorf("store: unknown passphrase kdf %q", kdf)
	}

	key, err := e.key(passphrase)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce; the salt makes every key fresh
	e.Cipher = aead.Seal(nil, nonce[:], raw, e.Salt)
	return json.MarshalIndent(e, "", "  ")
}

// open decrypts an envelope produced by seal.
func open(passphrase string, b []byte) ([]byte, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	key, err := e.key(passphrase)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], e.Cipher, e.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

// isEnvelope reports whether b looks like an encrypted state rather than a
// plain session record.
func isEnvelope(b []byte) bool {
	var probe struct {
		V      int    `json:"v"`
		Cipher []byte `json:"cipher"`
	}
	if json.Unmarshal(b, &probe) != nil {
		return false
	}
	return probe.V > 0 && len(probe.Cipher) > 0
}
