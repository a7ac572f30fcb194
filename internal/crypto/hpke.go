package crypto

import (
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrOpen = errors.New("hpke: message authentication failed")

// Seal encrypts plaintext to recipientPub. It generates an ephemeral X25519
// key, derives an AEAD key and nonce from the shared secret, and returns the
// ephemeral public key (kemOutput) with the ciphertext.
func Seal(rand io.Reader, recipientPub, info, aad, plaintext []byte) (kemOutput, ciphertext []byte, err error) {
	eph, err := GenerateX25519(rand)
	if err != nil {
		return nil, nil, err
	}
	defer Wipe(eph.Private)

	shared, err := DH(eph.Private, recipientPub)
	if err != nil {
		return nil, nil, err
	}
	defer Wipe(shared)

	key, nonce, err := sealKeys(shared, eph.Public, recipientPub, info)
	if err != nil {
		return nil, nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	return eph.Public, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open reverses Seal with the recipient's private key.
func Open(recipient X25519KeyPair, kemOutput, info, aad, ciphertext []byte) ([]byte, error) {
	shared, err := DH(recipient.Private, kemOutput)
	if err != nil {
		return nil, err
	}
	defer Wipe(shared)

	key, nonce, err := sealKeys(shared, kemOutput, recipient.Public, info)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

func sealKeys(shared, kemOutput, recipientPub, info []byte) (key, nonce []byte, err error) {
	prk := Extract(append(append([]byte{}, kemOutput...), recipientPub...), shared)
	defer Wipe(prk)
	if key, err = ExpandWithLabel(prk, "hpke key", info, chacha20poly1305.KeySize); err != nil {
		return nil, nil, err
	}
	if nonce, err = ExpandWithLabel(prk, "hpke nonce", info, chacha20poly1305.NonceSize); err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

// AEADSeal encrypts with ChaCha20-Poly1305 under an explicit key and nonce.
func AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts a ciphertext produced by AEADSeal.
func AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}
