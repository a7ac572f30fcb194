package store

import "io"

// Option configures a repository.
type Option func(*codec)

// WithPassphrase seals saved state under passphrase using kdf. Loading
// plain state still works; loading sealed state needs the passphrase.
func WithPassphrase(passphrase string, kdf KDF) Option {
	return func(c *codec) {
		c.passphrase = passphrase
		c.kdf = kdf
	}
}

// WithRand overrides the salt source.
func WithRand(r io.Reader) Option {
	return func(c *codec) { c.rand = r }
}

func newCodec(opts []Option) codec {
	var c codec
	for _, o := range opts {
		o(&c)
	}
	return c
}
