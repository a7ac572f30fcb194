package mls_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmls/internal/protocol/mls"
)

func reencode(t *testing.T, m *mls.Message) {
	t.Helper()
	raw, err := m.Encode()
	require.NoError(t, err)
	again, err := wire(t, m).Encode()
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestCodec_StableEncoding(t *testing.T) {
	alice, bob := newMember(t), newMember(t)
	g := newGroup(t, alice, "g1")

	kp, err := mls.NewKeyPackage(bob, suite, bob.Credential())
	require.NoError(t, err)
	reencode(t, &mls.Message{Version: mls.ProtocolVersion, WireFormat: mls.WireFormatKeyPackage, KeyPackage: kp})

	bundle, err := g.AddMembers(alice, []*mls.KeyPackage{kp})
	require.NoError(t, err)
	reencode(t, bundle.Commit)
	reencode(t, bundle.Welcome)
	require.NoError(t, g.MergePendingCommit(alice))

	update, err := g.RemoveMembers(alice, []uint32{1})
	require.NoError(t, err)
	reencode(t, update.Commit)
	require.NotNil(t, wire(t, update.Commit).Public.Commit.Path)

	app, err := g.CreateMessage(alice, []byte("payload"))
	require.NoError(t, err)
	reencode(t, app)
	id, ok := wire(t, app).GroupID()
	require.True(t, ok)
	assert.Equal(t, []byte("g1"), id)
}

func TestDecodeMessage_Rejects(t *testing.T) {
	alice := newMember(t)
	kp, err := mls.NewKeyPackage(alice, suite, alice.Credential())
	require.NoError(t, err)
	raw, err := (&mls.Message{Version: mls.ProtocolVersion, WireFormat: mls.WireFormatKeyPackage, KeyPackage: kp}).Encode()
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":          nil,
		"trailing bytes": append(append([]byte{}, raw...), 0),
		"truncated":      raw[:len(raw)-1],
		"bad version":    append([]byte{0, 9}, raw[2:]...),
		"bad wireformat": append([]byte{0, 1, 0, 9}, raw[4:]...),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := mls.DecodeMessage(data)
			assert.ErrorIs(t, err, mls.ErrMalformedMessage)
		})
	}
}

func TestValidateKeyPackage(t *testing.T) {
	alice := newMember(t)
	kp, err := mls.NewKeyPackage(alice, suite, alice.Credential())
	require.NoError(t, err)
	require.NoError(t, mls.ValidateKeyPackage(kp))

	tampered := *kp
	tampered.InitKey = append([]byte{}, kp.InitKey...)
	tampered.InitKey[0] ^= 1
	assert.ErrorIs(t, mls.ValidateKeyPackage(&tampered), mls.ErrInvalidSignature)

	short := *kp
	short.InitKey = kp.InitKey[:16]
	assert.ErrorIs(t, mls.ValidateKeyPackage(&short), mls.ErrInvalidKeyPackage)

	wrongVersion := *kp
	wrongVersion.Version = 2
	assert.ErrorIs(t, mls.ValidateKeyPackage(&wrongVersion), mls.ErrInvalidKeyPackage)
}

func TestParseCiphersuite(t *testing.T) {
	for _, s := range []string{"3", "0x0003", "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519"} {
		cs, err := mls.ParseCiphersuite(s)
		require.NoError(t, err, s)
		assert.Equal(t, suite, cs)
	}
	_, err := mls.ParseCiphersuite("1")
	assert.ErrorIs(t, err, mls.ErrUnsupportedCiphersuite)
	_, err = mls.ParseCiphersuite("nope")
	assert.ErrorIs(t, err, mls.ErrUnsupportedCiphersuite)
}
