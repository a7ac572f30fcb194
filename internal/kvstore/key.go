package kvstore

import (
	"encoding/binary"
	"encoding/json"
)

// CurrentVersion is stamped on every key built by NewKey.
const CurrentVersion uint16 = 1

// Key addresses one entry in a Store.
type Key struct {
	Label   []byte
	Raw     []byte
	Version uint16
}

// NewKey returns a key for label and raw at CurrentVersion.
func NewKey(label, raw []byte) Key {
	return Key{Label: label, Raw: raw, Version: CurrentVersion}
}

// Encode returns label ∥ raw ∥ be16(version).
func (k Key) Encode() []byte {
	out := make([]byte, 0, len(k.Label)+len(k.Raw)+2)
	out = append(out, k.Label...)
	out = append(out, k.Raw...)
	return binary.BigEndian.AppendUint16(out, k.Version)
}

// CompoundKey serialises a tuple of key parts as a JSON array in the order
// given. Byte slices become base64 strings, so the encoding is deterministic.
func CompoundKey(parts ...any) ([]byte, error) {
	b, err := json.Marshal(parts)
	if err != nil {
		return nil, serializationErr("encode key", err)
	}
	return b, nil
}

// KeyFor is NewKey(label, CompoundKey(parts...)).
func KeyFor(label []byte, parts ...any) (Key, error) {
	raw, err := CompoundKey(parts...)
	if err != nil {
		return Key{}, err
	}
	return NewKey(label, raw), nil
}
