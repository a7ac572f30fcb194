package kvstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/cryptobyte"
)

type kind byte

const (
	kindScalar kind = 1
	kindList   kind = 2
)

type entry struct {
	kind   kind
	scalar []byte
	list   [][]byte
}

// Store holds engine entities in memory. The zero value is not usable; call New.
type Store struct {
	mu     sync.RWMutex
	values map[string]entry
}

// New returns an empty store.
func New() *Store {
	return &Store{values: make(map[string]entry)}
}

// Write stores value under k, replacing whatever was there.
func (s *Store) Write(k Key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[string(k.Encode())] = entry{kind: kindScalar, scalar: clone(value)}
}

// Read returns the scalar under k. ok is false when k is absent.
func (s *Store) Read(k Key) (value []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.values[string(k.Encode())]
	if !found {
		return nil, false, nil
	}
	if e.kind != kindScalar {
		return nil, false, serializationErr("read scalar", ErrKindMismatch)
	}
	return clone(e.scalar), true, nil
}

// Append adds value to the tail of the list under k, creating the list if
// needed.
func (s *Store) Append(k Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ek := string(k.Encode())
	e, found := s.values[ek]
	if found && e.kind != kindList {
		return serializationErr("append", ErrKindMismatch)
	}
	e.kind = kindList
	e.list = append(e.list, clone(value))
	s.values[ek] = e
	return nil
}

// ReadList returns the list under k, or an empty list when k is absent.
func (s *Store) ReadList(k Key) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.values[string(k.Encode())]
	if !found {
		return [][]byte{}, nil
	}
	if e.kind != kindList {
		return nil, serializationErr("read list", ErrKindMismatch)
	}
	out := make([][]byte, len(e.list))
	for i, item := range e.list {
		out[i] = clone(item)
	}
	return out, nil
}

// RemoveItem drops the first list element equal to value. Missing lists and
// missing elements are not errors.
func (s *Store) RemoveItem(k Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ek := string(k.Encode())
	e, found := s.values[ek]
	if !found {
		return nil
	}
	if e.kind != kindList {
		return serializationErr("remove item", ErrKindMismatch)
	}
	for i, item := range e.list {
		if bytes.Equal(item, value) {
			e.list = append(e.list[:i:i], e.list[i+1:]...)
			s.values[ek] = e
			return nil
		}
	}
	return nil
}

// Delete removes the entry under k, scalar or list. Deleting an absent key
// is a no-op.
func (s *Store) Delete(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, string(k.Encode()))
}

// Len reports the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Keys returns every encoded key in byte order.
func (s *Store) Keys() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.values))
	for k := range s.values {
		out = append(out, []byte(k))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// CountLabel reports how many entries were written under label.
func (s *Store) CountLabel(label []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.values {
		if bytes.HasPrefix([]byte(k), label) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the store.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := New()
	for k, e := range s.values {
		ne := entry{kind: e.kind, scalar: clone(e.scalar)}
		if e.kind == kindList {
			ne.list = make([][]byte, len(e.list))
			for i, item := range e.list {
				ne.list[i] = clone(item)
			}
		}
		c.values[k] = ne
	}
	return c
}

// MarshalJSON encodes the store as a flat object mapping base64 encoded keys
// to base64 tagged values.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flat := make(map[string]string, len(s.values))
	for k, e := range s.values {
		v, err := encodeEntry(e)
		if err != nil {
			return nil, serializationErr("encode entry", err)
		}
		flat[base64.StdEncoding.EncodeToString([]byte(k))] = base64.StdEncoding.EncodeToString(v)
	}
	return json.Marshal(flat)
}

// UnmarshalJSON replaces the store contents with a document produced by
// MarshalJSON.
func (s *Store) UnmarshalJSON(data []byte) error {
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return serializationErr("decode store", err)
	}
	values := make(map[string]entry, len(flat))
	for k, v := range flat {
		kb, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return serializationErr("decode key", err)
		}
		vb, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return serializationErr("decode value", err)
		}
		e, err := decodeEntry(vb)
		if err != nil {
			return serializationErr("decode entry", err)
		}
		values[string(kb)] = e
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

func encodeEntry(e entry) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(e.kind))
	switch e.kind {
	case kindScalar:
		b.AddBytes(e.scalar)
	case kindList:
		for _, item := range e.list {
			b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(item) })
		}
	default:
		return nil, fmt.Errorf("unknown entry kind %d", e.kind)
	}
	return b.Bytes()
}

func decodeEntry(v []byte) (entry, error) {
	s := cryptobyte.String(v)
	var tag uint8
	if !s.ReadUint8(&tag) {
		return entry{}, errors.New("empty value")
	}
	switch kind(tag) {
	case kindScalar:
		return entry{kind: kindScalar, scalar: clone(s)}, nil
	case kindList:
		e := entry{kind: kindList, list: [][]byte{}}
		for !s.Empty() {
			var n uint32
			var item []byte
			if !s.ReadUint32(&n) || !s.ReadBytes(&item, int(n)) {
				return entry{}, errors.New("truncated list item")
			}
			e.list = append(e.list, clone(item))
		}
		return e, nil
	default:
		return entry{}, fmt.Errorf("unknown entry kind %d", tag)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte{}, b...)
}
