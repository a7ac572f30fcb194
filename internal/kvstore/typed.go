package kvstore

import "encoding/json"

// WriteJSON stores the JSON encoding of v under k.
func WriteJSON(s *Store, k Key, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return serializationErr("encode value", err)
	}
	s.Write(k, b)
	return nil
}

// ReadJSON decodes the scalar under k into a T. ok is false when k is absent.
func ReadJSON[T any](s *Store, k Key) (v T, ok bool, err error) {
	b, ok, err := s.Read(k)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, serializationErr("decode value", err)
	}
	return v, true, nil
}

// AppendJSON appends the JSON encoding of v to the list under k.
func AppendJSON(s *Store, k Key, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return serializationErr("encode item", err)
	}
	return s.Append(k, b)
}

// ReadListJSON decodes every element of the list under k.
func ReadListJSON[T any](s *Store, k Key) ([]T, error) {
	items, err := s.ReadList(k)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, serializationErr("decode item", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// RemoveJSON removes the first list element whose encoding equals the JSON
// encoding of v.
func RemoveJSON(s *Store, k Key, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return serializationErr("encode item", err)
	}
	return s.RemoveItem(k, b)
}
