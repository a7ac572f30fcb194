package kvstore

import (
	"errors"
	"fmt"
)

// ErrKindMismatch is wrapped by a SerializationError when a scalar is read as
// a list or the other way around.
var ErrKindMismatch = errors.New("entry kind mismatch")

// SerializationError reports that an entity could not be encoded or decoded
// at the storage boundary.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("kvstore: serialization error: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func serializationErr(op string, err error) error {
	return &SerializationError{Op: op, Err: err}
}
