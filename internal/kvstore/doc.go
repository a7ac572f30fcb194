// Package kvstore is the versioned, namespaced key-value store that backs
// every piece of group engine state.
//
// # Keys
//
// A Key is the triple (label, raw, version). Its encoded form is
//
//	label ∥ raw ∥ be16(version)
//
// Labels are fixed per entity type (see labels.go) and no label is a prefix
// of another, so two distinct triples never encode to the same bytes.
// Multi-part raw keys are built with CompoundKey.
//
// # Values
//
// An entry is either a scalar (one byte string, last write wins) or a list
// (ordered byte strings, duplicates allowed). Reading an entry as the other
// kind is a *SerializationError, the only error kind this package returns.
//
// # Concurrency
//
// A Store is safe for concurrent use. Reads share a lock; every mutation,
// including the read-modify-write of Append and RemoveItem, holds the write
// lock for its whole span.
package kvstore
