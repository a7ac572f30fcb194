// Package state holds one participant's durable session: signing identity,
// send group pointer, exporter PSK queue and the engine's key-value store.
package state

import (
	"encoding/json"
	"fmt"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
)

// Session is not safe for concurrent mutation; one caller drives it at a
// time. The embedded store is independently safe for concurrent use.
type Session struct {
	sendGroupID []byte
	pskQueue    [][]byte
	signer      crypto.SignatureKeyPair
	values      *kvstore.Store
}

// New returns a session with an empty store and PSK queue and no send group.
func New(signer crypto.SignatureKeyPair) *Session {
	return &Session{signer: signer, values: kvstore.New()}
}

// SendGroupID returns the send group id, if one was recorded.
func (s *Session) SendGroupID() ([]byte, bool) {
	if len(s.sendGroupID) == 0 {
		return nil, false
	}
	return append([]byte{}, s.sendGroupID...), true
}

// SetSendGroupID records id. Callers enforce that it is set once.
func (s *Session) SetSendGroupID(id []byte) {
	s.sendGroupID = append([]byte{}, id...)
}

// PushPskID appends id to the tail of the PSK queue.
func (s *Session) PushPskID(id []byte) {
	s.pskQueue = append(s.pskQueue, append([]byte{}, id...))
}

// DrainPskIDs returns every queued id in insertion order and empties the queue.
func (s *Session) DrainPskIDs() [][]byte {
	out := s.pskQueue
	s.pskQueue = nil
	return out
}

// RestorePskIDs puts ids back at the head of the queue, ahead of anything
// queued since they were drained.
func (s *Session) RestorePskIDs(ids [][]byte) {
	if len(ids) == 0 {
		return
	}
	s.pskQueue = append(append([][]byte{}, ids...), s.pskQueue...)
}

// PskIDs returns a copy of the queue without draining it.
func (s *Session) PskIDs() [][]byte {
	out := make([][]byte, len(s.pskQueue))
	for i, id := range s.pskQueue {
		out[i] = append([]byte{}, id...)
	}
	return out
}

func (s *Session) QueueLen() int { return len(s.pskQueue) }

func (s *Session) SignatureKeyPair() crypto.SignatureKeyPair { return s.signer }

func (s *Session) Values() *kvstore.Store { return s.values }

// RestoreValues replaces the KV store, typically with a Clone taken before
// an operation that failed halfway.
func (s *Session) RestoreValues(v *kvstore.Store) {
	if v == nil {
		v = kvstore.New()
	}
	s.values = v
}

type record struct {
	SendGroupID      []byte                  `json:"send_group_id"`
	ExporterPskQueue [][]byte                `json:"exporter_psk_queue"`
	SignatureKeyPair crypto.SignatureKeyPair `json:"signature_key_pair"`
	Values           *kvstore.Store          `json:"values"`
}

func (s *Session) MarshalJSON() ([]byte, error) {
	queue := s.pskQueue
	if queue == nil {
		queue = [][]byte{}
	}
	sendGroup := s.sendGroupID
	if sendGroup == nil {
		sendGroup = []byte{}
	}
	return json.Marshal(record{
		SendGroupID:      sendGroup,
		ExporterPskQueue: queue,
		SignatureKeyPair: s.signer,
		Values:           s.values,
	})
}

func (s *Session) UnmarshalJSON(b []byte) error {
	rec := record{Values: kvstore.New()}
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if len(rec.SignatureKeyPair.Public) == 0 {
		return fmt.Errorf("decode session: missing signature key pair")
	}
	if rec.Values == nil {
		rec.Values = kvstore.New()
	}
	s.sendGroupID = rec.SendGroupID
	s.pskQueue = rec.ExporterPskQueue
	s.signer = rec.SignatureKeyPair
	s.values = rec.Values
	return nil
}
