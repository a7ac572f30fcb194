package interfaces

import "dmls/internal/state"

// StateRepository persists a whole session between invocations.
type StateRepository interface {
	Load() (*state.Session, error)
	Save(s *state.Session) error
	Exists() (bool, error)
}
