package store

import (
	"errors"
	"os"
	"sync"

	"dmls/internal/domain"
	"dmls/internal/state"
)

// ErrNoState is returned by Load when nothing has been saved yet.
var ErrNoState = errors.New("store: no state at path")

// JSONFileRepository keeps one session as a JSON document on disk.
type JSONFileRepository struct {
	mu    sync.Mutex
	path  string
	codec codec
}

var _ domain.StateRepository = (*JSONFileRepository)(nil)

// NewJSONFileRepository returns a repository for the file at path.
func NewJSONFileRepository(path string, opts ...Option) *JSONFileRepository {
	return &JSONFileRepository{path: path, codec: newCodec(opts)}
}

// Path returns the backing file.
func (r *JSONFileRepository) Path() string { return r.path }

func (r *JSONFileRepository) Load() (*state.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := readFile(r.path)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNoState
	}
	return r.codec.decode(b)
}

func (r *JSONFileRepository) Save(s *state.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.codec.encode(s)
	if err != nil {
		return err
	}
	return writeFile(r.path, b, stateFileMode)
}

func (r *JSONFileRepository) Exists() (bool, error) {
	_, err := os.Stat(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
