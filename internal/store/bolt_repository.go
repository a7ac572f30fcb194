package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"dmls/internal/domain"
	"dmls/internal/state"
)

var (
	stateBucket = []byte("dmls")
	stateKey    = []byte("state")
)

// BoltRepository stores the session record in a bbolt database. The
// database file is locked while the repository is open.
type BoltRepository struct {
	db    *bbolt.DB
	codec codec
}

var _ domain.StateRepository = (*BoltRepository)(nil)

// OpenBoltRepository opens or creates the database at path.
func OpenBoltRepository(path string, opts ...Option) (*BoltRepository, error) {
	db, err := bbolt.Open(path, stateFileMode, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt state %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRepository{db: db, codec: newCodec(opts)}, nil
}

func (r *BoltRepository) Load() (*state.Session, error) {
	var b []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get(stateKey); v != nil {
			// bbolt values are only valid inside the transaction.
			b = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNoState
	}
	return r.codec.decode(b)
}

func (r *BoltRepository) Save(s *state.Session) error {
	b, err := r.codec.encode(s)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey, b)
	})
}

func (r *BoltRepository) Exists() (bool, error) {
	var found bool
	err := r.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(stateBucket).Get(stateKey) != nil
		return nil
	})
	return found, err
}

// Close releases the database file.
func (r *BoltRepository) Close() error { return r.db.Close() }
