package app

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dmls/internal/domain"
	"dmls/internal/kvstore"
	"dmls/internal/services/identity"
	"dmls/internal/state"
)

// ErrStateExists is returned by Create when the target already holds a state.
var ErrStateExists = errors.New("state already exists")

// App is one loaded session together with its repository and services.
// Mutations live in memory until Save.
type App struct {
	*Wire

	Session *state.Session
	repo    repository
	log     *zap.Logger
}

// Create generates a new identity and persists it at path.
func Create(cfg Config, path, scheme string, log *zap.Logger) (domain.Fingerprint, error) {
	if log == nil {
		log = zap.NewNop()
	}
	repo, err := openRepository(cfg, path)
	if err != nil {
		return "", err
	}
	defer repo.Close()

	exists, err := repo.Exists()
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrStateExists, path)
	}

	sess, fp, err := identity.New(nil, log.Named("identity")).GenerateState(scheme)
	if err != nil {
		return "", err
	}
	if err := repo.Save(sess); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	return fp, nil
}

// Open loads the state at path and wires services over it.
func Open(cfg Config, path string, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	repo, err := openRepository(cfg, path)
	if err != nil {
		return nil, err
	}
	sess, err := repo.Load()
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("load state %s: %w", path, err)
	}
	log.Debug("loaded state",
		zap.Stringer("fingerprint", identity.Fingerprint(sess)),
		zap.Int("psk_queue", sess.QueueLen()))
	return &App{
		Wire:    NewWire(cfg, sess, log),
		Session: sess,
		repo:    repo,
		log:     log,
	}, nil
}

// Save writes the session back.
func (a *App) Save() error {
	if err := a.repo.Save(a.Session); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	a.log.Debug("saved state", zap.Int("psk_queue", a.Session.QueueLen()))
	return nil
}

// Info summarises the session and its send group.
func (a *App) Info() (domain.StateInfo, error) {
	info := domain.StateInfo{
		Fingerprint: identity.Fingerprint(a.Session),
		QueueLen:    a.Session.QueueLen(),
		StoredPsks:  a.Session.Values().CountLabel(kvstore.LabelPsk),
	}
	if id, ok := a.Session.SendGroupID(); ok {
		sum, err := a.Continuity.GroupSummary(id)
		if err != nil {
			return domain.StateInfo{}, err
		}
		info.SendGroup = &sum
	}
	return info, nil
}

// Close releases the repository.
func (a *App) Close() error { return a.repo.Close() }
