package app

import (
	"fmt"

	"go.uber.org/zap"

	"dmls/internal/domain"
	"dmls/internal/protocol/mls"
	"dmls/internal/provider"
	"dmls/internal/services/continuity"
	"dmls/internal/services/keypackage"
	"dmls/internal/state"
	"dmls/internal/store"
)

// Wire bundles the provider and services built over one loaded session.
type Wire struct {
	Provider    *provider.Provider
	KeyPackages domain.KeyPackageService
	Continuity  domain.ContinuityService
}

// NewWire constructs the dependency graph for sess from cfg.
func NewWire(cfg Config, sess *state.Session, log *zap.Logger) *Wire {
	if log == nil {
		log = zap.NewNop()
	}
	p := provider.New(sess, nil)
	cs := cfg.ciphersuite()
	return &Wire{
		Provider:    p,
		KeyPackages: keypackage.New(p, cs, log.Named("keypackage")),
		Continuity: continuity.New(p, continuity.Config{
			Ciphersuite:    cs,
			ExporterLength: cfg.ExporterLength,
			Join:           mls.DefaultJoinConfig(),
		}, log.Named("continuity")),
	}
}

// repository is a StateRepository that may hold an open file.
type repository interface {
	domain.StateRepository
	Close() error
}

type jsonRepository struct{ *store.JSONFileRepository }

func (jsonRepository) Close() error { return nil }

// openRepository returns the backend cfg selects for the state at path.
func openRepository(cfg Config, path string) (repository, error) {
	kdf, err := store.ParseKDF(cfg.PassphraseKDF)
	if err != nil {
		return nil, err
	}
	var opts []store.Option
	if cfg.Passphrase != "" {
		opts = append(opts, store.WithPassphrase(cfg.Passphrase, kdf))
	}
	switch cfg.Backend {
	case BackendJSON, "":
		return jsonRepository{store.NewJSONFileRepository(path, opts...)}, nil
	case BackendBolt:
		return store.OpenBoltRepository(path, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
