package interfaces

import (
	"io"

	domaintypes "dmls/internal/domain/types"
	"dmls/internal/protocol/mls"
	"dmls/internal/state"
)

// IdentityService creates fresh session states.
type IdentityService interface {
	GenerateState(scheme string) (*state.Session, domaintypes.Fingerprint, error)
}

// KeyPackageService issues local key packages and validates those of peers.
type KeyPackageService interface {
	Generate() (*mls.KeyPackage, error)
	ValidateStream(
		r io.Reader,
		report func(line int, err error),
	) ([]*mls.KeyPackage, error)
}

// ContinuityService drives the send group and the exporter PSK queue.
type ContinuityService interface {
	CreateSendGroup() (domaintypes.GroupID, error)
	AddMembers(keyPackages []*mls.KeyPackage) (*mls.CommitBundle, error)
	SelfUpdate() (*mls.Message, error)
	InjectQueuedPsks() (*mls.Message, error)
	RemoveMembers(leaves []uint32) (*mls.Message, error)
	Encrypt(plaintext []byte) (*mls.Message, error)
	Handle(m *mls.Message) (domaintypes.Incoming, error)
	GroupSummary(id domaintypes.GroupID) (domaintypes.GroupSummary, error)
}
