package continuity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dmls/internal/domain"
	"dmls/internal/protocol/mls"
	"dmls/internal/provider"
	"dmls/internal/services/keypackage"
)

var (
	ErrNoSendGroup        = errors.New("no send group exists")
	ErrSendGroupExists    = errors.New("send group already exists")
	ErrNoLocalGroup       = errors.New("no local group found with the given group id")
	ErrInvalidPlaintext   = errors.New("application message is not valid UTF-8")
	ErrUnsupportedContent = errors.New("unsupported message content")
)

// exporterLabel is the exporter label every continuity PSK is derived under.
const exporterLabel = "exporter_psk"

// DefaultExporterLength is the PSK length used when Config leaves it zero.
const DefaultExporterLength = 32

// Config fixes the parameters of every group the service creates or joins.
type Config struct {
	Ciphersuite    mls.Ciphersuite
	ExporterLength int
	Join           mls.JoinConfig
}

// Service drives one participant's send group and PSK queue. It is not safe
// for concurrent use.
type Service struct {
	p   *provider.Provider
	cfg Config
	log *zap.Logger
}

// New returns a service over p. Zero config fields take their defaults.
func New(p *provider.Provider, cfg Config, log *zap.Logger) *Service {
	if cfg.Ciphersuite == 0 {
		cfg.Ciphersuite = mls.X25519ChaCha20SHA256Ed25519
	}
	if cfg.ExporterLength <= 0 {
		cfg.ExporterLength = DefaultExporterLength
	}
	if cfg.Join == (mls.JoinConfig{}) {
		cfg.Join = mls.DefaultJoinConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{p: p, cfg: cfg, log: log}
}

// CreateSendGroup creates a group with the local member alone in it and
// records it as the send group. A session has at most one send group.
func (s *Service) CreateSendGroup() (domain.GroupID, error) {
	sess := s.p.Session()
	if _, ok := sess.SendGroupID(); ok {
		return nil, ErrSendGroupExists
	}
	id, err := uuid.NewRandomFromReader(s.p.Rand())
	if err != nil {
		return nil, fmt.Errorf("group id: %w", err)
	}
	gid := domain.GroupID(id[:])
	cfg := mls.GroupConfig{Ciphersuite: s.cfg.Ciphersuite, Join: s.cfg.Join}
	if _, err := mls.CreateGroup(s.p, cfg, gid, s.p.Credential()); err != nil {
		return nil, err
	}
	sess.SetSendGroupID(gid)
	s.log.Info("created send group", zap.Stringer("group", gid))
	return gid, nil
}

// GenerateKeyPackage issues a key package for the local credential.
func (s *Service) GenerateKeyPackage() (*mls.KeyPackage, error) {
	return keypackage.New(s.p, s.cfg.Ciphersuite, s.log).Generate()
}

func (s *Service) sendGroup() (*mls.Group, error) {
	id, ok := s.p.Session().SendGroupID()
	if !ok {
		return nil, ErrNoSendGroup
	}
	g, found, err := mls.LoadGroup(s.p.Storage(), id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: send group %s", ErrNoLocalGroup, domain.GroupID(id))
	}
	return g, nil
}

// clearPending drops any commit or proposals left over from an earlier,
// aborted operation so they can never be merged alongside a new commit.
func (s *Service) clearPending(g *mls.Group) error {
	if pc := g.PendingCommit(); pc != nil {
		s.log.Warn("discarding unmerged commit",
			zap.Stringer("group", domain.GroupID(g.GroupID())),
			zap.Uint64("epoch", pc.Epoch()))
	}
	if err := g.ClearPendingCommit(s.p.Storage()); err != nil {
		return err
	}
	return g.ClearPendingProposals(s.p.Storage())
}

// AddMembers adds the owners of keyPackages to the send group without
// updating the local leaf. The returned bundle carries the commit for
// existing members and the welcome for the new ones.
func (s *Service) AddMembers(keyPackages []*mls.KeyPackage) (*mls.CommitBundle, error) {
	g, err := s.sendGroup()
	if err != nil {
		return nil, err
	}
	if err := s.clearPending(g); err != nil {
		return nil, err
	}
	bundle, err := g.AddMembers(s.p, keyPackages)
	if err != nil {
		return nil, err
	}
	if err := g.MergePendingCommit(s.p); err != nil {
		return nil, err
	}
	s.log.Info("added members",
		zap.Stringer("group", domain.GroupID(g.GroupID())),
		zap.Int("count", len(keyPackages)),
		zap.Uint64("epoch", g.Epoch()))
	return bundle, nil
}

// ProcessWelcome joins the group a welcome describes. Nothing is stored when
// the welcome is rejected.
func (s *Service) ProcessWelcome(w *mls.Welcome) (domain.Incoming, error) {
	g, err := mls.JoinFromWelcome(s.p, s.cfg.Join, w)
	if err != nil {
		return domain.Incoming{}, err
	}
	s.log.Info("joined group",
		zap.Stringer("group", domain.GroupID(g.GroupID())),
		zap.Uint64("epoch", g.Epoch()))
	return domain.Incoming{
		Kind:    domain.IncomingWelcome,
		GroupID: g.GroupID(),
		Epoch:   g.Epoch(),
	}, nil
}

// ProcessIncoming handles a protocol message for a group stored locally.
// Application messages come back as text; commits are merged through
// applyCommit. Bare proposals are rejected.
func (s *Service) ProcessIncoming(m *mls.Message) (domain.Incoming, error) {
	gid, ok := m.GroupID()
	if !ok {
		return domain.Incoming{}, fmt.Errorf("%w: %s", ErrUnsupportedContent, m.WireFormat)
	}
	g, found, err := mls.LoadGroup(s.p.Storage(), gid)
	if err != nil {
		return domain.Incoming{}, err
	}
	if !found {
		return domain.Incoming{}, fmt.Errorf("%w: %s", ErrNoLocalGroup, domain.GroupID(gid))
	}
	pm, err := g.ProcessMessage(s.p, m)
	if err != nil {
		return domain.Incoming{}, err
	}
	switch pm.Kind {
	case mls.KindApplication:
		if !utf8.Valid(pm.Application) {
			return domain.Incoming{}, ErrInvalidPlaintext
		}
		return domain.Incoming{
			Kind:      domain.IncomingApplication,
			GroupID:   pm.GroupID,
			Epoch:     pm.Epoch,
			Sender:    pm.Sender,
			Plaintext: string(pm.Application),
		}, nil
	case mls.KindStagedCommit:
		out, err := s.applyCommit(g, pm.StagedCommit)
		out.Sender = pm.Sender
		return out, err
	default:
		return domain.Incoming{}, fmt.Errorf("%w: bare proposal", ErrUnsupportedContent)
	}
}

// Handle dispatches any inbound message: welcomes are joined, protocol
// messages processed. Key packages are rejected.
func (s *Service) Handle(m *mls.Message) (domain.Incoming, error) {
	switch {
	case m.Welcome != nil:
		return s.ProcessWelcome(m.Welcome)
	case m.Public != nil, m.Private != nil:
		return s.ProcessIncoming(m)
	default:
		return domain.Incoming{}, fmt.Errorf("%w: %s", ErrUnsupportedContent, m.WireFormat)
	}
}

// applyCommit merges sc into g. If the local member is still in the group
// the new epoch's exporter PSK is stored and queued; otherwise every entity
// of the group is deleted. Any failure restores the storage to its state
// before the merge, so a merged epoch never lacks its queued PSK.
func (s *Service) applyCommit(g *mls.Group, sc *mls.StagedCommit) (domain.Incoming, error) {
	snapshot := s.p.Storage().Clone()
	out, err := s.mergeCommit(g, sc)
	if err != nil {
		s.p.Session().RestoreValues(snapshot)
		s.log.Error("commit rolled back",
			zap.Stringer("group", domain.GroupID(g.GroupID())),
			zap.Uint64("epoch", sc.Epoch()),
			zap.Error(err))
		return domain.Incoming{}, fmt.Errorf("apply commit for epoch %d: %w", sc.Epoch(), err)
	}
	return out, nil
}

func (s *Service) mergeCommit(g *mls.Group, sc *mls.StagedCommit) (domain.Incoming, error) {
	psks := len(sc.PskProposals())
	s.log.Debug("merging commit",
		zap.Stringer("group", domain.GroupID(g.GroupID())),
		zap.Uint64("epoch", sc.Epoch()),
		zap.Int("psks", psks),
		zap.Bool("self_removed", sc.SelfRemoved()))
	if err := g.MergeStagedCommit(s.p, sc); err != nil {
		return domain.Incoming{}, err
	}
	out := domain.Incoming{
		Kind:         domain.IncomingCommit,
		GroupID:      g.GroupID(),
		Epoch:        g.Epoch(),
		InjectedPsks: psks,
	}
	if !g.IsActive() {
		if err := g.Delete(s.p.Storage()); err != nil {
			return domain.Incoming{}, fmt.Errorf("delete evicted group: %w", err)
		}
		out.Evicted = true
		s.log.Info("evicted from group", zap.Stringer("group", out.GroupID))
		return out, nil
	}
	id, err := s.queueExporterPsk(g)
	if err != nil {
		return domain.Incoming{}, fmt.Errorf("queue exporter psk: %w", err)
	}
	out.QueuedPsk = id
	return out, nil
}

// storeExporterPsk derives the current epoch's exporter PSK and stores it
// for lookup by id. It only reads group state, so it is safe to repeat.
func (s *Service) storeExporterPsk(g *mls.Group) (domain.PskID, error) {
	id := binary.BigEndian.AppendUint64(nil, g.Epoch())
	id = append(id, g.GroupID()...)
	secret, err := g.ExportSecret(exporterLabel, id, s.cfg.ExporterLength)
	if err != nil {
		return nil, err
	}
	pskID, err := mls.NewExternalPskID(s.p.Rand(), id)
	if err != nil {
		return nil, err
	}
	if err := pskID.Store(s.p.Storage(), secret); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Service) queueExporterPsk(g *mls.Group) (domain.PskID, error) {
	id, err := s.storeExporterPsk(g)
	if err != nil {
		return nil, err
	}
	s.p.Session().PushPskID(id)
	s.log.Debug("queued exporter psk",
		zap.Stringer("psk", id), zap.Int("queue", s.p.Session().QueueLen()))
	return id, nil
}

// SelfUpdate rotates the local leaf of the send group and queues the new
// epoch's exporter PSK.
func (s *Service) SelfUpdate() (*mls.Message, error) {
	g, err := s.sendGroup()
	if err != nil {
		return nil, err
	}
	if err := s.clearPending(g); err != nil {
		return nil, err
	}
	bundle, err := g.SelfUpdate(s.p)
	if err != nil {
		return nil, err
	}
	if err := g.MergePendingCommit(s.p); err != nil {
		return nil, err
	}
	if _, err := s.queueExporterPsk(g); err != nil {
		return nil, err
	}
	s.log.Info("self update", zap.Uint64("epoch", g.Epoch()))
	return bundle.Commit, nil
}

// RemoveMembers removes the given leaves from the send group. The committer
// stays in the group, so the new epoch's PSK is queued as for SelfUpdate.
func (s *Service) RemoveMembers(leaves []uint32) (*mls.Message, error) {
	g, err := s.sendGroup()
	if err != nil {
		return nil, err
	}
	if err := s.clearPending(g); err != nil {
		return nil, err
	}
	bundle, err := g.RemoveMembers(s.p, leaves)
	if err != nil {
		return nil, err
	}
	if err := g.MergePendingCommit(s.p); err != nil {
		return nil, err
	}
	if _, err := s.queueExporterPsk(g); err != nil {
		return nil, err
	}
	s.log.Info("removed members", zap.Int("count", len(leaves)), zap.Uint64("epoch", g.Epoch()))
	return bundle.Commit, nil
}

// InjectQueuedPsks commits one PSK proposal per queued id, oldest first, to
// the send group. An empty queue still produces a commit. If the commit
// cannot be built or merged the drained ids go back on the queue.
func (s *Service) InjectQueuedPsks() (msg *mls.Message, err error) {
	g, err := s.sendGroup()
	if err != nil {
		return nil, err
	}
	if err := s.clearPending(g); err != nil {
		return nil, err
	}
	sess := s.p.Session()
	ids := sess.DrainPskIDs()
	defer func() {
		if err != nil {
			sess.RestorePskIDs(ids)
		}
	}()

	b := g.CommitBuilder()
	for _, id := range ids {
		pskID, err := mls.NewExternalPskID(s.p.Rand(), id)
		if err != nil {
			return nil, err
		}
		b.AddProposal(mls.NewPreSharedKeyProposal(pskID))
	}
	if b, err = b.LoadPsks(s.p.Storage()); err != nil {
		return nil, err
	}
	bundle, err := b.Build(s.p)
	if err != nil {
		return nil, err
	}
	if err := g.MergePendingCommit(s.p); err != nil {
		return nil, err
	}
	s.log.Info("injected psks", zap.Int("count", len(ids)), zap.Uint64("epoch", g.Epoch()))
	return bundle.Commit, nil
}

// Encrypt seals plaintext as an application message on the send group.
func (s *Service) Encrypt(plaintext []byte) (*mls.Message, error) {
	g, err := s.sendGroup()
	if err != nil {
		return nil, err
	}
	return g.CreateMessage(s.p, plaintext)
}

// GroupSummary describes a stored group.
func (s *Service) GroupSummary(id domain.GroupID) (domain.GroupSummary, error) {
	g, found, err := mls.LoadGroup(s.p.Storage(), id)
	if err != nil {
		return domain.GroupSummary{}, err
	}
	if !found {
		return domain.GroupSummary{}, fmt.Errorf("%w: %s", ErrNoLocalGroup, id)
	}
	return domain.GroupSummary{
		GroupID:     g.GroupID(),
		Epoch:       g.Epoch(),
		Active:      g.IsActive(),
		OwnLeaf:     g.OwnLeafIndex(),
		Members:     len(g.Members()),
		Ciphersuite: g.Ciphersuite().String(),
	}, nil
}

// Compile-time assertion that Service implements domain.ContinuityService.
var _ domain.ContinuityService = (*Service)(nil)
