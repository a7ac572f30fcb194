package keypackage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"dmls/internal/crypto"
	"dmls/internal/domain"
	"dmls/internal/protocol/mls"
	"dmls/internal/provider"
)

// ErrNotKeyPackage is returned for a line that decodes to another message type.
var ErrNotKeyPackage = errors.New("message is not a key package")

// maxLineBytes bounds one base64 line on the input stream.
const maxLineBytes = 1 << 20

// Service creates and checks key packages for one ciphersuite.
type Service struct {
	p   *provider.Provider
	cs  mls.Ciphersuite
	log *zap.Logger
}

func New(p *provider.Provider, cs mls.Ciphersuite, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{p: p, cs: cs, log: log}
}

// Generate creates a key package for the local credential. Its private keys
// stay in the session store until a Welcome consumes them.
func (s *Service) Generate() (*mls.KeyPackage, error) {
	kp, err := mls.NewKeyPackage(s.p, s.cs, s.p.Credential())
	if err != nil {
		return nil, err
	}
	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}
	s.log.Info("generated key package", zap.String("ref", crypto.Fingerprint(ref)))
	return kp, nil
}

// Encode returns the base64 wire form of kp.
func Encode(kp *mls.KeyPackage) (string, error) {
	raw, err := (&mls.Message{
		Version:    mls.ProtocolVersion,
		WireFormat: mls.WireFormatKeyPackage,
		KeyPackage: kp,
	}).Encode()
	if err != nil {
		return "", err
	}
	return crypto.B64(raw), nil
}

// Decode parses and validates one base64 key package.
func (s *Service) Decode(line string) (*mls.KeyPackage, error) {
	raw, err := crypto.UnB64(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrMalformedMessage, err)
	}
	m, err := mls.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	if m.KeyPackage == nil {
		return nil, fmt.Errorf("%w: got %s", ErrNotKeyPackage, m.WireFormat)
	}
	if err := mls.ValidateKeyPackage(m.KeyPackage); err != nil {
		return nil, err
	}
	if m.KeyPackage.Ciphersuite != s.cs {
		return nil, fmt.Errorf("%w: key package uses %s", mls.ErrUnsupportedCiphersuite, m.KeyPackage.Ciphersuite)
	}
	return m.KeyPackage, nil
}

// ValidateStream reads one base64 key package per line. Blank lines are
// skipped. A line that fails validation is passed to report (if not nil),
// logged and skipped; only a read error stops the stream.
func (s *Service) ValidateStream(r io.Reader, report func(line int, err error)) ([]*mls.KeyPackage, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var (
		out  []*mls.KeyPackage
		line int
	)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		kp, err := s.Decode(text)
		if err != nil {
			s.log.Warn("skipping invalid key package", zap.Int("line", line), zap.Error(err))
			if report != nil {
				report(line, err)
			}
			continue
		}
		out = append(out, kp)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read key packages: %w", err)
	}
	return out, nil
}

// Compile-time assertion that Service implements domain.KeyPackageService.
var _ domain.KeyPackageService = (*Service)(nil)
