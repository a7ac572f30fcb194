package mls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

type (
	builder = cryptobyte.Builder
	reader  = cryptobyte.String
)

// maxVectorItems bounds decoded list lengths.
const maxVectorItems = 1 << 16

func encode(f func(b *builder)) ([]byte, error) {
	var b builder
	f(&b)
	return b.Bytes()
}

func addVec(b *builder, v []byte) {
	b.AddUint32LengthPrefixed(func(b *builder) { b.AddBytes(v) })
}

func readVec(s *reader, out *[]byte) bool {
	var n uint32
	var v []byte
	if !s.ReadUint32(&n) || !s.ReadBytes(&v, int(n)) {
		return false
	}
	*out = append([]byte{}, v...)
	return true
}

func addBool(b *builder, v bool) {
	if v {
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
}

func readBool(s *reader, out *bool) bool {
	var v uint8
	if !s.ReadUint8(&v) || v > 1 {
		return false
	}
	*out = v == 1
	return true
}

func readCount(s *reader, n *uint32) bool {
	return s.ReadUint32(n) && *n <= maxVectorItems
}

func malformed(what string) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, what)
}

func (c Credential) marshal(b *builder) { addVec(b, c.Identity) }

func (c *Credential) unmarshal(s *reader) bool { return readVec(s, &c.Identity) }

func (l *LeafNode) marshalTBS(b *builder) {
	addVec(b, l.EncryptionKey)
	addVec(b, l.SignatureKey)
	l.Credential.marshal(b)
}

func (l *LeafNode) marshal(b *builder) {
	l.marshalTBS(b)
	addVec(b, l.Signature)
}

func (l *LeafNode) unmarshal(s *reader) bool {
	return readVec(s, &l.EncryptionKey) &&
		readVec(s, &l.SignatureKey) &&
		l.Credential.unmarshal(s) &&
		readVec(s, &l.Signature)
}

func (kp *KeyPackage) marshalTBS(b *builder) {
	b.AddUint16(kp.Version)
	b.AddUint16(uint16(kp.Ciphersuite))
	addVec(b, kp.InitKey)
	kp.LeafNode.marshal(b)
}

func (kp *KeyPackage) marshal(b *builder) {
	kp.marshalTBS(b)
	addVec(b, kp.Signature)
}

func (kp *KeyPackage) unmarshal(s *reader) bool {
	var cs uint16
	ok := s.ReadUint16(&kp.Version) &&
		s.ReadUint16(&cs) &&
		readVec(s, &kp.InitKey) &&
		kp.LeafNode.unmarshal(s) &&
		readVec(s, &kp.Signature)
	kp.Ciphersuite = Ciphersuite(cs)
	return ok
}

func (gc *GroupContext) marshal(b *builder) {
	b.AddUint16(gc.Version)
	b.AddUint16(uint16(gc.Ciphersuite))
	addVec(b, gc.GroupID)
	b.AddUint64(gc.Epoch)
	addVec(b, gc.TreeHash)
	addVec(b, gc.ConfirmedTranscriptHash)
}

func (gc *GroupContext) unmarshal(s *reader) bool {
	var cs uint16
	ok := s.ReadUint16(&gc.Version) &&
		s.ReadUint16(&cs) &&
		readVec(s, &gc.GroupID) &&
		s.ReadUint64(&gc.Epoch) &&
		readVec(s, &gc.TreeHash) &&
		readVec(s, &gc.ConfirmedTranscriptHash)
	gc.Ciphersuite = Ciphersuite(cs)
	return ok
}

func (gc *GroupContext) encode() ([]byte, error) {
	return encode(gc.marshal)
}

func (t Tree) marshal(b *builder) {
	b.AddUint32(uint32(len(t)))
	for _, l := range t {
		addBool(b, l != nil)
		if l != nil {
			l.marshal(b)
		}
	}
}

func (t *Tree) unmarshal(s *reader) bool {
	var n uint32
	if !readCount(s, &n) {
		return false
	}
	out := make(Tree, 0, n)
	for i := uint32(0); i < n; i++ {
		var present bool
		if !readBool(s, &present) {
			return false
		}
		if !present {
			out = append(out, nil)
			continue
		}
		l := new(LeafNode)
		if !l.unmarshal(s) {
			return false
		}
		out = append(out, l)
	}
	*t = out
	return true
}

func (p *PreSharedKeyID) marshal(b *builder) {
	b.AddUint8(uint8(p.Type))
	addVec(b, p.ID)
	addVec(b, p.Nonce)
}

func (p *PreSharedKeyID) unmarshal(s *reader) bool {
	var t uint8
	ok := s.ReadUint8(&t) && readVec(s, &p.ID) && readVec(s, &p.Nonce)
	p.Type = PskType(t)
	return ok
}

func (p *Proposal) marshal(b *builder) {
	b.AddUint16(uint16(p.Type))
	switch p.Type {
	case ProposalAdd:
		if p.Add == nil {
			b.SetError(malformed("add proposal without key package"))
			return
		}
		p.Add.marshal(b)
	case ProposalRemove:
		if p.Remove == nil {
			b.SetError(malformed("remove proposal without leaf"))
			return
		}
		b.AddUint32(*p.Remove)
	case ProposalPreSharedKey:
		if p.PreSharedKey == nil {
			b.SetError(malformed("psk proposal without id"))
			return
		}
		p.PreSharedKey.marshal(b)
	default:
		b.SetError(malformed(fmt.Sprintf("proposal type %d", p.Type)))
	}
}

func (p *Proposal) unmarshal(s *reader) bool {
	var t uint16
	if !s.ReadUint16(&t) {
		return false
	}
	p.Type = ProposalType(t)
	switch p.Type {
	case ProposalAdd:
		p.Add = new(KeyPackage)
		return p.Add.unmarshal(s)
	case ProposalRemove:
		var leaf uint32
		if !s.ReadUint32(&leaf) {
			return false
		}
		p.Remove = &leaf
		return true
	case ProposalPreSharedKey:
		p.PreSharedKey = new(PreSharedKeyID)
		return p.PreSharedKey.unmarshal(s)
	default:
		return false
	}
}

func (c *Commit) marshal(b *builder) {
	b.AddUint32(uint32(len(c.Proposals)))
	for i := range c.Proposals {
		c.Proposals[i].marshal(b)
	}
	addBool(b, c.Path != nil)
	if c.Path == nil {
		return
	}
	c.Path.LeafNode.marshal(b)
	b.AddUint32(uint32(len(c.Path.Secrets)))
	for _, es := range c.Path.Secrets {
		b.AddUint32(es.Recipient)
		addVec(b, es.KEMOutput)
		addVec(b, es.Ciphertext)
	}
}

func (c *Commit) unmarshal(s *reader) bool {
	var n uint32
	if !readCount(s, &n) {
		return false
	}
	c.Proposals = make([]Proposal, n)
	for i := range c.Proposals {
		if !c.Proposals[i].unmarshal(s) {
			return false
		}
	}
	var hasPath bool
	if !readBool(s, &hasPath) {
		return false
	}
	if !hasPath {
		return true
	}
	c.Path = new(UpdatePath)
	if !c.Path.LeafNode.unmarshal(s) || !readCount(s, &n) {
		return false
	}
	c.Path.Secrets = make([]EncryptedPathSecret, n)
	for i := range c.Path.Secrets {
		es := &c.Path.Secrets[i]
		if !s.ReadUint32(&es.Recipient) || !readVec(s, &es.KEMOutput) || !readVec(s, &es.Ciphertext) {
			return false
		}
	}
	return true
}

func (m *PublicMessage) marshalContent(b *builder) {
	addVec(b, m.GroupID)
	b.AddUint64(m.Epoch)
	b.AddUint32(m.Sender)
	b.AddUint8(uint8(m.ContentType))
	switch m.ContentType {
	case ContentProposal:
		if m.Proposal == nil {
			b.SetError(malformed("proposal message without proposal"))
			return
		}
		m.Proposal.marshal(b)
	case ContentCommit:
		if m.Commit == nil {
			b.SetError(malformed("commit message without commit"))
			return
		}
		m.Commit.marshal(b)
	default:
		b.SetError(malformed(fmt.Sprintf("public content type %d", m.ContentType)))
	}
}

func (m *PublicMessage) marshal(b *builder) {
	m.marshalContent(b)
	addVec(b, m.Signature)
	addVec(b, m.ConfirmationTag)
}

func (m *PublicMessage) unmarshal(s *reader) bool {
	var ct uint8
	if !readVec(s, &m.GroupID) || !s.ReadUint64(&m.Epoch) || !s.ReadUint32(&m.Sender) || !s.ReadUint8(&ct) {
		return false
	}
	m.ContentType = ContentType(ct)
	switch m.ContentType {
	case ContentProposal:
		m.Proposal = new(Proposal)
		if !m.Proposal.unmarshal(s) {
			return false
		}
	case ContentCommit:
		m.Commit = new(Commit)
		if !m.Commit.unmarshal(s) {
			return false
		}
	default:
		return false
	}
	return readVec(s, &m.Signature) && readVec(s, &m.ConfirmationTag)
}

func (m *PrivateMessage) marshalHeader(b *builder) {
	addVec(b, m.GroupID)
	b.AddUint64(m.Epoch)
	b.AddUint32(m.Sender)
	b.AddUint32(m.Generation)
}

func (m *PrivateMessage) marshal(b *builder) {
	m.marshalHeader(b)
	addVec(b, m.Ciphertext)
}

func (m *PrivateMessage) unmarshal(s *reader) bool {
	return readVec(s, &m.GroupID) &&
		s.ReadUint64(&m.Epoch) &&
		s.ReadUint32(&m.Sender) &&
		s.ReadUint32(&m.Generation) &&
		readVec(s, &m.Ciphertext)
}

func (w *Welcome) marshal(b *builder) {
	b.AddUint16(uint16(w.Ciphersuite))
	b.AddUint32(uint32(len(w.Secrets)))
	for _, es := range w.Secrets {
		addVec(b, es.NewMember)
		addVec(b, es.KEMOutput)
		addVec(b, es.Ciphertext)
	}
	addVec(b, w.EncryptedGroupInfo)
}

func (w *Welcome) unmarshal(s *reader) bool {
	var cs uint16
	var n uint32
	if !s.ReadUint16(&cs) || !readCount(s, &n) {
		return false
	}
	w.Ciphersuite = Ciphersuite(cs)
	w.Secrets = make([]EncryptedGroupSecrets, n)
	for i := range w.Secrets {
		es := &w.Secrets[i]
		if !readVec(s, &es.NewMember) || !readVec(s, &es.KEMOutput) || !readVec(s, &es.Ciphertext) {
			return false
		}
	}
	return readVec(s, &w.EncryptedGroupInfo)
}

func (gs *groupSecrets) marshal(b *builder) {
	addVec(b, gs.JoinerSecret)
	b.AddUint32(uint32(len(gs.Psks)))
	for i := range gs.Psks {
		gs.Psks[i].marshal(b)
	}
}

func (gs *groupSecrets) unmarshal(s *reader) bool {
	var n uint32
	if !readVec(s, &gs.JoinerSecret) || !readCount(s, &n) {
		return false
	}
	gs.Psks = make([]PreSharedKeyID, n)
	for i := range gs.Psks {
		if !gs.Psks[i].unmarshal(s) {
			return false
		}
	}
	return true
}

func (gi *groupInfo) marshalTBS(b *builder) {
	gi.Context.marshal(b)
	gi.Tree.marshal(b)
	addVec(b, gi.ConfirmationTag)
	b.AddUint32(gi.Signer)
}

func (gi *groupInfo) marshal(b *builder) {
	gi.marshalTBS(b)
	addVec(b, gi.Signature)
}

func (gi *groupInfo) unmarshal(s *reader) bool {
	return gi.Context.unmarshal(s) &&
		gi.Tree.unmarshal(s) &&
		readVec(s, &gi.ConfirmationTag) &&
		s.ReadUint32(&gi.Signer) &&
		readVec(s, &gi.Signature)
}

// Encode returns the wire form of m.
func (m *Message) Encode() ([]byte, error) {
	return encode(func(b *builder) {
		b.AddUint16(ProtocolVersion)
		b.AddUint16(uint16(m.WireFormat))
		switch m.WireFormat {
		case WireFormatPublicMessage:
			if m.Public == nil {
				b.SetError(malformed("missing public message"))
				return
			}
			m.Public.marshal(b)
		case WireFormatPrivateMessage:
			if m.Private == nil {
				b.SetError(malformed("missing private message"))
				return
			}
			m.Private.marshal(b)
		case WireFormatWelcome:
			if m.Welcome == nil {
				b.SetError(malformed("missing welcome"))
				return
			}
			m.Welcome.marshal(b)
		case WireFormatKeyPackage:
			if m.KeyPackage == nil {
				b.SetError(malformed("missing key package"))
				return
			}
			m.KeyPackage.marshal(b)
		default:
			b.SetError(malformed(fmt.Sprintf("wire format %d", m.WireFormat)))
		}
	})
}

// DecodeMessage parses the wire form produced by Encode. Trailing bytes are
// rejected.
func DecodeMessage(data []byte) (*Message, error) {
	s := reader(data)
	m := &Message{}
	var wf uint16
	if !s.ReadUint16(&m.Version) || !s.ReadUint16(&wf) {
		return nil, malformed("truncated header")
	}
	if m.Version != ProtocolVersion {
		return nil, malformed(fmt.Sprintf("protocol version %d", m.Version))
	}
	m.WireFormat = WireFormat(wf)
	var ok bool
	switch m.WireFormat {
	case WireFormatPublicMessage:
		m.Public = new(PublicMessage)
		ok = m.Public.unmarshal(&s)
	case WireFormatPrivateMessage:
		m.Private = new(PrivateMessage)
		ok = m.Private.unmarshal(&s)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		ok = m.Welcome.unmarshal(&s)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		ok = m.KeyPackage.unmarshal(&s)
	default:
		return nil, malformed(fmt.Sprintf("wire format %d", wf))
	}
	if !ok {
		return nil, malformed(m.WireFormat.String())
	}
	if !s.Empty() {
		return nil, malformed("trailing bytes")
	}
	return m, nil
}
