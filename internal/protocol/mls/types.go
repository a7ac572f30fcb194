package mls

// ProtocolVersion is the only framing version this engine emits or accepts.
const ProtocolVersion uint16 = 1

// Credential names a member. Identity is opaque to the engine.
type Credential struct {
	Identity []byte `json:"identity"`
}

// CredentialWithKey pairs a credential with the signature key that speaks for it.
type CredentialWithKey struct {
	Credential   Credential
	SignatureKey []byte
}

// LeafNode is a member's entry in the tree.
type LeafNode struct {
	EncryptionKey []byte     `json:"encryption_key"`
	SignatureKey  []byte     `json:"signature_key"`
	Credential    Credential `json:"credential"`
	Signature     []byte     `json:"signature"`
}

// KeyPackage is a signed, single-use invitation a peer publishes so that
// others can add it to a group.
type KeyPackage struct {
	Version     uint16      `json:"version"`
	Ciphersuite Ciphersuite `json:"ciphersuite"`
	InitKey     []byte      `json:"init_key"`
	LeafNode    LeafNode    `json:"leaf_node"`
	Signature   []byte      `json:"signature"`
}

// GroupContext summarises one epoch of a group.
type GroupContext struct {
	Version                 uint16      `json:"version"`
	Ciphersuite             Ciphersuite `json:"ciphersuite"`
	GroupID                 []byte      `json:"group_id"`
	Epoch                   uint64      `json:"epoch"`
	TreeHash                []byte      `json:"tree_hash"`
	ConfirmedTranscriptHash []byte      `json:"confirmed_transcript_hash"`
}

// Tree is the flat member list. A nil entry is a blank leaf left by a removal.
type Tree []*LeafNode

// ProposalType discriminates Proposal.
type ProposalType uint16

const (
	ProposalAdd          ProposalType = 1
	ProposalRemove       ProposalType = 3
	ProposalPreSharedKey ProposalType = 4
)

func (t ProposalType) String() string {
	switch t {
	case ProposalAdd:
		return "add"
	case ProposalRemove:
		return "remove"
	case ProposalPreSharedKey:
		return "psk"
	default:
		return "unknown"
	}
}

// Proposal is a single change to group membership or key material. Exactly
// one of the payload fields matching Type is set.
type Proposal struct {
	Type         ProposalType    `json:"type"`
	Add          *KeyPackage     `json:"add,omitempty"`
	Remove       *uint32         `json:"remove,omitempty"`
	PreSharedKey *PreSharedKeyID `json:"psk,omitempty"`
}

// NewAddProposal proposes adding the owner of kp.
func NewAddProposal(kp *KeyPackage) Proposal {
	return Proposal{Type: ProposalAdd, Add: kp}
}

// NewRemoveProposal proposes removing the member at leaf.
func NewRemoveProposal(leaf uint32) Proposal {
	return Proposal{Type: ProposalRemove, Remove: &leaf}
}

// NewPreSharedKeyProposal proposes mixing the PSK named by id into the next epoch.
func NewPreSharedKeyProposal(id PreSharedKeyID) Proposal {
	return Proposal{Type: ProposalPreSharedKey, PreSharedKey: &id}
}

// QueuedProposal is a proposal waiting in the local proposal store.
type QueuedProposal struct {
	Ref      []byte   `json:"ref"`
	Sender   uint32   `json:"sender"`
	Proposal Proposal `json:"proposal"`
}

// EncryptedPathSecret carries the commit secret sealed to one member.
type EncryptedPathSecret struct {
	Recipient  uint32 `json:"recipient"`
	KEMOutput  []byte `json:"kem_output"`
	Ciphertext []byte `json:"ciphertext"`
}

// UpdatePath replaces the committer's leaf and distributes a fresh commit secret.
type UpdatePath struct {
	LeafNode LeafNode              `json:"leaf_node"`
	Secrets  []EncryptedPathSecret `json:"secrets"`
}

// Commit applies a list of proposals and optionally an update path.
type Commit struct {
	Proposals []Proposal  `json:"proposals"`
	Path      *UpdatePath `json:"path,omitempty"`
}

// ContentType discriminates the payload of a PublicMessage.
type ContentType uint8

const (
	ContentApplication ContentType = 1
	ContentProposal    ContentType = 2
	ContentCommit      ContentType = 3
)

// PublicMessage is signed but not encrypted. It carries proposals and commits.
type PublicMessage struct {
	GroupID         []byte
	Epoch           uint64
	Sender          uint32
	ContentType     ContentType
	Proposal        *Proposal
	Commit          *Commit
	Signature       []byte
	ConfirmationTag []byte
}

// PrivateMessage is an encrypted application message.
type PrivateMessage struct {
	GroupID    []byte
	Epoch      uint64
	Sender     uint32
	Generation uint32
	Ciphertext []byte
}

// EncryptedGroupSecrets addresses one new member by key package reference.
type EncryptedGroupSecrets struct {
	NewMember  []byte
	KEMOutput  []byte
	Ciphertext []byte
}

// Welcome lets new members join the epoch created by an adding commit.
type Welcome struct {
	Ciphersuite        Ciphersuite
	Secrets            []EncryptedGroupSecrets
	EncryptedGroupInfo []byte
}

type groupSecrets struct {
	JoinerSecret []byte
	Psks         []PreSharedKeyID
}

type groupInfo struct {
	Context         GroupContext
	Tree            Tree
	ConfirmationTag []byte
	Signer          uint32
	Signature       []byte
}

// WireFormat discriminates Message.
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
	WireFormatWelcome        WireFormat = 3
	WireFormatKeyPackage     WireFormat = 5
)

func (w WireFormat) String() string {
	switch w {
	case WireFormatPublicMessage:
		return "public_message"
	case WireFormatPrivateMessage:
		return "private_message"
	case WireFormatWelcome:
		return "welcome"
	case WireFormatKeyPackage:
		return "key_package"
	default:
		return "unknown"
	}
}

// Message is the outer framing of everything that leaves a participant.
// Exactly one body field matching WireFormat is set.
type Message struct {
	Version    uint16
	WireFormat WireFormat
	Public     *PublicMessage
	Private    *PrivateMessage
	Welcome    *Welcome
	KeyPackage *KeyPackage
}

// GroupID returns the group a protocol message belongs to. ok is false for
// welcomes and key packages.
func (m *Message) GroupID() (id []byte, ok bool) {
	switch {
	case m.Public != nil:
		return m.Public.GroupID, true
	case m.Private != nil:
		return m.Private.GroupID, true
	default:
		return nil, false
	}
}

// Member describes one occupied leaf.
type Member struct {
	Index        uint32
	Identity     []byte
	SignatureKey []byte
}

func (t Tree) clone() Tree {
	out := make(Tree, len(t))
	for i, l := range t {
		if l != nil {
			c := *l
			out[i] = &c
		}
	}
	return out
}

func (t Tree) leaf(i uint32) (*LeafNode, bool) {
	if int(i) >= len(t) || t[i] == nil {
		return nil, false
	}
	return t[i], true
}

// add places l in the first blank leaf, or appends it.
func (t Tree) add(l *LeafNode) (Tree, uint32) {
	for i, cur := range t {
		if cur == nil {
			t[i] = l
			return t, uint32(i)
		}
	}
	return append(t, l), uint32(len(t))
}

// remove blanks leaf i and trims trailing blanks.
func (t Tree) remove(i uint32) Tree {
	t[i] = nil
	for len(t) > 0 && t[len(t)-1] == nil {
		t = t[:len(t)-1]
	}
	return t
}

func (t Tree) members() []Member {
	var out []Member
	for i, l := range t {
		if l == nil {
			continue
		}
		out = append(out, Member{Index: uint32(i), Identity: l.Credential.Identity, SignatureKey: l.SignatureKey})
	}
	return out
}
