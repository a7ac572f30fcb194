package types

// IncomingKind says what handling an inbound message did.
type IncomingKind int

const (
	// IncomingApplication carries decrypted text.
	IncomingApplication IncomingKind = iota + 1
	// IncomingCommit means a commit was merged and the group moved on.
	IncomingCommit
	// IncomingWelcome means a new group was joined.
	IncomingWelcome
)

func (k IncomingKind) String() string {
	switch k {
	case IncomingApplication:
		return "application"
	case IncomingCommit:
		return "commit"
	case IncomingWelcome:
		return "welcome"
	default:
		return "unknown"
	}
}

// Incoming is the outcome of one inbound message.
type Incoming struct {
	Kind    IncomingKind
	GroupID GroupID
	Epoch   uint64
	Sender  uint32
	// Plaintext is set for IncomingApplication.
	Plaintext string
	// QueuedPsk is the exporter PSK queued after a merged commit.
	QueuedPsk PskID
	// InjectedPsks counts the PSK proposals the merged commit carried.
	InjectedPsks int
	// Evicted is true when the commit removed the local member and the
	// group's state was deleted.
	Evicted bool
}

// GroupSummary describes one locally stored group.
type GroupSummary struct {
	GroupID     GroupID
	Epoch       uint64
	Active      bool
	OwnLeaf     uint32
	Members     int
	Ciphersuite string
}

// StateInfo summarises a session for display.
type StateInfo struct {
	Fingerprint Fingerprint
	SendGroup   *GroupSummary
	QueueLen    int
	// StoredPsks counts every PSK secret held in storage, queued or not.
	StoredPsks int
}
