package kvstore

// Entity labels. Each engine entity type owns exactly one label.
var (
	LabelTree                  = []byte("Tree")
	LabelGroupContext          = []byte("GroupContext")
	LabelInterimTranscriptHash = []byte("InterimTranscriptHash")
	LabelConfirmationTag       = []byte("ConfirmationTag")
	LabelQueuedProposal        = []byte("QueuedProposal")
	LabelProposalQueueRefs     = []byte("ProposalQueueRefs")
	LabelSignatureKeyPair      = []byte("SignatureKeyPair")
	LabelEncryptionKeyPair     = []byte("EncryptionKeyPair")
	LabelKeyPackage            = []byte("KeyPackage")
	LabelPsk                   = []byte("Psk")
	LabelEpochKeyPairs         = []byte("EpochKeyPairs")
	LabelJoinConfig            = []byte("MlsGroupJoinConfig")
	LabelOwnLeafNodes          = []byte("OwnLeafNodes")
	LabelOwnLeafNodeIndex      = []byte("OwnLeafNodeIndex")
	LabelEpochSecrets          = []byte("EpochSecrets")
	LabelResumptionPsk         = []byte("ResumptionPsk")
	LabelMessageSecrets        = []byte("MessageSecrets")
	LabelGroupState            = []byte("GroupState")
)

// Labels returns every reserved label.
func Labels() [][]byte {
	return [][]byte{
		LabelTree,
		LabelGroupContext,
		LabelInterimTranscriptHash,
		LabelConfirmationTag,
		LabelQueuedProposal,
		LabelProposalQueueRefs,
		LabelSignatureKeyPair,
		LabelEncryptionKeyPair,
		LabelKeyPackage,
		LabelPsk,
		LabelEpochKeyPairs,
		LabelJoinConfig,
		LabelOwnLeafNodes,
		LabelOwnLeafNodeIndex,
		LabelEpochSecrets,
		LabelResumptionPsk,
		LabelMessageSecrets,
		LabelGroupState,
	}
}
