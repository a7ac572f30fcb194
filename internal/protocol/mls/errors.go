package mls

import "errors"

var (
	ErrInvalidSignature       = errors.New("mls: invalid signature")
	ErrTreeHashMismatch       = errors.New("mls: tree hash mismatch")
	ErrWrongEpoch             = errors.New("mls: message from wrong epoch")
	ErrWrongGroup             = errors.New("mls: message for another group")
	ErrNoMatchingKeyPackage   = errors.New("mls: no matching key package for welcome")
	ErrMissingPsk             = errors.New("mls: pre-shared key not found")
	ErrConfirmationMismatch   = errors.New("mls: confirmation tag mismatch")
	ErrUnsupportedCiphersuite = errors.New("mls: unsupported ciphersuite")
	ErrGroupInactive          = errors.New("mls: group is inactive")
	ErrMalformedMessage       = errors.New("mls: malformed message")
	ErrInvalidKeyPackage      = errors.New("mls: invalid key package")
	ErrInvalidProposal        = errors.New("mls: invalid proposal")
	ErrUnknownMember          = errors.New("mls: unknown member")
	ErrPendingCommit          = errors.New("mls: group has a pending commit")
	ErrNoPendingCommit        = errors.New("mls: no pending commit")
	ErrGroupExists            = errors.New("mls: group already exists")
	ErrOwnMessage             = errors.New("mls: cannot process own message")
	ErrGenerationReused       = errors.New("mls: message generation already consumed")
	ErrTooDistantInFuture     = errors.New("mls: message generation too far ahead")
	ErrMissingKeyPair         = errors.New("mls: encryption key pair not found")
)
