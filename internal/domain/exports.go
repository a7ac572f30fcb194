package domain

import (
	interfaces "dmls/internal/domain/interfaces"
	types "dmls/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Fingerprint  = types.Fingerprint
	GroupID      = types.GroupID
	PskID        = types.PskID
	IncomingKind = types.IncomingKind
	Incoming     = types.Incoming
	GroupSummary = types.GroupSummary
	StateInfo    = types.StateInfo
)

const (
	IncomingApplication = types.IncomingApplication
	IncomingCommit      = types.IncomingCommit
	IncomingWelcome     = types.IncomingWelcome
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityService   = interfaces.IdentityService
	KeyPackageService = interfaces.KeyPackageService
	ContinuityService = interfaces.ContinuityService
	StateRepository   = interfaces.StateRepository
)
