package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain errors for callers that need to pick a response
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindConflict
	KindNotFound
	KindAuthorization
	KindExternal
	KindReverted
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindExternal:
		return "external_dependency"
	case KindReverted:
		return "on_chain_revert"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a typed domain error. Sentinels are compared by identity with errors.Is.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

var (
	ErrInvalidInput         = newError(KindValidation, "VALIDATION_ERROR", "invalid input")
	ErrActivityNotFound     = newError(KindNotFound, "ACTIVITY_NOT_FOUND", "activity not found")
	ErrInvalidActivity      = newError(KindValidation, "INVALID_ACTIVITY", "invalid activity")
	ErrNotOrganizer         = newError(KindAuthorization, "NOT_ORGANIZER_OF_ACTIVITY", "caller is not the organizer of this activity")
	ErrRoleNotAllowed       = newError(KindAuthorization, "ROLE_NOT_ALLOWED", "caller role cannot perform this action")
	ErrAlreadyRegistered    = newError(KindConflict, "ALREADY_REGISTERED", "already registered for this activity")
	ErrParticipantNotFound  = newError(KindNotFound, "PARTICIPANT_NOT_FOUND", "participant not found")
	ErrTeamNotFound         = newError(KindNotFound, "TEAM_NOT_FOUND", "team not found")
	ErrNotTeamEvent         = newError(KindValidation, "NOT_TEAM_EVENT", "activity does not allow teams")
	ErrAlreadyOnTeam        = newError(KindConflict, "ALREADY_ON_A_TEAM", "already on a team for this activity")
	ErrAlreadyOnAnotherTeam = newError(KindConflict, "ALREADY_ON_ANOTHER_TEAM", "already on another team for this activity")
	ErrNotLeader            = newError(KindAuthorization, "NOT_LEADER", "only the team leader can do this")
	ErrTeamFull             = newError(KindConflict, "TEAM_FULL", "team size limit reached")
	ErrAlreadyInvited       = newError(KindConflict, "ALREADY_INVITED", "email already invited to this team")
	ErrNoPendingInvite      = newError(KindNotFound, "NO_PENDING_INVITE", "no pending invite for this team")
	ErrNotAuthorized        = newError(KindAuthorization, "NOT_AUTHORIZED", "not authorized to remove this member")
	ErrCannotRemoveLeader   = newError(KindConflict, "CANNOT_REMOVE_LEADER", "the team leader cannot be removed")
	ErrMemberNotFound       = newError(KindNotFound, "MEMBER_NOT_FOUND", "member not found on this team")
	ErrSubmissionClosed     = newError(KindConflict, "SUBMISSION_CLOSED", "submissions are not open for this activity")
	ErrRequestNotFound      = newError(KindNotFound, "NOT_FOUND", "certificate request not found")
	ErrNotRegistered        = newError(KindConflict, "PARTICIPANT_NOT_REGISTERED", "participant is not registered for this activity")
	ErrInvalidCertType      = newError(KindValidation, "INVALID_CERTIFICATE_TYPE", "certificate type not valid for this activity")
	ErrDuplicatePending     = newError(KindConflict, "DUPLICATE_PENDING_REQUEST", "a request for this certificate is already pending")
	ErrNotOwner             = newError(KindAuthorization, "NOT_OWNER", "certificate request belongs to another participant")
	ErrNotPending           = newError(KindConflict, "NOT_PENDING", "certificate request is not pending")
	ErrNotMinting           = newError(KindConflict, "NOT_MINTING", "certificate request is not minting")
	ErrMintInProgress       = newError(KindConflict, "MINT_IN_PROGRESS", "mint is already being processed")
	ErrNotCancellable       = newError(KindConflict, "NOT_CANCELLABLE", "mint can no longer be cancelled")
	ErrMintReverted         = newError(KindReverted, "MINT_REVERTED", "minting failed on chain, please retry")
	ErrInvalidWalletAddress = newError(KindValidation, "INVALID_WALLET_ADDRESS", "wallet address is not a valid address")
	ErrRateLimited          = newError(KindRateLimited, "RATE_LIMITED", "too many attempts, try again later")
	ErrExternalDependency   = newError(KindExternal, "EXTERNAL_DEPENDENCY", "external service unavailable")
)

// ExternalError marks err as an external-dependency failure raised during step
func ExternalError(step string, err error) error {
	return &externalError{step: step, err: err}
}

type externalError struct {
	step string
	err  error
}

func (e *externalError) Error() string {
	return fmt.Sprintf("%s: %v", e.step, e.err)
}

func (e *externalError) Unwrap() error { return e.err }

func (e *externalError) Is(target error) bool { return target == ErrExternalDependency }

// AsError extracts the domain error carried by err, if any
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	if errors.Is(err, ErrExternalDependency) {
		return ErrExternalDependency, true
	}
	return nil, false
}
