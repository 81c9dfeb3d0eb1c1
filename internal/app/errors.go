package app

import (
	"errors"

	"github.com/transfa/proof-service/internal/ledger"
	"github.com/transfa/proof-service/internal/store"
)

var (
	ErrInvalidIdentity   = errors.New("identity must be between 1 and 32 bytes")
	ErrZeroAddress       = errors.New("address must not be zero")
	ErrInvalidStatus     = errors.New("invalid attempt status")
	ErrUnauthorized      = errors.New("caller is not the attester")
	ErrAccountAlreadySet = errors.New("custodial account already attached")
	ErrIllegalTransition = errors.New("illegal attempt status transition")
	ErrAttemptExpired    = errors.New("attempt expired")
	ErrReentrantCall     = errors.New("reentrant call")
	ErrRateLimited       = errors.New("rate limit exceeded")

	ErrIdentityExists   = store.ErrIdentityExists
	ErrIdentityNotFound = store.ErrIdentityNotFound
	ErrAttemptNotFound  = store.ErrAttemptNotFound
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindState
	KindInsufficientBalance
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// KindOf classifies err. Unrecognized errors, including ledger transport
// failures, are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidIdentity),
		errors.Is(err, ErrZeroAddress),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAddress):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrIdentityNotFound), errors.Is(err, ErrAttemptNotFound):
		return KindNotFound
	case errors.Is(err, ErrIdentityExists),
		errors.Is(err, ErrAccountAlreadySet),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrAttemptExpired),
		errors.Is(err, ErrReentrantCall):
		return KindState
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}
