/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, which specify the contract for
 * all data access operations required by the proof-service. Reads outside a transaction
 * only ever observe committed state; every mutation goes through `WithinTx`, so a failure
 * anywhere in an operation leaves no partial write behind.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/transfa/proof-service/internal/domain"
)

var (
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrIdentityExists    = errors.New("identity already registered")
	ErrUserStateNotFound = errors.New("user state not found")
	ErrAttemptNotFound   = errors.New("attempt not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Committed reads
	GetProfile(ctx context.Context, identity string) (*domain.UserProfile, error)
	GetUserState(ctx context.Context, identity string) (*domain.UserState, error)
	GetAttempt(ctx context.Context, attemptID uint64) (*domain.Attempt, error)
	IdentityExists(ctx context.Context, identity string) (bool, error)
	ListIdentities(ctx context.Context) ([]string, error)
	ListAttemptsByIdentity(ctx context.Context, identity string) ([]domain.Attempt, error)

	// WithinTx runs fn in a single transaction. fn returning an error rolls back
	// every write it staged, including enqueued events.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	OutboxStore
}

// Tx is the staged view of the store inside WithinTx. Reads observe the
// transaction's own writes; the Postgres implementation takes row locks on them.
type Tx interface {
	GetProfile(ctx context.Context, identity string) (*domain.UserProfile, error)
	CreateProfile(ctx context.Context, profile domain.UserProfile) error
	UpdateProfileAccount(ctx context.Context, identity string, account domain.Address) error

	GetUserState(ctx context.Context, identity string) (*domain.UserState, error)
	SaveUserState(ctx context.Context, state domain.UserState) error

	// CreateAttempt assigns the next dense id (starting at 1) to attempt.ID.
	CreateAttempt(ctx context.Context, attempt *domain.Attempt) error
	GetAttempt(ctx context.Context, attemptID uint64) (*domain.Attempt, error)
	UpdateAttempt(ctx context.Context, attempt domain.Attempt) error

	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// OutboxStore is the part of the store the outbox dispatcher needs.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// OutboxMessage is one claimed event waiting to be published.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
