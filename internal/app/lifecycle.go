package app

import (
	"fmt"

	"github.com/transfa/proof-service/internal/domain"
	"github.com/transfa/proof-service/internal/pricing"
)

// AttemptExpirySeconds is how long an attempt can be advanced after creation.
const AttemptExpirySeconds int64 = 600

// CanTransition reports whether from -> to is one of the three legal edges.
func CanTransition(from, to domain.Status) bool {
	switch from {
	case domain.StatusPending:
		return to == domain.StatusInProgress
	case domain.StatusInProgress:
		return to == domain.StatusSuccess || to == domain.StatusFailed
	default:
		return false
	}
}

// Advance moves attempt to next and, when next is terminal, folds the outcome
// into state. Both arguments are the caller's working copies; on error neither
// has been touched.
func Advance(attempt *domain.Attempt, state *domain.UserState, next domain.Status, now int64) error {
	if attempt.Expired(now) {
		return fmt.Errorf("attempt %d expired at %d: %w", attempt.ID, attempt.ExpiresAt, ErrAttemptExpired)
	}
	if !next.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, next)
	}
	if !CanTransition(attempt.Status, next) {
		return fmt.Errorf("attempt %d %s -> %s: %w", attempt.ID, attempt.Status, next, ErrIllegalTransition)
	}

	attempt.Status = next
	if next.IsTerminal() {
		attempt.ResolvedAt = now
		RecordOutcome(state, next == domain.StatusSuccess, now)
	}
	return nil
}

// RecordOutcome applies one resolved attempt to state. The difficulty is
// recomputed last, from the counters that already include this outcome.
func RecordOutcome(state *domain.UserState, success bool, now int64) {
	state.TotalAttempts++
	if success {
		state.SuccessCount++
	} else {
		state.FailureCount++
		if state.FirstFailureAt == 0 {
			state.FirstFailureAt = now
		}
		state.LastFailureAt = now
	}
	state.HighAbuse = state.HighAbuse || pricing.IsHighAbuse(state.FailureCount, state.FirstFailureAt, now)
	state.Difficulty = pricing.Difficulty(state.TotalAttempts, state.SuccessCount, state.FailureCount, state.HighAbuse)
}

// newUserState is the state of an identity with no resolved attempts.
func newUserState(identity string) domain.UserState {
	return domain.UserState{Identity: identity, Difficulty: pricing.MinRounds}
}
