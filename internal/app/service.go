/**
 * @description
 * This file contains the core business logic for the proof-service. The `Service`
 * struct orchestrates identity registration, custodial account attachment, paid
 * attempt requests and attester status reports, coordinating between the store and
 * the token ledger.
 *
 * Key features:
 * - Every mutating operation runs in one store transaction. Ledger legs run last,
 *   inside that transaction, so a ledger rejection rolls back every staged write.
 * - Operations are serialized by a service mutex. A mutating call that arrives
 *   while a ledger leg is in flight is rejected, whatever context it carries.
 * - State changes enqueue outbox events in the same transaction.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, sync, sync/atomic, time: Standard Go libraries.
 * - github.com/google/uuid: For event ids.
 * - internal/domain, internal/store, internal/ledger, internal/pricing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/proof-service/internal/domain"
	"github.com/transfa/proof-service/internal/ledger"
	"github.com/transfa/proof-service/internal/pricing"
	"github.com/transfa/proof-service/internal/store"
)

// MaxIdentityLength is the longest identity accepted, in bytes, after trimming.
const MaxIdentityLength = 32

const defaultEventsExchange = "proof.events"

// ServiceConfig carries the privileged addresses the service acts for.
type ServiceConfig struct {
	AttesterAddress domain.Address
	PlatformAddress domain.Address
	EventsExchange  string
}

// Service provides the core business logic for the proof protocol.
type Service struct {
	repo     store.Repository
	ledger   ledger.Ledger
	attester domain.Address
	platform domain.Address
	exchange string
	now      func() time.Time

	mu sync.Mutex
	// collaborating is set while the ledger is being called under mu.
	collaborating atomic.Bool
}

// AttemptReceipt is returned by RequestAttempt.
type AttemptReceipt struct {
	Attempt domain.Attempt `json:"attempt"`
	Split   pricing.Split  `json:"split"`
	Payout  domain.Address `json:"payout_account"`
}

// Quote is the price an identity's next attempt would pay right now.
type Quote struct {
	Identity   string         `json:"identity"`
	Difficulty uint64         `json:"difficulty"`
	Fee        int64          `json:"fee"`
	Split      pricing.Split  `json:"split"`
	Payout     domain.Address `json:"payout_account"`
}

type reentrancyKey struct{}

// NewService creates a new proof service instance.
func NewService(repo store.Repository, tokens ledger.Ledger, cfg ServiceConfig) (*Service, error) {
	if repo == nil || tokens == nil {
		return nil, errors.New("proof service requires a repository and a ledger")
	}
	if cfg.AttesterAddress.IsZero() {
		return nil, fmt.Errorf("attester address: %w", ErrZeroAddress)
	}
	if cfg.PlatformAddress.IsZero() {
		return nil, fmt.Errorf("platform address: %w", ErrZeroAddress)
	}
	exchange := strings.TrimSpace(cfg.EventsExchange)
	if exchange == "" {
		exchange = defaultEventsExchange
	}
	return &Service{
		repo:     repo,
		ledger:   tokens,
		attester: domain.Address(strings.TrimSpace(cfg.AttesterAddress.String())),
		platform: domain.Address(strings.TrimSpace(cfg.PlatformAddress.String())),
		exchange: exchange,
		now:      time.Now,
	}, nil
}

// SetClock replaces the wall clock used for timestamps and expiry.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Attester returns the configured attester address.
func (s *Service) Attester() domain.Address {
	return s.attester
}

// Register creates a profile for identity and charges the registration fee to caller.
func (s *Service) Register(ctx context.Context, caller domain.Address, identity, displayName, imageRef string) (*domain.UserProfile, error) {
	ctx, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	identity, err = normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	if caller.IsZero() {
		return nil, fmt.Errorf("caller: %w", ErrZeroAddress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	profile := domain.UserProfile{
		Identity:     identity,
		DisplayName:  strings.TrimSpace(displayName),
		ImageRef:     strings.TrimSpace(imageRef),
		RegisteredBy: caller,
		RegisteredAt: now.Unix(),
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProfile(ctx, identity); err == nil {
			return fmt.Errorf("register %s: %w", identity, ErrIdentityExists)
		} else if !errors.Is(err, store.ErrIdentityNotFound) {
			return fmt.Errorf("failed to look up identity: %w", err)
		}
		if err := tx.CreateProfile(ctx, profile); err != nil {
			return fmt.Errorf("failed to create profile: %w", err)
		}
		event := domain.IdentityRegisteredEvent{
			EventID:      uuid.NewString(),
			Identity:     identity,
			RegisteredBy: caller,
			Fee:          pricing.RegistrationFee,
			OccurredAt:   now.UTC(),
		}
		if err := tx.EnqueueEvent(ctx, s.exchange, domain.RoutingKeyIdentityRegistered, event); err != nil {
			return err
		}
		err := s.callLedger(func() error {
			return s.ledger.Transfer(context.WithoutCancel(ctx), caller, s.platform, pricing.RegistrationFee)
		})
		if err != nil {
			return fmt.Errorf("failed to charge registration fee: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=proof_service op=register identity=%q caller=%s msg=\"registration rejected\" err=%q", identity, caller, err)
		return nil, err
	}

	log.Printf("level=info component=proof_service op=register identity=%q caller=%s fee=%d msg=\"identity registered\"", identity, caller, pricing.RegistrationFee)
	return &profile, nil
}

// AttachAccount binds the custodial payout account of identity. Attester only; once per identity.
func (s *Service) AttachAccount(ctx context.Context, caller domain.Address, identity string, account domain.Address) (*domain.UserProfile, error) {
	ctx, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.requireAttester(caller); err != nil {
		return nil, err
	}
	identity, err = normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	account = domain.Address(strings.TrimSpace(account.String()))
	if account.IsZero() {
		return nil, fmt.Errorf("custodial account: %w", ErrZeroAddress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var updated domain.UserProfile
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		profile, err := tx.GetProfile(ctx, identity)
		if err != nil {
			return fmt.Errorf("attach account to %s: %w", identity, err)
		}
		if profile.HasCustodialAccount() {
			return fmt.Errorf("attach account to %s: %w", identity, ErrAccountAlreadySet)
		}
		if err := tx.UpdateProfileAccount(ctx, identity, account); err != nil {
			return fmt.Errorf("failed to attach account: %w", err)
		}
		profile.CustodialAccount = account
		updated = *profile

		event := domain.AccountAttachedEvent{
			EventID:    uuid.NewString(),
			Identity:   identity,
			Account:    account,
			OccurredAt: s.now().UTC(),
		}
		return tx.EnqueueEvent(ctx, s.exchange, domain.RoutingKeyAccountAttached, event)
	})
	if err != nil {
		log.Printf("level=warn component=proof_service op=attach_account identity=%q msg=\"attach rejected\" err=%q", identity, err)
		return nil, err
	}

	log.Printf("level=info component=proof_service op=attach_account identity=%q account=%s msg=\"custodial account attached\"", identity, account)
	return &updated, nil
}

// RequestAttempt charges caller the current attempt fee for identity and opens a pending attempt.
func (s *Service) RequestAttempt(ctx context.Context, caller domain.Address, identity string) (*AttemptReceipt, error) {
	ctx, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	identity, err = normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	if caller.IsZero() {
		return nil, fmt.Errorf("caller: %w", ErrZeroAddress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var receipt AttemptReceipt
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		profile, err := tx.GetProfile(ctx, identity)
		if err != nil {
			return fmt.Errorf("request attempt for %s: %w", identity, err)
		}
		state, created, err := loadUserState(ctx, tx, identity)
		if err != nil {
			return err
		}

		fee := pricing.AttemptFee(state.SuccessCount, state.FailureCount)
		split := pricing.SplitFee(fee)
		payout := s.payoutAccount(*profile)
		now := s.now()

		attempt := domain.Attempt{
			Identity:   identity,
			Requester:  caller,
			Difficulty: state.Difficulty,
			Fee:        fee,
			Status:     domain.StatusPending,
			CreatedAt:  now.Unix(),
			ExpiresAt:  now.Unix() + AttemptExpirySeconds,
		}
		if created {
			if err := tx.SaveUserState(ctx, state); err != nil {
				return fmt.Errorf("failed to create user state: %w", err)
			}
		}
		if err := tx.CreateAttempt(ctx, &attempt); err != nil {
			return fmt.Errorf("failed to create attempt: %w", err)
		}

		event := domain.AttemptRequestedEvent{
			EventID:    uuid.NewString(),
			AttemptID:  attempt.ID,
			Identity:   identity,
			Requester:  caller,
			Difficulty: attempt.Difficulty,
			Fee:        fee,
			UserShare:  split.User,
			Verifier:   split.Verifier,
			Platform:   split.Platform,
			ExpiresAt:  attempt.ExpiresAt,
			OccurredAt: now.UTC(),
		}
		if err := tx.EnqueueEvent(ctx, s.exchange, domain.RoutingKeyAttemptRequested, event); err != nil {
			return err
		}

		if err := s.settleAttemptFee(ctx, attempt.ID, caller, payout, split); err != nil {
			return err
		}
		receipt = AttemptReceipt{Attempt: attempt, Split: split, Payout: payout}
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=proof_service op=request_attempt identity=%q requester=%s msg=\"attempt rejected\" err=%q", identity, caller, err)
		return nil, err
	}

	log.Printf("level=info component=proof_service op=request_attempt identity=%q attempt_id=%d fee=%d difficulty=%d msg=\"attempt created\"", identity, receipt.Attempt.ID, receipt.Attempt.Fee, receipt.Attempt.Difficulty)
	return &receipt, nil
}

// settleAttemptFee pays the three legs of an attempt fee in a fixed order.
func (s *Service) settleAttemptFee(ctx context.Context, attemptID uint64, requester, payout domain.Address, split pricing.Split) error {
	return s.callLedger(func() error {
		return s.settleLegs(ctx, attemptID, requester, payout, split)
	})
}

func (s *Service) settleLegs(ctx context.Context, attemptID uint64, requester, payout domain.Address, split pricing.Split) error {
	balance, err := s.ledger.BalanceOf(ctx, requester)
	if err != nil {
		return fmt.Errorf("failed to read requester balance: %w", err)
	}
	if balance < split.Total() {
		return fmt.Errorf("requester balance %d below attempt fee %d: %w", balance, split.Total(), ledger.ErrInsufficientBalance)
	}

	// Once the first leg starts the rest must not be cut short by the caller.
	ctx = context.WithoutCancel(ctx)

	legs := []struct {
		name string
		run  func() error
	}{
		{name: "user_share", run: func() error { return s.ledger.Transfer(ctx, requester, payout, split.User) }},
		{name: "verifier_share", run: func() error { return s.ledger.Transfer(ctx, requester, s.attester, split.Verifier) }},
		{name: "platform_burn", run: func() error { return s.ledger.Burn(ctx, requester, split.Platform) }},
	}
	for i, leg := range legs {
		if err := leg.run(); err != nil {
			if i > 0 {
				log.Printf("level=critical component=proof_service op=settle_attempt_fee attempt_id=%d requester=%s failed_leg=%s completed_legs=%d msg=\"partial fee settlement; manual reconciliation required\" err=%q", attemptID, requester, leg.name, i, err)
			}
			return fmt.Errorf("failed to settle %s: %w", leg.name, err)
		}
	}
	return nil
}

// UpdateAttemptStatus applies an attester report to an attempt. Attester only.
func (s *Service) UpdateAttemptStatus(ctx context.Context, caller domain.Address, attemptID uint64, next domain.Status) (*domain.Attempt, error) {
	ctx, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.requireAttester(caller); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var updated domain.Attempt
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		attempt, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("update attempt %d: %w", attemptID, err)
		}
		state, _, err := loadUserState(ctx, tx, attempt.Identity)
		if err != nil {
			return err
		}

		from := attempt.Status
		now := s.now()
		if err := Advance(attempt, &state, next, now.Unix()); err != nil {
			return err
		}
		if err := tx.UpdateAttempt(ctx, *attempt); err != nil {
			return fmt.Errorf("failed to update attempt: %w", err)
		}

		event := domain.AttemptStatusChangedEvent{
			EventID:    uuid.NewString(),
			AttemptID:  attempt.ID,
			Identity:   attempt.Identity,
			From:       from,
			To:         next,
			HighAbuse:  state.HighAbuse,
			OccurredAt: now.UTC(),
		}
		if next.IsTerminal() {
			if err := tx.SaveUserState(ctx, state); err != nil {
				return fmt.Errorf("failed to save user state: %w", err)
			}
			event.NewDifficulty = state.Difficulty
		}
		if err := tx.EnqueueEvent(ctx, s.exchange, domain.RoutingKeyAttemptStatusChanged, event); err != nil {
			return err
		}
		updated = *attempt
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=proof_service op=update_attempt_status attempt_id=%d status=%s msg=\"status update rejected\" err=%q", attemptID, next, err)
		return nil, err
	}

	log.Printf("level=info component=proof_service op=update_attempt_status attempt_id=%d identity=%q status=%s msg=\"attempt advanced\"", updated.ID, updated.Identity, updated.Status)
	return &updated, nil
}

// GetProfile returns the profile registered for identity.
func (s *Service) GetProfile(ctx context.Context, identity string) (*domain.UserProfile, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	return s.repo.GetProfile(ctx, identity)
}

// GetUserState returns the aggregate for identity. A registered identity with
// no attempts yet reports the initial state.
func (s *Service) GetUserState(ctx context.Context, identity string) (*domain.UserState, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	state, err := s.repo.GetUserState(ctx, identity)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, store.ErrUserStateNotFound) {
		return nil, err
	}
	exists, err := s.repo.IdentityExists(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrIdentityNotFound
	}
	initial := newUserState(identity)
	return &initial, nil
}

// GetAttempt returns one attempt record.
func (s *Service) GetAttempt(ctx context.Context, attemptID uint64) (*domain.Attempt, error) {
	return s.repo.GetAttempt(ctx, attemptID)
}

// IdentityExists reports whether identity is registered. Malformed identities are never registered.
func (s *Service) IdentityExists(ctx context.Context, identity string) (bool, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return false, nil
	}
	return s.repo.IdentityExists(ctx, identity)
}

// ListIdentities returns every registered identity in registration order.
func (s *Service) ListIdentities(ctx context.Context) ([]string, error) {
	return s.repo.ListIdentities(ctx)
}

// ListAttempts returns the attempts opened against identity, oldest first.
func (s *Service) ListAttempts(ctx context.Context, identity string) ([]domain.Attempt, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	exists, err := s.repo.IdentityExists(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrIdentityNotFound
	}
	return s.repo.ListAttemptsByIdentity(ctx, identity)
}

// QuoteAttempt prices the next attempt for identity without changing anything.
func (s *Service) QuoteAttempt(ctx context.Context, identity string) (*Quote, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	profile, err := s.repo.GetProfile(ctx, identity)
	if err != nil {
		return nil, err
	}
	state, err := s.GetUserState(ctx, identity)
	if err != nil {
		return nil, err
	}
	fee := pricing.AttemptFee(state.SuccessCount, state.FailureCount)
	return &Quote{
		Identity:   identity,
		Difficulty: state.Difficulty,
		Fee:        fee,
		Split:      pricing.SplitFee(fee),
		Payout:     s.payoutAccount(*profile),
	}, nil
}

func (s *Service) payoutAccount(profile domain.UserProfile) domain.Address {
	if profile.HasCustodialAccount() {
		return profile.CustodialAccount
	}
	return s.platform
}

func (s *Service) requireAttester(caller domain.Address) error {
	if caller.IsZero() || !strings.EqualFold(strings.TrimSpace(caller.String()), s.attester.String()) {
		return ErrUnauthorized
	}
	return nil
}

func loadUserState(ctx context.Context, tx store.Tx, identity string) (domain.UserState, bool, error) {
	state, err := tx.GetUserState(ctx, identity)
	if err == nil {
		return *state, false, nil
	}
	if errors.Is(err, store.ErrUserStateNotFound) {
		return newUserState(identity), true, nil
	}
	return domain.UserState{}, false, fmt.Errorf("failed to load user state: %w", err)
}

// enter marks ctx as inside a mutating operation. It rejects nested entry
// through ctx, and any entry while a ledger call is in flight.
func (s *Service) enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(reentrancyKey{}) != nil || s.collaborating.Load() {
		return ctx, ErrReentrantCall
	}
	return context.WithValue(ctx, reentrancyKey{}, true), nil
}

// callLedger runs fn with the collaborating flag raised. Callers hold mu.
func (s *Service) callLedger(fn func() error) error {
	s.collaborating.Store(true)
	defer s.collaborating.Store(false)
	return fn()
}

func normalizeIdentity(identity string) (string, error) {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" || len(trimmed) > MaxIdentityLength {
		return "", ErrInvalidIdentity
	}
	return trimmed, nil
}
