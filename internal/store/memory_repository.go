package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/transfa/proof-service/internal/domain"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusPublished  = "published"
)

// MemoryRepository is an in-process Repository. Transactions are serialized and
// stage their writes in an overlay that is applied to committed state on success.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	profiles      map[string]domain.UserProfile
	order         []string
	states        map[string]domain.UserState
	attempts      map[uint64]domain.Attempt
	byIdentity    map[string][]uint64
	nextAttemptID uint64

	outbox       []*memoryOutboxRow
	nextOutboxID int64

	now func() time.Time
}

type memoryOutboxRow struct {
	msg                 OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
}

// OutboxRecord is a point-in-time view of an outbox row.
type OutboxRecord struct {
	OutboxMessage
	Status    string
	LastError string
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		profiles:   make(map[string]domain.UserProfile),
		states:     make(map[string]domain.UserState),
		attempts:   make(map[uint64]domain.Attempt),
		byIdentity: make(map[string][]uint64),
		now:        time.Now,
	}
}

func (r *MemoryRepository) GetProfile(ctx context.Context, identity string) (*domain.UserProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[identity]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return &profile, nil
}

func (r *MemoryRepository) GetUserState(ctx context.Context, identity string) (*domain.UserState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[identity]
	if !ok {
		return nil, ErrUserStateNotFound
	}
	return &state, nil
}

func (r *MemoryRepository) GetAttempt(ctx context.Context, attemptID uint64) (*domain.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempt, ok := r.attempts[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return &attempt, nil
}

func (r *MemoryRepository) IdentityExists(ctx context.Context, identity string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.profiles[identity]
	return ok, nil
}

// ListIdentities returns identities in registration order.
func (r *MemoryRepository) ListIdentities(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out, nil
}

// ListAttemptsByIdentity returns the identity's attempts in ascending id order.
func (r *MemoryRepository) ListAttemptsByIdentity(ctx context.Context, identity string) ([]domain.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byIdentity[identity]
	out := make([]domain.Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.attempts[id])
	}
	return out, nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	nextID := r.nextAttemptID
	r.mu.RUnlock()

	tx := &memoryTx{
		repo:          r,
		profiles:      make(map[string]domain.UserProfile),
		states:        make(map[string]domain.UserState),
		attempts:      make(map[uint64]domain.Attempt),
		nextAttemptID: nextID,
	}
	// Once fn succeeds the commit is unconditional; fn may already have moved tokens.
	if err := fn(tx); err != nil {
		return err
	}
	r.commit(tx)
	return nil
}

func (r *MemoryRepository) commit(tx *memoryTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for identity, profile := range tx.profiles {
		r.profiles[identity] = profile
	}
	r.order = append(r.order, tx.newIdentities...)
	for identity, state := range tx.states {
		r.states[identity] = state
	}
	for _, id := range tx.newAttempts {
		attempt := tx.attempts[id]
		r.byIdentity[attempt.Identity] = append(r.byIdentity[attempt.Identity], id)
	}
	for id, attempt := range tx.attempts {
		r.attempts[id] = attempt
	}
	r.nextAttemptID = tx.nextAttemptID

	now := r.now()
	for _, msg := range tx.events {
		r.nextOutboxID++
		msg.ID = r.nextOutboxID
		r.outbox = append(r.outbox, &memoryOutboxRow{msg: msg, status: outboxStatusPending, nextAttemptAt: now})
	}
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	messages := make([]OutboxMessage, 0, limit)
	for _, row := range r.outbox {
		if len(messages) >= limit {
			break
		}
		claimable := (row.status == outboxStatusPending && !row.nextAttemptAt.After(now)) ||
			(row.status == outboxStatusProcessing && row.processingStartedAt.Before(staleBefore))
		if !claimable {
			continue
		}
		row.status = outboxStatusProcessing
		row.processingStartedAt = now
		row.msg.Attempts++
		messages = append(messages, row.msg)
	}
	return messages, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.findOutboxRow(id)
	if row == nil {
		return fmt.Errorf("outbox message %d not found", id)
	}
	row.status = outboxStatusPublished
	row.processingStartedAt = time.Time{}
	row.lastError = ""
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.findOutboxRow(id)
	if row == nil {
		return fmt.Errorf("outbox message %d not found", id)
	}
	row.status = outboxStatusPending
	row.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	row.processingStartedAt = time.Time{}
	row.lastError = reason
	return nil
}

// Outbox returns a snapshot of every outbox row in enqueue order.
func (r *MemoryRepository) Outbox() []OutboxRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OutboxRecord, 0, len(r.outbox))
	for _, row := range r.outbox {
		out = append(out, OutboxRecord{OutboxMessage: row.msg, Status: row.status, LastError: row.lastError})
	}
	return out
}

func (r *MemoryRepository) findOutboxRow(id int64) *memoryOutboxRow {
	for _, row := range r.outbox {
		if row.msg.ID == id {
			return row
		}
	}
	return nil
}

type memoryTx struct {
	repo *MemoryRepository

	profiles      map[string]domain.UserProfile
	newIdentities []string
	states        map[string]domain.UserState
	attempts      map[uint64]domain.Attempt
	newAttempts   []uint64
	nextAttemptID uint64
	events        []OutboxMessage
}

func (t *memoryTx) GetProfile(ctx context.Context, identity string) (*domain.UserProfile, error) {
	if profile, ok := t.profiles[identity]; ok {
		return &profile, nil
	}
	return t.repo.GetProfile(ctx, identity)
}

func (t *memoryTx) CreateProfile(ctx context.Context, profile domain.UserProfile) error {
	if _, err := t.GetProfile(ctx, profile.Identity); err == nil {
		return ErrIdentityExists
	}
	t.profiles[profile.Identity] = profile
	t.newIdentities = append(t.newIdentities, profile.Identity)
	return nil
}

func (t *memoryTx) UpdateProfileAccount(ctx context.Context, identity string, account domain.Address) error {
	profile, err := t.GetProfile(ctx, identity)
	if err != nil {
		return err
	}
	profile.CustodialAccount = account
	t.profiles[identity] = *profile
	return nil
}

func (t *memoryTx) GetUserState(ctx context.Context, identity string) (*domain.UserState, error) {
	if state, ok := t.states[identity]; ok {
		return &state, nil
	}
	return t.repo.GetUserState(ctx, identity)
}

func (t *memoryTx) SaveUserState(ctx context.Context, state domain.UserState) error {
	if strings.TrimSpace(state.Identity) == "" {
		return fmt.Errorf("user state identity is empty")
	}
	t.states[state.Identity] = state
	return nil
}

func (t *memoryTx) CreateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is nil")
	}
	t.nextAttemptID++
	attempt.ID = t.nextAttemptID
	t.attempts[attempt.ID] = *attempt
	t.newAttempts = append(t.newAttempts, attempt.ID)
	return nil
}

func (t *memoryTx) GetAttempt(ctx context.Context, attemptID uint64) (*domain.Attempt, error) {
	if attempt, ok := t.attempts[attemptID]; ok {
		return &attempt, nil
	}
	return t.repo.GetAttempt(ctx, attemptID)
}

func (t *memoryTx) UpdateAttempt(ctx context.Context, attempt domain.Attempt) error {
	if _, err := t.GetAttempt(ctx, attempt.ID); err != nil {
		return err
	}
	t.attempts[attempt.ID] = attempt
	return nil
}

func (t *memoryTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	t.events = append(t.events, OutboxMessage{
		Exchange:   strings.TrimSpace(exchange),
		RoutingKey: strings.TrimSpace(routingKey),
		Payload:    blob,
	})
	return nil
}
