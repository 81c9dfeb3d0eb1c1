/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed for the identity registry, the per-identity
 * reputation rows, the attempt ledger, and the transactional event outbox.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, strings: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Counters and timestamps are stored as BIGINT and converted at the boundary.
 * - Attempt ids come from the `protocol_counters` row so they stay dense across
 *   rollbacks, unlike a sequence.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/proof-service/internal/domain"
)

const attemptIDCounter = "attempt_id"

// queryer is the subset of pgxpool.Pool and pgx.Tx used by the shared scanners.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const (
	selectProfileSQL = `
		SELECT identity, display_name, image_ref, custodial_account, registered_by, registered_at
		FROM identities
		WHERE identity = $1`
	selectUserStateSQL = `
		SELECT identity, total_attempts, success_count, failure_count,
			first_failure_at, last_failure_at, difficulty, high_abuse
		FROM user_states
		WHERE identity = $1`
	selectAttemptSQL = `
		SELECT id, identity, requester, difficulty, fee, status, created_at, expires_at, resolved_at
		FROM attempts
		WHERE id = $1`
)

func (r *PostgresRepository) GetProfile(ctx context.Context, identity string) (*domain.UserProfile, error) {
	return scanProfile(r.db.QueryRow(ctx, selectProfileSQL, identity))
}

func (r *PostgresRepository) GetUserState(ctx context.Context, identity string) (*domain.UserState, error) {
	return scanUserState(r.db.QueryRow(ctx, selectUserStateSQL, identity))
}

func (r *PostgresRepository) GetAttempt(ctx context.Context, attemptID uint64) (*domain.Attempt, error) {
	return scanAttempt(r.db.QueryRow(ctx, selectAttemptSQL, int64(attemptID)))
}

func (r *PostgresRepository) IdentityExists(ctx context.Context, identity string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE identity = $1)`, identity).Scan(&exists)
	return exists, err
}

// ListIdentities returns identities in registration order.
func (r *PostgresRepository) ListIdentities(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT identity FROM identities ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := make([]string, 0)
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

// ListAttemptsByIdentity returns the identity's attempts in ascending id order.
func (r *PostgresRepository) ListAttemptsByIdentity(ctx context.Context, identity string) ([]domain.Attempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, identity, requester, difficulty, fee, status, created_at, expires_at, resolved_at
		FROM attempts
		WHERE identity = $1
		ORDER BY id
	`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]domain.Attempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Commit and rollback ignore caller cancellation; fn may already have moved tokens.
	finishCtx := context.WithoutCancel(ctx)
	defer tx.Rollback(finishCtx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(finishCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetProfile(ctx context.Context, identity string) (*domain.UserProfile, error) {
	return scanProfile(t.tx.QueryRow(ctx, selectProfileSQL+` FOR UPDATE`, identity))
}

func (t *postgresTx) CreateProfile(ctx context.Context, profile domain.UserProfile) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO identities (identity, display_name, image_ref, custodial_account, registered_by, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, profile.Identity, profile.DisplayName, profile.ImageRef, string(profile.CustodialAccount), string(profile.RegisteredBy), profile.RegisteredAt)
	if isUniqueViolation(err) {
		return ErrIdentityExists
	}
	return err
}

func (t *postgresTx) UpdateProfileAccount(ctx context.Context, identity string, account domain.Address) error {
	result, err := t.tx.Exec(ctx, `UPDATE identities SET custodial_account = $2 WHERE identity = $1`, identity, string(account))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func (t *postgresTx) GetUserState(ctx context.Context, identity string) (*domain.UserState, error) {
	return scanUserState(t.tx.QueryRow(ctx, selectUserStateSQL+` FOR UPDATE`, identity))
}

func (t *postgresTx) SaveUserState(ctx context.Context, state domain.UserState) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_states (
			identity, total_attempts, success_count, failure_count,
			first_failure_at, last_failure_at, difficulty, high_abuse
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity) DO UPDATE SET
			total_attempts = EXCLUDED.total_attempts,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			first_failure_at = EXCLUDED.first_failure_at,
			last_failure_at = EXCLUDED.last_failure_at,
			difficulty = EXCLUDED.difficulty,
			high_abuse = EXCLUDED.high_abuse
	`,
		state.Identity,
		int64(state.TotalAttempts),
		int64(state.SuccessCount),
		int64(state.FailureCount),
		state.FirstFailureAt,
		state.LastFailureAt,
		int64(state.Difficulty),
		state.HighAbuse,
	)
	return err
}

func (t *postgresTx) CreateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is nil")
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
		UPDATE protocol_counters SET value = value + 1 WHERE name = $1 RETURNING value
	`, attemptIDCounter).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to allocate attempt id: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO attempts (id, identity, requester, difficulty, fee, status, created_at, expires_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, attempt.Identity, string(attempt.Requester), int64(attempt.Difficulty), attempt.Fee,
		int16(attempt.Status), attempt.CreatedAt, attempt.ExpiresAt, attempt.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	attempt.ID = uint64(id)
	return nil
}

func (t *postgresTx) GetAttempt(ctx context.Context, attemptID uint64) (*domain.Attempt, error) {
	return scanAttempt(t.tx.QueryRow(ctx, selectAttemptSQL+` FOR UPDATE`, int64(attemptID)))
}

func (t *postgresTx) UpdateAttempt(ctx context.Context, attempt domain.Attempt) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE attempts SET status = $2, resolved_at = $3 WHERE id = $1
	`, int64(attempt.ID), int16(attempt.Status), attempt.ResolvedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (t *postgresTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	return enqueueEventTx(ctx, t.tx, exchange, routingKey, payload)
}

func enqueueEventTx(ctx context.Context, q queryer, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (*domain.UserProfile, error) {
	var (
		profile      domain.UserProfile
		account      string
		registeredBy string
	)
	err := row.Scan(&profile.Identity, &profile.DisplayName, &profile.ImageRef, &account, &registeredBy, &profile.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	profile.CustodialAccount = domain.Address(account)
	profile.RegisteredBy = domain.Address(registeredBy)
	return &profile, nil
}

func scanUserState(row pgx.Row) (*domain.UserState, error) {
	var (
		state                          domain.UserState
		total, success, failure, level int64
	)
	err := row.Scan(&state.Identity, &total, &success, &failure,
		&state.FirstFailureAt, &state.LastFailureAt, &level, &state.HighAbuse)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserStateNotFound
		}
		return nil, err
	}
	state.TotalAttempts = uint64(total)
	state.SuccessCount = uint64(success)
	state.FailureCount = uint64(failure)
	state.Difficulty = uint64(level)
	return &state, nil
}

func scanAttempt(row pgx.Row) (*domain.Attempt, error) {
	var (
		attempt    domain.Attempt
		id, level  int64
		requester  string
		statusCode int16
	)
	err := row.Scan(&id, &attempt.Identity, &requester, &level, &attempt.Fee, &statusCode,
		&attempt.CreatedAt, &attempt.ExpiresAt, &attempt.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	attempt.ID = uint64(id)
	attempt.Requester = domain.Address(requester)
	attempt.Difficulty = uint64(level)
	attempt.Status = domain.Status(statusCode)
	return &attempt, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
