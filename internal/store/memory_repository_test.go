package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/proof-service/internal/domain"
)

func TestMemoryRepositoryCommitsStagedWrites(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	err := repo.WithinTx(ctx, func(tx Tx) error {
		if err := tx.CreateProfile(ctx, domain.UserProfile{Identity: "alice", RegisteredBy: "0xa1"}); err != nil {
			return err
		}
		if err := tx.SaveUserState(ctx, domain.UserState{Identity: "alice", Difficulty: 10}); err != nil {
			return err
		}
		attempt := &domain.Attempt{Identity: "alice", Requester: "0xb0b", Fee: 505_000}
		if err := tx.CreateAttempt(ctx, attempt); err != nil {
			return err
		}
		if attempt.ID != 1 {
			t.Fatalf("expected first attempt id 1, got %d", attempt.ID)
		}
		return tx.EnqueueEvent(ctx, "proof.events", domain.RoutingKeyAttemptRequested, map[string]uint64{"attempt_id": attempt.ID})
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	exists, _ := repo.IdentityExists(ctx, "alice")
	if !exists {
		t.Fatal("expected alice to exist after commit")
	}
	attempts, _ := repo.ListAttemptsByIdentity(ctx, "alice")
	if len(attempts) != 1 || attempts[0].Fee != 505_000 {
		t.Fatalf("unexpected attempts %+v", attempts)
	}
	outbox := repo.Outbox()
	if len(outbox) != 1 || outbox[0].RoutingKey != domain.RoutingKeyAttemptRequested || outbox[0].Status != outboxStatusPending {
		t.Fatalf("unexpected outbox %+v", outbox)
	}
}

func TestMemoryRepositoryCommitsAfterCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := NewMemoryRepository()

	err := repo.WithinTx(ctx, func(tx Tx) error {
		if err := tx.CreateProfile(ctx, domain.UserProfile{Identity: "alice", RegisteredBy: "0xa1"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("expected commit despite cancellation, got %v", err)
	}
	if exists, _ := repo.IdentityExists(context.Background(), "alice"); !exists {
		t.Fatal("expected alice to be committed")
	}
}

func TestMemoryRepositoryRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	boom := errors.New("ledger down")

	err := repo.WithinTx(ctx, func(tx Tx) error {
		_ = tx.CreateProfile(ctx, domain.UserProfile{Identity: "alice"})
		_ = tx.CreateAttempt(ctx, &domain.Attempt{Identity: "alice"})
		_ = tx.EnqueueEvent(ctx, "proof.events", "identity.registered", struct{}{})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if exists, _ := repo.IdentityExists(ctx, "alice"); exists {
		t.Fatal("rolled back profile must not be visible")
	}
	if _, err := repo.GetAttempt(ctx, 1); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
	if len(repo.Outbox()) != 0 {
		t.Fatal("rolled back event must not be enqueued")
	}

	// The id consumed by the rolled back attempt is reused.
	var id uint64
	_ = repo.WithinTx(ctx, func(tx Tx) error {
		attempt := &domain.Attempt{Identity: "bob"}
		err := tx.CreateAttempt(ctx, attempt)
		id = attempt.ID
		return err
	})
	if id != 1 {
		t.Fatalf("expected dense id 1 after rollback, got %d", id)
	}
}

func TestMemoryRepositoryTxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_ = repo.WithinTx(ctx, func(tx Tx) error {
		if err := tx.CreateProfile(ctx, domain.UserProfile{Identity: "alice"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := tx.CreateProfile(ctx, domain.UserProfile{Identity: "alice"}); !errors.Is(err, ErrIdentityExists) {
			t.Fatalf("expected ErrIdentityExists in same tx, got %v", err)
		}
		if err := tx.UpdateProfileAccount(ctx, "alice", "0xc0ffee"); err != nil {
			t.Fatalf("update account: %v", err)
		}
		profile, err := tx.GetProfile(ctx, "alice")
		if err != nil || profile.CustodialAccount != "0xc0ffee" {
			t.Fatalf("expected staged account, got %+v (%v)", profile, err)
		}
		if exists, _ := repo.IdentityExists(ctx, "alice"); exists {
			t.Fatal("staged profile leaked to committed reads")
		}
		return nil
	})
}

func TestMemoryRepositoryNotFoundErrors(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	if _, err := repo.GetProfile(ctx, "ghost"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
	if _, err := repo.GetUserState(ctx, "ghost"); !errors.Is(err, ErrUserStateNotFound) {
		t.Fatalf("expected ErrUserStateNotFound, got %v", err)
	}
	err := repo.WithinTx(ctx, func(tx Tx) error {
		return tx.UpdateAttempt(ctx, domain.Attempt{ID: 9})
	})
	if !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestMemoryRepositoryListIdentitiesKeepsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, identity := range []string{"carol", "alice", "bob"} {
		identity := identity
		if err := repo.WithinTx(ctx, func(tx Tx) error {
			return tx.CreateProfile(ctx, domain.UserProfile{Identity: identity})
		}); err != nil {
			t.Fatalf("register %s: %v", identity, err)
		}
	}
	got, _ := repo.ListIdentities(ctx)
	want := []string{"carol", "alice", "bob"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMemoryRepositoryOutboxClaimAndRetry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	_ = repo.WithinTx(ctx, func(tx Tx) error {
		return tx.EnqueueEvent(ctx, "proof.events", "identity.registered", map[string]string{"identity": "alice"})
	})

	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %d (%v)", len(claimed), err)
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", claimed[0].Attempts)
	}
	if again, _ := repo.ClaimOutboxMessages(ctx, 10, 60); len(again) != 0 {
		t.Fatal("processing message must not be claimed twice")
	}

	if err := repo.MarkOutboxFailed(ctx, claimed[0].ID, 4, "broker unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if early, _ := repo.ClaimOutboxMessages(ctx, 10, 60); len(early) != 0 {
		t.Fatal("message must wait for its retry delay")
	}
	now = now.Add(5 * time.Second)
	retried, _ := repo.ClaimOutboxMessages(ctx, 10, 60)
	if len(retried) != 1 || retried[0].Attempts != 2 {
		t.Fatalf("expected retried message with attempts=2, got %+v", retried)
	}

	if err := repo.MarkOutboxPublished(ctx, retried[0].ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if rows := repo.Outbox(); rows[0].Status != outboxStatusPublished {
		t.Fatalf("expected published status, got %s", rows[0].Status)
	}
}

func TestMemoryRepositoryReclaimsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	_ = repo.WithinTx(ctx, func(tx Tx) error {
		return tx.EnqueueEvent(ctx, "proof.events", "identity.registered", struct{}{})
	})
	_, _ = repo.ClaimOutboxMessages(ctx, 10, 60)

	now = now.Add(61 * time.Second)
	reclaimed, _ := repo.ClaimOutboxMessages(ctx, 10, 60)
	if len(reclaimed) != 1 {
		t.Fatalf("expected stale message to be reclaimed, got %d", len(reclaimed))
	}
}
