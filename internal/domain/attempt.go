/**
 * @description
 * This file defines the core domain models for the proof-service: the registered
 * identity profile, the per-identity reputation record, and the attempt ledger.
 *
 * @notes
 * - Timestamps are unix seconds. A zero timestamp means "never happened".
 * - Token amounts are `int64` smallest units (see internal/pricing).
 */

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Address identifies an account on the token ledger.
type Address string

// IsZero reports whether the address is unset: empty, or a hex literal made only of zeroes.
func (a Address) IsZero() bool {
	s := strings.TrimSpace(string(a))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strings.Trim(s, "0") == ""
}

func (a Address) String() string { return string(a) }

// Status is the lifecycle position of an attempt.
type Status uint8

const (
	StatusPending Status = iota
	StatusInProgress
	StatusSuccess
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:    "pending",
	StatusInProgress: "in_progress",
	StatusSuccess:    "success",
	StatusFailed:     "failed",
}

// IsTerminal reports whether no further transition can leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus accepts the canonical names plus a few spellings verifiers send.
func ParseStatus(raw string) (Status, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pending":
		return StatusPending, nil
	case "in_progress", "inprogress", "in-progress", "processing":
		return StatusInProgress, nil
	case "success", "successful", "succeeded":
		return StatusSuccess, nil
	case "failed", "failure", "fail":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown attempt status %q", raw)
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UserProfile is the registry entry for an identity. CustodialAccount is set
// at most once.
type UserProfile struct {
	Identity         string  `json:"identity"`
	DisplayName      string  `json:"display_name"`
	ImageRef         string  `json:"image_ref"`
	CustodialAccount Address `json:"custodial_account,omitempty"`
	RegisteredBy     Address `json:"registered_by"`
	RegisteredAt     int64   `json:"registered_at"`
}

// HasCustodialAccount reports whether a payout account has been attached.
func (p UserProfile) HasCustodialAccount() bool {
	return !p.CustodialAccount.IsZero()
}

// UserState is the resolved-attempt aggregate for an identity. Counters only
// grow and HighAbuse is never cleared once set.
type UserState struct {
	Identity       string `json:"identity"`
	TotalAttempts  uint64 `json:"total_attempts"`
	SuccessCount   uint64 `json:"success_count"`
	FailureCount   uint64 `json:"failure_count"`
	FirstFailureAt int64  `json:"first_failure_at"`
	LastFailureAt  int64  `json:"last_failure_at"`
	Difficulty     uint64 `json:"difficulty"`
	HighAbuse      bool   `json:"high_abuse"`
}

// Attempt is one priced challenge. Difficulty is a snapshot taken at creation.
type Attempt struct {
	ID         uint64  `json:"id"`
	Identity   string  `json:"identity"`
	Requester  Address `json:"requester"`
	Difficulty uint64  `json:"difficulty"`
	Fee        int64   `json:"fee"`
	Status     Status  `json:"status"`
	CreatedAt  int64   `json:"created_at"`
	ExpiresAt  int64   `json:"expires_at"`
	ResolvedAt int64   `json:"resolved_at,omitempty"`
}

// Expired reports whether the attempt can no longer be advanced at now.
func (a Attempt) Expired(now int64) bool {
	return now >= a.ExpiresAt
}
