package domain

import "time"

// Routing keys published on the events exchange.
const (
	RoutingKeyIdentityRegistered   = "identity.registered"
	RoutingKeyAccountAttached      = "identity.account_attached"
	RoutingKeyAttemptRequested     = "attempt.requested"
	RoutingKeyAttemptStatusChanged = "attempt.status_changed"

	// RoutingKeyAttemptStatusReported is consumed: verifier outcome reports.
	RoutingKeyAttemptStatusReported = "attempt.status.reported"
)

// IdentityRegisteredEvent is emitted once per successful registration.
type IdentityRegisteredEvent struct {
	EventID      string    `json:"event_id"`
	Identity     string    `json:"identity"`
	RegisteredBy Address   `json:"registered_by"`
	Fee          int64     `json:"fee"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AccountAttachedEvent is emitted when a custodial account is bound to an identity.
type AccountAttachedEvent struct {
	EventID    string    `json:"event_id"`
	Identity   string    `json:"identity"`
	Account    Address   `json:"account"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AttemptRequestedEvent is emitted after an attempt has been paid for and created.
type AttemptRequestedEvent struct {
	EventID    string    `json:"event_id"`
	AttemptID  uint64    `json:"attempt_id"`
	Identity   string    `json:"identity"`
	Requester  Address   `json:"requester"`
	Difficulty uint64    `json:"difficulty"`
	Fee        int64     `json:"fee"`
	UserShare  int64     `json:"user_share"`
	Verifier   int64     `json:"verifier_share"`
	Platform   int64     `json:"platform_share"`
	ExpiresAt  int64     `json:"expires_at"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AttemptStatusChangedEvent is emitted on every accepted transition.
type AttemptStatusChangedEvent struct {
	EventID       string    `json:"event_id"`
	AttemptID     uint64    `json:"attempt_id"`
	Identity      string    `json:"identity"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	NewDifficulty uint64    `json:"new_difficulty,omitempty"`
	HighAbuse     bool      `json:"high_abuse"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AttemptStatusReport is the message a verifier publishes with an outcome.
type AttemptStatusReport struct {
	EventID    string    `json:"event_id"`
	AttemptID  uint64    `json:"attempt_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
