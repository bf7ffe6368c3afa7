package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueDirection is the side of a P2P queue item.
type QueueDirection string

const (
	DirWithdrawal QueueDirection = "withdrawal"
	DirDeposit    QueueDirection = "deposit"
)

// QueueState is the queue item lifecycle.
type QueueState string

const (
	QueueQueued          QueueState = "queued"
	QueueReserved        QueueState = "reserved"
	QueuePartiallyFilled QueueState = "partially-filled"
	QueueFilled          QueueState = "filled"
	QueueExpired         QueueState = "expired"
	QueueCancelled       QueueState = "cancelled"
)

// Matchable reports whether the item can enter a new match attempt.
func (s QueueState) Matchable() bool {
	return s == QueueQueued || s == QueuePartiallyFilled
}

// QueueItem is one pending withdrawal or deposit awaiting a counterparty.
// Residual tracks the unmatched remainder: residual = 0 iff state = filled.
type QueueItem struct {
	ID             uuid.UUID      `json:"id"`
	Direction      QueueDirection `json:"direction"`
	CustomerID     uuid.UUID      `json:"customer_id"`
	Amount         int64          `json:"amount"`
	Residual       int64          `json:"residual"`
	Currency       string         `json:"currency"`
	AllowedMethods []string       `json:"allowed_methods"`
	AllowPartial   bool           `json:"allow_partial"`
	Tier           Tier           `json:"tier"`
	RiskScore      int            `json:"risk_score"`
	State          QueueState     `json:"state"`
	Attempts       int            `json:"attempts"`
	AttemptID      *uuid.UUID     `json:"attempt_id,omitempty"` // holding MatchAttempt while reserved
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	TimeoutAt      time.Time      `json:"timeout_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MethodOverlap reports whether two items share at least one payment method.
func MethodOverlap(a, b []string) bool {
	for _, m := range a {
		for _, n := range b {
			if m == n {
				return true
			}
		}
	}
	return false
}

// AttemptState is the provisional pairing lifecycle.
type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptConfirmed AttemptState = "confirmed"
	AttemptAborted   AttemptState = "aborted"
)

// MatchAttempt is a time-bounded provisional pairing of a withdrawal with a
// deposit. At most one pending attempt references a queue item at a time.
type MatchAttempt struct {
	ID           uuid.UUID    `json:"id"`
	WithdrawalID uuid.UUID    `json:"withdrawal_id"`
	DepositID    uuid.UUID    `json:"deposit_id"`
	Amount       int64        `json:"amount"`
	State        AttemptState `json:"state"`
	ExpiresAt    time.Time    `json:"expires_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

// QueueStats is the lock-free snapshot served by the stats endpoint.
type QueueStats struct {
	Queued          int       `json:"queued"`
	Reserved        int       `json:"reserved"`
	PartiallyFilled int       `json:"partially_filled"`
	FilledTotal     int64     `json:"filled_total"`
	ExpiredTotal    int64     `json:"expired_total"`
	CancelledTotal  int64     `json:"cancelled_total"`
	MatchedVolume   int64     `json:"matched_volume"`
	PendingAttempts int       `json:"pending_attempts"`
	OldestQueuedAt  time.Time `json:"oldest_queued_at,omitempty"`
	TakenAt         time.Time `json:"taken_at"`
}
