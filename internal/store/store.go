// Package store defines the durable access layer every component transacts
// through. Implementations must make each mutating call site atomic and
// expose a set-on-absent idempotency primitive keyed by correlation id.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/domain"
)

// Tx is an opaque transaction handle. Repos accept a nil Tx for reads, which
// then see the latest committed state.
type Tx interface {
	// Context returns the context the transaction was started with.
	Context() context.Context
}

// Store bundles the entity repositories behind one transactional boundary.
type Store interface {
	// InTx runs fn inside a transaction, committing on nil error and rolling
	// back otherwise. Mutations in fn are invisible until commit.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// SetIfAbsent records key and reports whether it was newly set. Used for
	// correlation-id idempotency; the write commits with the enclosing tx.
	SetIfAbsent(tx Tx, key string) (bool, error)

	Agents() AgentRepo
	Customers() CustomerRepo
	Attachments() AttachmentRepo
	SportsEvents() SportsEventRepo
	Wagers() WagerRepo
	Accounts() AccountRepo
	Postings() PostingRepo
	Structures() StructureRepo
	Calculations() CalculationRepo
	Payouts() PayoutRepo
	QueueItems() QueueItemRepo
	Attempts() AttemptRepo
	Audit() AuditRepo
	BusCheckpoints() BusCheckpointRepo
}

// AgentRepo provides access to agents and the adjacency index.
type AgentRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.Agent, error)
	GetByLogin(tx Tx, login string) (*domain.Agent, error)
	Put(tx Tx, agent *domain.Agent) error
	ListByParent(tx Tx, parentID uuid.UUID) ([]*domain.Agent, error)
	List(tx Tx) ([]*domain.Agent, error)
}

// CustomerRepo provides access to customers indexed by primary agent.
type CustomerRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.Customer, error)
	Put(tx Tx, customer *domain.Customer) error
	ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.Customer, error)
}

// AttachmentRepo provides access to customer-agent attachments.
type AttachmentRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.CustomerAttachment, error)
	Put(tx Tx, att *domain.CustomerAttachment) error
	Delete(tx Tx, id uuid.UUID) error
	ListByCustomer(tx Tx, customerID uuid.UUID) ([]*domain.CustomerAttachment, error)
	ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.CustomerAttachment, error)
}

// SportsEventRepo provides access to sports events.
type SportsEventRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.SportsEvent, error)
	Put(tx Tx, ev *domain.SportsEvent) error
	ListByStatus(tx Tx, status domain.EventStatus) ([]*domain.SportsEvent, error)
}

// SettlementQuery filters the settlement history scan.
type SettlementQuery struct {
	CustomerID *uuid.UUID
	AgentID    *uuid.UUID
	EventID    *uuid.UUID
	Since      *time.Time
	Limit      int
}

// WagerRepo provides access to wagers indexed by event, customer and status.
type WagerRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.Wager, error)
	Put(tx Tx, w *domain.Wager) error
	ListByEvent(tx Tx, eventID uuid.UUID, status domain.WagerStatus) ([]*domain.Wager, error)
	ListByCustomer(tx Tx, customerID uuid.UUID, limit int) ([]*domain.Wager, error)
	ListSettled(tx Tx, q SettlementQuery) ([]*domain.Wager, error)
}

// AccountRepo provides access to materialized ledger accounts.
type AccountRepo interface {
	Get(tx Tx, key string) (*domain.LedgerAccount, error)
	Put(tx Tx, acct *domain.LedgerAccount) error
	All(tx Tx) ([]*domain.LedgerAccount, error)
}

// PostingRepo is the append-only posting log. Append assigns the dense
// sequence number.
type PostingRepo interface {
	Append(tx Tx, p *domain.Posting) error
	ListByCorrelation(tx Tx, correlation string) ([]*domain.Posting, error)
	ListByAccount(tx Tx, accountKey string, sinceSeq int64) ([]*domain.Posting, error)
	All(tx Tx) ([]*domain.Posting, error)
}

// StructureRepo provides access to commission structures.
type StructureRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.CommissionStructure, error)
	Put(tx Tx, s *domain.CommissionStructure) error
	List(tx Tx) ([]*domain.CommissionStructure, error)
}

// CalculationRepo provides access to commission calculations.
type CalculationRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.CommissionCalculation, error)
	Put(tx Tx, c *domain.CommissionCalculation) error
	ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.CommissionCalculation, error)
}

// PayoutRepo provides access to payouts.
type PayoutRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.Payout, error)
	Put(tx Tx, p *domain.Payout) error
	ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.Payout, error)
	ListByState(tx Tx, state domain.PayoutState) ([]*domain.Payout, error)
}

// QueueItemRepo provides access to P2P queue items.
type QueueItemRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.QueueItem, error)
	Put(tx Tx, item *domain.QueueItem) error
	ListByState(tx Tx, state domain.QueueState) ([]*domain.QueueItem, error)
	ListMatchable(tx Tx, currency string) ([]*domain.QueueItem, error)
}

// AttemptRepo provides access to match attempts.
type AttemptRepo interface {
	Get(tx Tx, id uuid.UUID) (*domain.MatchAttempt, error)
	Put(tx Tx, a *domain.MatchAttempt) error
	ListPending(tx Tx) ([]*domain.MatchAttempt, error)
}

// AuditRepo is the append-only audit log.
type AuditRepo interface {
	Append(tx Tx, entry *domain.AuditEntry) error
	ListByEntity(tx Tx, entityID uuid.UUID) ([]*domain.AuditEntry, error)
}

// BusCheckpointRepo persists per-consumer bus positions so external relays
// resume without re-publishing.
type BusCheckpointRepo interface {
	Get(tx Tx, consumer string) (int64, error)
	Put(tx Tx, consumer string, sequence int64) error
}
