package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OwnerKind identifies what a ledger account belongs to.
type OwnerKind string

const (
	OwnerCustomer OwnerKind = "customer"
	OwnerAgent    OwnerKind = "agent"
	OwnerHouse    OwnerKind = "house"
	OwnerEscrow   OwnerKind = "escrow"
)

// Bucket partitions an owner's funds.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketReserved  Bucket = "reserved"
	BucketHouse     Bucket = "house"
	BucketEscrow    Bucket = "escrow"
	BucketFreeplay  Bucket = "freeplay"
)

// AccountRef identifies a ledger account by (ownerKind, ownerId, bucket).
type AccountRef struct {
	Owner   OwnerKind `json:"owner"`
	OwnerID uuid.UUID `json:"owner_id"`
	Bucket  Bucket    `json:"bucket"`
	// Currency is carried on the ref so cross-currency moves fail loudly.
	Currency string `json:"currency"`
}

// Key returns the canonical index key for the account.
func (r AccountRef) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", r.Owner, r.OwnerID, r.Bucket, r.Currency)
}

// IsHouse reports whether the account is the house counterparty, whose
// balance is allowed to go negative (the float).
func (r AccountRef) IsHouse() bool { return r.Owner == OwnerHouse }

// HouseAccount returns the house float account for a currency.
func HouseAccount(currency string) AccountRef {
	return AccountRef{Owner: OwnerHouse, OwnerID: uuid.Nil, Bucket: BucketHouse, Currency: currency}
}

// CustomerAccount returns a customer bucket account.
func CustomerAccount(customerID uuid.UUID, bucket Bucket, currency string) AccountRef {
	return AccountRef{Owner: OwnerCustomer, OwnerID: customerID, Bucket: bucket, Currency: currency}
}

// AgentAccount returns an agent bucket account.
func AgentAccount(agentID uuid.UUID, bucket Bucket, currency string) AccountRef {
	return AccountRef{Owner: OwnerAgent, OwnerID: agentID, Bucket: bucket, Currency: currency}
}

// Posting is an append-only double-entry record. Debits equal credits per
// transaction by construction: one posting moves Amount from From to To.
type Posting struct {
	ID          uuid.UUID  `json:"id"`
	Seq         int64      `json:"seq"`
	From        AccountRef `json:"from"`
	To          AccountRef `json:"to"`
	Amount      int64      `json:"amount"`
	Reason      string     `json:"reason"`
	Correlation string     `json:"correlation_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LedgerAccount is the materialized view of an account: a rollup checkpoint
// plus the postings applied since. Balance reads are O(1) amortized.
type LedgerAccount struct {
	Ref            AccountRef `json:"ref"`
	Available      int64      `json:"available"`
	CheckpointSeq  int64      `json:"checkpoint_seq"`
	PostingsSince  int64      `json:"postings_since_checkpoint"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
