// Package ledger provides the double-entry monetary core. Every move is one
// Posting atom from one account to another, so debits equal credits per
// transaction by construction. All operations are idempotent keyed by the
// caller-supplied correlation id and must run inside a Store transaction.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

// Engine posts ledger entries through the Store.
type Engine struct {
	store              store.Store
	checkpointInterval int64
}

// NewEngine creates a ledger engine. checkpointInterval is the number of
// postings between rollup snapshots on an account.
func NewEngine(st store.Store, checkpointInterval int64) *Engine {
	if checkpointInterval <= 0 {
		checkpointInterval = 1024
	}
	return &Engine{store: st, checkpointInterval: checkpointInterval}
}

// Reserve earmarks amount by moving it available → reserved for the owner.
func (e *Engine) Reserve(tx store.Tx, owner domain.AccountRef, amount int64, correlation, reason string) error {
	reserved := owner
	reserved.Bucket = domain.BucketReserved
	return e.Post(tx, owner, reserved, amount, correlation, reason)
}

// Release returns earmarked funds reserved → available for the owner.
func (e *Engine) Release(tx store.Tx, owner domain.AccountRef, amount int64, correlation, reason string) error {
	reserved := owner
	reserved.Bucket = domain.BucketReserved
	return e.Post(tx, reserved, owner, amount, correlation, reason)
}

// Credit moves amount from the house float to the target account.
func (e *Engine) Credit(tx store.Tx, to domain.AccountRef, amount int64, correlation, reason string) error {
	return e.Post(tx, domain.HouseAccount(to.Currency), to, amount, correlation, reason)
}

// Debit moves amount from the source account to the house float.
func (e *Engine) Debit(tx store.Tx, from domain.AccountRef, amount int64, correlation, reason string) error {
	return e.Post(tx, from, domain.HouseAccount(from.Currency), amount, correlation, reason)
}

// Transfer moves amount between two accounts.
func (e *Engine) Transfer(tx store.Tx, from, to domain.AccountRef, amount int64, correlation, reason string) error {
	return e.Post(tx, from, to, amount, correlation, reason)
}

// Post appends one double-entry posting and updates both materialized
// accounts. Idempotent per (correlation, reason): a replay is a no-op.
func (e *Engine) Post(tx store.Tx, from, to domain.AccountRef, amount int64, correlation, reason string) error {
	if err := domain.ValidatePositiveAmount(amount); err != nil {
		return err
	}
	if from.Currency != to.Currency {
		return domain.ErrInvariant(fmt.Sprintf("cross-currency posting %s → %s", from.Currency, to.Currency))
	}
	if from.Key() == to.Key() {
		return domain.ErrValidation("posting from an account to itself")
	}

	if correlation != "" {
		fresh, err := e.store.SetIfAbsent(tx, idemKey(correlation, reason))
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
	}

	fromAcct, err := e.account(tx, from)
	if err != nil {
		return err
	}
	if !from.IsHouse() && fromAcct.Available < amount {
		return domain.ErrInsufficient(fmt.Sprintf("account %s has %d, needs %d", from.Key(), fromAcct.Available, amount))
	}
	toAcct, err := e.account(tx, to)
	if err != nil {
		return err
	}

	p := &domain.Posting{
		ID:          uuid.New(),
		From:        from,
		To:          to,
		Amount:      amount,
		Reason:      reason,
		Correlation: correlation,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.Postings().Append(tx, p); err != nil {
		return err
	}

	fromAcct.Available -= amount
	toAcct.Available += amount
	for _, acct := range []*domain.LedgerAccount{fromAcct, toAcct} {
		acct.PostingsSince++
		if acct.PostingsSince >= e.checkpointInterval {
			acct.CheckpointSeq = p.Seq
			acct.PostingsSince = 0
		}
		acct.UpdatedAt = p.CreatedAt
		if err := e.store.Accounts().Put(tx, acct); err != nil {
			return err
		}
	}
	return nil
}

// Balance reads an account's materialized balance. Missing accounts are zero.
func (e *Engine) Balance(tx store.Tx, ref domain.AccountRef) (int64, error) {
	acct, err := e.store.Accounts().Get(tx, ref.Key())
	if err != nil {
		return 0, err
	}
	if acct == nil {
		return 0, nil
	}
	return acct.Available, nil
}

func (e *Engine) account(tx store.Tx, ref domain.AccountRef) (*domain.LedgerAccount, error) {
	acct, err := e.store.Accounts().Get(tx, ref.Key())
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &domain.LedgerAccount{Ref: ref}
	}
	return acct, nil
}

// CheckInvariants verifies the system-wide conservation properties: every
// non-house balance is non-negative and the house float equals the negative
// sum of all non-house balances.
func (e *Engine) CheckInvariants(tx store.Tx) error {
	accounts, err := e.store.Accounts().All(tx)
	if err != nil {
		return err
	}
	var houseTotal, externalTotal int64
	for _, acct := range accounts {
		if acct.Ref.IsHouse() {
			houseTotal += acct.Available
			continue
		}
		if acct.Available < 0 {
			return domain.ErrInvariant(fmt.Sprintf("account %s balance %d below zero", acct.Ref.Key(), acct.Available))
		}
		externalTotal += acct.Available
	}
	if houseTotal != -externalTotal {
		return domain.ErrInvariant(fmt.Sprintf("house float %d does not offset external total %d", houseTotal, externalTotal))
	}
	return nil
}

func idemKey(correlation, reason string) string {
	return "ledger:" + correlation + "|" + reason
}
