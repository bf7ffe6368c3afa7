// Package matchqueue pairs pending withdrawals with incoming deposits. One
// worker goroutine owns the priority heap and serializes every matching
// decision; producers reach it through a request channel. Reservations are
// provisional MatchAttempts guarded by a wall-clock TTL that the sweeper
// enforces even if the creator is gone.
package matchqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/ledger"
	"github.com/wagerline/platform/internal/store"
)

// Config tunes matching behavior. Weights must sum to 1.0.
type Config struct {
	ReservationTTL      time.Duration
	ItemTimeout         time.Duration
	MaxAttempts         int
	MaxRiskDelta        int
	AllowCrossTier      bool
	StarvationThreshold int
	TierWeight          float64
	AgeWeight           float64
	RiskWeight          float64
}

// Queue is the matching component. Start launches the worker; Close stops it.
type Queue struct {
	store  store.Store
	ledger *ledger.Engine
	bus    *bus.Bus
	logger *slog.Logger
	cfg    Config

	reqs chan request
	quit chan struct{}
	done chan struct{}

	// Worker-owned state; never touched outside the worker goroutine.
	items          *itemHeap
	pendingCancels map[uuid.UUID]bool
	filledTotal    int64
	expiredTotal   int64
	cancelledTotal int64
	matchedVolume  int64

	stats atomic.Pointer[domain.QueueStats]
}

type request struct {
	fn    func(ctx context.Context) error
	ctx   context.Context
	reply chan error
}

// New creates the queue. Call Start before enqueuing.
func New(st store.Store, led *ledger.Engine, b *bus.Bus, logger *slog.Logger, cfg Config) *Queue {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Second
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StarvationThreshold <= 0 {
		cfg.StarvationThreshold = 10
	}
	q := &Queue{
		store:          st,
		ledger:         led,
		bus:            b,
		logger:         logger,
		cfg:            cfg,
		reqs:           make(chan request, 64),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		items:          &itemHeap{},
		pendingCancels: make(map[uuid.UUID]bool),
	}
	q.stats.Store(&domain.QueueStats{TakenAt: time.Now().UTC()})
	return q
}

// Start recovers matchable items from the store and launches the worker.
func (q *Queue) Start(ctx context.Context) error {
	for _, state := range []domain.QueueState{domain.QueueQueued, domain.QueuePartiallyFilled} {
		items, err := q.store.QueueItems().ListByState(nil, state)
		if err != nil {
			return err
		}
		for _, item := range items {
			heap.Push(q.items, q.entry(item))
		}
	}
	go q.run()
	return nil
}

// Close stops the worker after the in-flight request completes.
func (q *Queue) Close() {
	close(q.quit)
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case req := <-q.reqs:
			req.reply <- req.fn(req.ctx)
			q.publishStats()
		case <-q.quit:
			return
		}
	}
}

// do hands fn to the worker and waits for its result.
func (q *Queue) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{fn: fn, ctx: ctx, reply: make(chan error, 1)}
	select {
	case q.reqs <- req:
	case <-ctx.Done():
		return domain.ErrTimeout("matching queue busy")
	case <-q.quit:
		return domain.ErrBackpressure("matching queue is shut down")
	}
	select {
	case err := <-req.reply:
		return err
	case <-q.quit:
		return domain.ErrBackpressure("matching queue is shut down")
	}
}

// EnqueueInput describes a new withdrawal or deposit.
type EnqueueInput struct {
	Direction      domain.QueueDirection `json:"direction"`
	CustomerID     uuid.UUID             `json:"customer_id"`
	Amount         int64                 `json:"amount"`
	Currency       string                `json:"currency"`
	AllowedMethods []string              `json:"allowed_methods"`
	AllowPartial   bool                  `json:"allow_partial"`
}

// Enqueue validates and queues an item, then runs a matching cycle.
func (q *Queue) Enqueue(ctx context.Context, input EnqueueInput) (*domain.QueueItem, error) {
	if input.Direction != domain.DirWithdrawal && input.Direction != domain.DirDeposit {
		return nil, domain.ErrValidation(fmt.Sprintf("unknown direction %q", input.Direction))
	}
	if err := domain.ValidatePositiveAmount(input.Amount); err != nil {
		return nil, err
	}
	if err := domain.ValidateCurrency(input.Currency); err != nil {
		return nil, err
	}
	if len(input.AllowedMethods) == 0 {
		return nil, domain.ErrValidation("at least one payment method is required")
	}

	var item *domain.QueueItem
	err := q.do(ctx, func(ctx context.Context) error {
		err := q.store.InTx(ctx, func(tx store.Tx) error {
			customer, err := q.store.Customers().Get(tx, input.CustomerID)
			if err != nil {
				return err
			}
			if customer == nil {
				return domain.ErrNotFound("customer", input.CustomerID.String())
			}
			if customer.Status != domain.CustomerActive {
				return domain.ErrPrecondition(fmt.Sprintf("customer is %s", customer.Status))
			}

			now := time.Now().UTC()
			item = &domain.QueueItem{
				ID:             uuid.New(),
				Direction:      input.Direction,
				CustomerID:     customer.ID,
				Amount:         input.Amount,
				Residual:       input.Amount,
				Currency:       input.Currency,
				AllowedMethods: input.AllowedMethods,
				AllowPartial:   input.AllowPartial,
				Tier:           customer.Tier,
				RiskScore:      customer.RiskScore,
				State:          domain.QueueQueued,
				EnqueuedAt:     now,
				TimeoutAt:      now.Add(q.cfg.ItemTimeout),
				UpdatedAt:      now,
			}
			if input.Direction == domain.DirWithdrawal {
				acct := domain.CustomerAccount(customer.ID, domain.BucketAvailable, input.Currency)
				if err := q.ledger.Reserve(tx, acct, input.Amount, "queue:"+item.ID.String(), "queue.enqueue"); err != nil {
					return err
				}
				customer.Balances.Main -= input.Amount
				customer.UpdatedAt = now
				if err := q.store.Customers().Put(tx, customer); err != nil {
					return err
				}
			}
			return q.store.QueueItems().Put(tx, item)
		})
		if err != nil {
			return err
		}
		heap.Push(q.items, q.entry(item))
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.emit(ctx, domain.EventQueueEnqueued, item)

	// Matching runs as its own worker request so a failed cycle never undoes
	// the enqueue.
	if err := q.do(ctx, q.matchCycle); err != nil {
		q.logger.Warn("matching cycle failed", "error", err)
	}
	return item, nil
}

// Cancel ends a queued or partially-filled item immediately. Reserved items
// are flagged and cancelled when their reservation expires.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	var item *domain.QueueItem
	err := q.do(ctx, func(ctx context.Context) error {
		return q.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			item, err = q.store.QueueItems().Get(tx, id)
			if err != nil {
				return err
			}
			if item == nil {
				return domain.ErrNotFound("queue item", id.String())
			}
			switch item.State {
			case domain.QueueQueued, domain.QueuePartiallyFilled:
				return q.cancelItem(tx, item)
			case domain.QueueReserved:
				q.pendingCancels[id] = true
				return nil
			default:
				return domain.ErrPrecondition(fmt.Sprintf("cannot cancel a %s item", item.State))
			}
		})
	})
	if err != nil {
		return nil, err
	}
	if item.State == domain.QueueCancelled {
		q.emit(ctx, domain.EventQueueCancelled, item)
	}
	return item, nil
}

// cancelItem finalizes a cancellation: releases any withdrawal reserve for
// the residual and removes the item from the heap. Worker goroutine only.
func (q *Queue) cancelItem(tx store.Tx, item *domain.QueueItem) error {
	if item.Direction == domain.DirWithdrawal && item.Residual > 0 {
		customer, err := q.store.Customers().Get(tx, item.CustomerID)
		if err != nil {
			return err
		}
		if customer != nil {
			acct := domain.CustomerAccount(customer.ID, domain.BucketAvailable, item.Currency)
			if err := q.ledger.Release(tx, acct, item.Residual, "queue:"+item.ID.String()+":cancel", "queue.cancel"); err != nil {
				return err
			}
			customer.Balances.Main += item.Residual
			customer.UpdatedAt = time.Now().UTC()
			if err := q.store.Customers().Put(tx, customer); err != nil {
				return err
			}
		}
	}
	item.State = domain.QueueCancelled
	item.UpdatedAt = time.Now().UTC()
	q.items.remove(item.ID)
	q.cancelledTotal++
	delete(q.pendingCancels, item.ID)
	return q.store.QueueItems().Put(tx, item)
}

// ConfirmMatch finalizes a pending attempt: performs the ledger transfer and
// advances both items toward filled.
func (q *Queue) ConfirmMatch(ctx context.Context, attemptID uuid.UUID) (*domain.MatchAttempt, error) {
	var attempt *domain.MatchAttempt
	err := q.do(ctx, func(ctx context.Context) error {
		return q.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			attempt, err = q.store.Attempts().Get(tx, attemptID)
			if err != nil {
				return err
			}
			if attempt == nil {
				return domain.ErrNotFound("match attempt", attemptID.String())
			}
			if attempt.State != domain.AttemptPending {
				return domain.ErrPrecondition(fmt.Sprintf("attempt is %s, not pending", attempt.State))
			}
			if !time.Now().UTC().Before(attempt.ExpiresAt) {
				return domain.ErrPrecondition("attempt reservation has expired")
			}

			withdrawal, err := q.store.QueueItems().Get(tx, attempt.WithdrawalID)
			if err != nil {
				return err
			}
			deposit, err := q.store.QueueItems().Get(tx, attempt.DepositID)
			if err != nil {
				return err
			}
			if withdrawal == nil || deposit == nil {
				return domain.ErrNotFound("queue item", "attempt endpoint")
			}

			// The withdrawal's stake already sits reserved; it settles into
			// the depositor's available balance.
			from := domain.CustomerAccount(withdrawal.CustomerID, domain.BucketReserved, withdrawal.Currency)
			to := domain.CustomerAccount(deposit.CustomerID, domain.BucketAvailable, deposit.Currency)
			if err := q.ledger.Transfer(tx, from, to, attempt.Amount, "match:"+attempt.ID.String(), "queue.match"); err != nil {
				return err
			}
			depositor, err := q.store.Customers().Get(tx, deposit.CustomerID)
			if err != nil {
				return err
			}
			if depositor != nil {
				depositor.Balances.Main += attempt.Amount
				depositor.Lifetime.Deposited += attempt.Amount
				depositor.UpdatedAt = time.Now().UTC()
				if err := q.store.Customers().Put(tx, depositor); err != nil {
					return err
				}
			}
			withdrawer, err := q.store.Customers().Get(tx, withdrawal.CustomerID)
			if err != nil {
				return err
			}
			if withdrawer != nil {
				withdrawer.Lifetime.Withdrawn += attempt.Amount
				withdrawer.UpdatedAt = time.Now().UTC()
				if err := q.store.Customers().Put(tx, withdrawer); err != nil {
					return err
				}
			}

			for _, item := range []*domain.QueueItem{withdrawal, deposit} {
				item.Residual -= attempt.Amount
				item.AttemptID = nil
				item.UpdatedAt = time.Now().UTC()
				if item.Residual == 0 {
					item.State = domain.QueueFilled
					q.filledTotal++
				} else {
					// enqueuedAt is preserved so the residual keeps its place.
					item.State = domain.QueuePartiallyFilled
					heap.Push(q.items, q.entry(item))
				}
				if err := q.store.QueueItems().Put(tx, item); err != nil {
					return err
				}
			}

			attempt.State = domain.AttemptConfirmed
			q.matchedVolume += attempt.Amount
			return q.store.Attempts().Put(tx, attempt)
		})
	})
	if err != nil {
		return nil, err
	}

	q.emitAttempt(ctx, domain.EventQueueConfirmed, attempt)

	if err := q.do(ctx, q.matchCycle); err != nil {
		q.logger.Warn("matching cycle failed", "error", err)
	}
	return attempt, nil
}

// Sweep expires overdue reservations and stale items, then matches. Called
// by the scheduler.
func (q *Queue) Sweep(ctx context.Context) error {
	var expiredItems []*domain.QueueItem
	err := q.do(ctx, func(ctx context.Context) error {
		return q.store.InTx(ctx, func(tx store.Tx) error {
			now := time.Now().UTC()
			attempts, err := q.store.Attempts().ListPending(tx)
			if err != nil {
				return err
			}
			for _, attempt := range attempts {
				if now.Before(attempt.ExpiresAt) {
					continue
				}
				attempt.State = domain.AttemptAborted
				if err := q.store.Attempts().Put(tx, attempt); err != nil {
					return err
				}
				for _, id := range []uuid.UUID{attempt.WithdrawalID, attempt.DepositID} {
					item, err := q.store.QueueItems().Get(tx, id)
					if err != nil {
						return err
					}
					if item == nil || item.State != domain.QueueReserved {
						continue
					}
					expired, err := q.requeue(tx, item)
					if err != nil {
						return err
					}
					if expired {
						expiredItems = append(expiredItems, item)
					}
				}
			}

			// Items past their own timeout expire regardless of attempts.
			for _, state := range []domain.QueueState{domain.QueueQueued, domain.QueuePartiallyFilled} {
				items, err := q.store.QueueItems().ListByState(tx, state)
				if err != nil {
					return err
				}
				for _, item := range items {
					if now.Before(item.TimeoutAt) {
						continue
					}
					if err := q.expire(tx, item); err != nil {
						return err
					}
					expiredItems = append(expiredItems, item)
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, item := range expiredItems {
		q.emit(ctx, domain.EventQueueExpired, item)
	}
	return q.do(ctx, func(ctx context.Context) error {
		if err := q.rebuild(); err != nil {
			return err
		}
		return q.matchCycle(ctx)
	})
}

// rebuild resyncs the heap from the store, healing any drift left by rolled
// back transactions. Worker goroutine only.
func (q *Queue) rebuild() error {
	var entries []*heapEntry
	for _, state := range []domain.QueueState{domain.QueueQueued, domain.QueuePartiallyFilled} {
		items, err := q.store.QueueItems().ListByState(nil, state)
		if err != nil {
			return err
		}
		for _, item := range items {
			entries = append(entries, q.entry(item))
		}
	}
	q.items.reset(entries)
	return nil
}

// requeue returns a reserved item to the pool with attempts incremented, or
// expires it past maxAttempts, or finalizes a deferred cancel. Reports
// whether the item expired.
func (q *Queue) requeue(tx store.Tx, item *domain.QueueItem) (bool, error) {
	item.AttemptID = nil
	item.Attempts++
	if q.pendingCancels[item.ID] {
		return false, q.cancelItem(tx, item)
	}
	if item.Attempts >= q.cfg.MaxAttempts {
		return true, q.expire(tx, item)
	}
	if item.Residual < item.Amount {
		item.State = domain.QueuePartiallyFilled
	} else {
		item.State = domain.QueueQueued
	}
	item.UpdatedAt = time.Now().UTC()
	heap.Push(q.items, q.entry(item))
	return false, q.store.QueueItems().Put(tx, item)
}

// expire terminates an item, releasing any withdrawal reserve.
func (q *Queue) expire(tx store.Tx, item *domain.QueueItem) error {
	if item.Direction == domain.DirWithdrawal && item.Residual > 0 {
		customer, err := q.store.Customers().Get(tx, item.CustomerID)
		if err != nil {
			return err
		}
		if customer != nil {
			acct := domain.CustomerAccount(customer.ID, domain.BucketAvailable, item.Currency)
			if err := q.ledger.Release(tx, acct, item.Residual, "queue:"+item.ID.String()+":expire", "queue.expire"); err != nil {
				return err
			}
			customer.Balances.Main += item.Residual
			customer.UpdatedAt = time.Now().UTC()
			if err := q.store.Customers().Put(tx, customer); err != nil {
				return err
			}
		}
	}
	item.State = domain.QueueExpired
	item.AttemptID = nil
	item.UpdatedAt = time.Now().UTC()
	q.items.remove(item.ID)
	q.expiredTotal++
	delete(q.pendingCancels, item.ID)
	return q.store.QueueItems().Put(tx, item)
}

// matchCycle pairs the best-priority item with the best counterpart until no
// pair satisfies the rules. Worker goroutine only.
func (q *Queue) matchCycle(ctx context.Context) error {
	for {
		matched, err := q.matchOne(ctx)
		if err != nil {
			return err
		}
		if !matched {
			return nil
		}
	}
}

func (q *Queue) matchOne(ctx context.Context) (bool, error) {
	q.items.rescore(q.score)
	ordered := q.items.sorted()
	for _, best := range ordered {
		for _, cand := range ordered {
			if cand.id == best.id {
				continue
			}
			matched, err := q.tryPair(ctx, best.id, cand.id)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}

// tryPair reserves a (withdrawal, deposit) pair when every matching rule
// holds: opposite directions, same currency, method overlap, risk window and
// tier compatibility.
func (q *Queue) tryPair(ctx context.Context, aID, bID uuid.UUID) (bool, error) {
	var attempt *domain.MatchAttempt
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		a, err := q.store.QueueItems().Get(tx, aID)
		if err != nil {
			return err
		}
		b, err := q.store.QueueItems().Get(tx, bID)
		if err != nil {
			return err
		}
		if a == nil || !a.State.Matchable() {
			q.items.remove(aID)
			return nil
		}
		if b == nil || !b.State.Matchable() {
			q.items.remove(bID)
			return nil
		}

		var withdrawal, deposit *domain.QueueItem
		switch {
		case a.Direction == domain.DirWithdrawal && b.Direction == domain.DirDeposit:
			withdrawal, deposit = a, b
		case a.Direction == domain.DirDeposit && b.Direction == domain.DirWithdrawal:
			withdrawal, deposit = b, a
		default:
			return nil
		}
		if !q.compatible(withdrawal, deposit) {
			return nil
		}

		amount := withdrawal.Residual
		if deposit.Residual < amount {
			amount = deposit.Residual
		}
		partial := amount < withdrawal.Residual || amount < deposit.Residual
		if partial && !(withdrawal.AllowPartial && deposit.AllowPartial) {
			return nil
		}

		now := time.Now().UTC()
		attempt = &domain.MatchAttempt{
			ID:           uuid.New(),
			WithdrawalID: withdrawal.ID,
			DepositID:    deposit.ID,
			Amount:       amount,
			State:        domain.AttemptPending,
			ExpiresAt:    now.Add(q.cfg.ReservationTTL),
			CreatedAt:    now,
		}
		if err := q.store.Attempts().Put(tx, attempt); err != nil {
			return err
		}
		for _, item := range []*domain.QueueItem{withdrawal, deposit} {
			item.State = domain.QueueReserved
			id := attempt.ID
			item.AttemptID = &id
			item.UpdatedAt = now
			if err := q.store.QueueItems().Put(tx, item); err != nil {
				return err
			}
			q.items.remove(item.ID)
		}
		return nil
	})
	if err != nil || attempt == nil {
		return false, err
	}
	q.emitAttempt(ctx, domain.EventQueueMatched, attempt)
	return true, nil
}

func (q *Queue) compatible(withdrawal, deposit *domain.QueueItem) bool {
	if withdrawal.Currency != deposit.Currency {
		return false
	}
	if !domain.MethodOverlap(withdrawal.AllowedMethods, deposit.AllowedMethods) {
		return false
	}
	delta := withdrawal.RiskScore - deposit.RiskScore
	if delta < 0 {
		delta = -delta
	}
	if delta > q.cfg.MaxRiskDelta {
		return false
	}
	if q.cfg.AllowCrossTier {
		return deposit.Tier.Rank() >= withdrawal.Tier.Rank()-1
	}
	return deposit.Tier.Rank() == withdrawal.Tier.Rank()
}

// score computes the priority: higher sorts first. Starving items get a bump
// proportional to their age share of the timeout window.
func (q *Queue) score(e *heapEntry, now time.Time) float64 {
	tierNorm := float64(e.tier.Rank()) / 5.0
	ageNorm := float64(now.Sub(e.enqueuedAt)) / float64(q.cfg.ItemTimeout)
	if ageNorm > 1 {
		ageNorm = 1
	}
	riskNorm := float64(100-e.risk) / 100.0
	s := q.cfg.TierWeight*tierNorm + q.cfg.AgeWeight*ageNorm + q.cfg.RiskWeight*riskNorm
	if e.attempts >= q.cfg.StarvationThreshold {
		s += ageNorm
	}
	return s
}

// Stats returns the latest lock-free snapshot.
func (q *Queue) Stats() domain.QueueStats {
	return *q.stats.Load()
}

// publishStats rebuilds the snapshot after each worker request.
func (q *Queue) publishStats() {
	snap := &domain.QueueStats{
		FilledTotal:    q.filledTotal,
		ExpiredTotal:   q.expiredTotal,
		CancelledTotal: q.cancelledTotal,
		MatchedVolume:  q.matchedVolume,
		TakenAt:        time.Now().UTC(),
	}
	for _, e := range q.items.entries {
		switch e.state {
		case domain.QueueQueued:
			snap.Queued++
		case domain.QueuePartiallyFilled:
			snap.PartiallyFilled++
		}
		if snap.OldestQueuedAt.IsZero() || e.enqueuedAt.Before(snap.OldestQueuedAt) {
			snap.OldestQueuedAt = e.enqueuedAt
		}
	}
	if pending, err := q.store.Attempts().ListPending(nil); err == nil {
		snap.PendingAttempts = len(pending)
	}
	if reserved, err := q.store.QueueItems().ListByState(nil, domain.QueueReserved); err == nil {
		snap.Reserved = len(reserved)
	}
	q.stats.Store(snap)
}

func (q *Queue) entry(item *domain.QueueItem) *heapEntry {
	e := &heapEntry{
		id:         item.ID,
		state:      item.State,
		enqueuedAt: item.EnqueuedAt,
		tier:       item.Tier,
		risk:       item.RiskScore,
		attempts:   item.Attempts,
	}
	e.score = q.score(e, time.Now().UTC())
	return e
}

func (q *Queue) emit(ctx context.Context, eventType string, item *domain.QueueItem) {
	if q.bus == nil {
		return
	}
	ev := domain.NewBusEvent(eventType, domain.EventScope{CustomerID: item.CustomerID}, item)
	if err := q.bus.Publish(ctx, ev); err != nil {
		q.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}

func (q *Queue) emitAttempt(ctx context.Context, eventType string, attempt *domain.MatchAttempt) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(ctx, domain.NewBusEvent(eventType, domain.EventScope{}, attempt)); err != nil {
		q.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}
