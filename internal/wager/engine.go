// Package wager implements the bet lifecycle: placement against a live odds
// cache, pending-state edits, cancellation, grading and bulk grading. Every
// monetary effect runs through the ledger inside the same transaction as the
// wager row, so a crash never leaves a reserved stake without its bet.
package wager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/config"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/ledger"
	"github.com/wagerline/platform/internal/store"
)

// Engine drives the wager state machine.
type Engine struct {
	store  store.Store
	ledger *ledger.Engine
	bus    *bus.Bus
	logger *slog.Logger
	rules  config.Rules
}

// NewEngine wires the wager engine.
func NewEngine(st store.Store, led *ledger.Engine, b *bus.Bus, logger *slog.Logger, rules config.Rules) *Engine {
	return &Engine{store: st, ledger: led, bus: b, logger: logger, rules: rules}
}

// CreateBetInput carries a bet placement request.
type CreateBetInput struct {
	CustomerID  uuid.UUID      `json:"customer_id"`
	EventID     uuid.UUID      `json:"event_id"`
	BetType     domain.BetType `json:"bet_type"`
	Selection   string         `json:"selection"`
	Stake       int64          `json:"stake"`
	OddsMilli   int64          `json:"odds"`
	VIPTier     domain.Tier    `json:"vip_tier,omitempty"` // defaults to the customer's tier
	Notes       string         `json:"notes,omitempty"`
	Correlation string         `json:"correlation_id,omitempty"`
}

// CreateBetResult is the placed wager plus any non-fatal warnings.
type CreateBetResult struct {
	Wager    *domain.Wager `json:"wager"`
	Warnings []string      `json:"warnings,omitempty"`
}

// CreateBet validates the customer, event and stake, reserves the stake in
// the ledger and persists the wager, all in one transaction. An odds ceiling
// breach is a warning, not a rejection.
func (e *Engine) CreateBet(ctx context.Context, input CreateBetInput) (*CreateBetResult, error) {
	if err := domain.ValidatePositiveAmount(input.Stake); err != nil {
		return nil, err
	}
	if err := domain.ValidateOdds(input.OddsMilli); err != nil {
		return nil, err
	}
	switch input.BetType {
	case domain.BetMoneyline, domain.BetSpread, domain.BetTotal, domain.BetParlay, domain.BetProp, domain.BetFuture:
	default:
		return nil, domain.ErrValidation(fmt.Sprintf("unknown bet type %q", input.BetType))
	}

	result := &CreateBetResult{}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if input.Correlation != "" {
			fresh, err := e.store.SetIfAbsent(tx, "wager:place:"+input.Correlation)
			if err != nil {
				return err
			}
			if !fresh {
				return domain.ErrConflict(fmt.Sprintf("correlation %q already processed", input.Correlation))
			}
		}

		customer, err := e.store.Customers().Get(tx, input.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return domain.ErrNotFound("customer", input.CustomerID.String())
		}
		if customer.Status != domain.CustomerActive {
			return domain.ErrPrecondition(fmt.Sprintf("customer is %s", customer.Status))
		}

		event, err := e.store.SportsEvents().Get(tx, input.EventID)
		if err != nil {
			return err
		}
		if event == nil {
			return domain.ErrNotFound("event", input.EventID.String())
		}
		if !event.Status.Bettable() {
			return domain.ErrPrecondition(fmt.Sprintf("event is %s", event.Status))
		}

		tier := input.VIPTier
		if tier == "" {
			tier = customer.Tier
		}
		if err := domain.ValidateTier(tier); err != nil {
			return err
		}
		if !event.AllowsTier(tier) {
			return domain.ErrPrecondition(fmt.Sprintf("event restricted; tier %s not allowed", tier))
		}

		if min, ok := e.rules.SportMinStake[event.Sport]; ok && input.Stake < min {
			return domain.ErrValidation(fmt.Sprintf("stake %d below %s minimum %d", input.Stake, event.Sport, min))
		}
		if max, ok := e.rules.BetTypeMaxOdds[string(input.BetType)]; ok && input.OddsMilli > max {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("odds %d exceed %s ceiling %d", input.OddsMilli, input.BetType, max))
		}

		w := &domain.Wager{
			ID:              uuid.New(),
			CustomerID:      customer.ID,
			AgentID:         customer.AgentID,
			EventID:         event.ID,
			Sport:           event.Sport,
			BetType:         input.BetType,
			Selection:       input.Selection,
			Stake:           input.Stake,
			OddsMilli:       input.OddsMilli,
			PotentialPayout: domain.PotentialPayout(input.Stake, input.OddsMilli),
			RiskLevel:       customer.RiskLevel,
			VIPTier:         tier,
			Status:          domain.WagerPending,
			Notes:           input.Notes,
			Correlation:     input.Correlation,
			PlacedAt:        time.Now().UTC(),
		}
		if event.Status == domain.EventLive {
			w.Status = domain.WagerActive
		}

		acct := domain.CustomerAccount(customer.ID, domain.BucketAvailable, customer.Currency)
		if err := e.ledger.Reserve(tx, acct, input.Stake, correlationOf(w), "wager.place"); err != nil {
			return err
		}

		// Risk and tier move in the same transaction as the ledger reserve.
		e.applyPlacement(customer, input.Stake)
		if err := e.store.Customers().Put(tx, customer); err != nil {
			return err
		}
		if err := e.store.Wagers().Put(tx, w); err != nil {
			return err
		}
		result.Wager = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, domain.EventWagerPlaced, result.Wager)
	return result, nil
}

// applyPlacement folds a placed stake into the customer's mirror balances,
// lifetime counters, tier and risk score.
func (e *Engine) applyPlacement(c *domain.Customer, stake int64) {
	c.Balances.Main -= stake
	c.Lifetime.Wagered += stake
	c.Lifetime.BetCount++
	if implied := domain.TierForVolume(c.Lifetime.Wagered); implied.Rank() > c.Tier.Rank() {
		c.Tier = implied
	}
	// A stake over ten times the lifetime average nudges the risk score up.
	if c.Lifetime.BetCount > 1 {
		avg := c.Lifetime.Wagered / c.Lifetime.BetCount
		if avg > 0 && stake > 10*avg && c.RiskScore < 100 {
			c.RiskScore += 5
			if c.RiskScore > 100 {
				c.RiskScore = 100
			}
		}
	}
	c.RiskLevel = domain.RiskLevelForScore(c.RiskScore)
	c.UpdatedAt = time.Now().UTC()
}

// UpdateBetPatch holds the fields editable while a wager is pending.
type UpdateBetPatch struct {
	Notes     *string           `json:"notes,omitempty"`
	RiskLevel *domain.RiskLevel `json:"risk_level,omitempty"`
	VIPTier   *domain.Tier      `json:"vip_tier,omitempty"`
}

// UpdateBet edits notes, risk level or VIP tier on a pending wager.
func (e *Engine) UpdateBet(ctx context.Context, id uuid.UUID, patch UpdateBetPatch) (*domain.Wager, error) {
	var updated *domain.Wager
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		w, err := e.store.Wagers().Get(tx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return domain.ErrNotFound("wager", id.String())
		}
		if w.Status != domain.WagerPending {
			return domain.ErrPrecondition(fmt.Sprintf("wager is %s; only pending wagers are editable", w.Status))
		}
		if patch.Notes != nil {
			w.Notes = *patch.Notes
		}
		if patch.RiskLevel != nil {
			switch *patch.RiskLevel {
			case domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical:
			default:
				return domain.ErrValidation(fmt.Sprintf("unknown risk level %q", *patch.RiskLevel))
			}
			w.RiskLevel = *patch.RiskLevel
		}
		if patch.VIPTier != nil {
			if err := domain.ValidateTier(*patch.VIPTier); err != nil {
				return err
			}
			w.VIPTier = *patch.VIPTier
		}
		updated = w
		return e.store.Wagers().Put(tx, w)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelBet releases the reserved stake and ends a pending wager.
func (e *Engine) CancelBet(ctx context.Context, id uuid.UUID, reason string) (*domain.Wager, error) {
	var cancelled *domain.Wager
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		w, err := e.store.Wagers().Get(tx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return domain.ErrNotFound("wager", id.String())
		}
		if w.Status != domain.WagerPending {
			return domain.ErrPrecondition(fmt.Sprintf("cannot cancel a %s wager", w.Status))
		}
		customer, err := e.store.Customers().Get(tx, w.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return domain.ErrNotFound("customer", w.CustomerID.String())
		}

		acct := domain.CustomerAccount(customer.ID, domain.BucketAvailable, customer.Currency)
		if err := e.ledger.Release(tx, acct, w.Stake, correlationOf(w)+":cancel", "wager.cancel"); err != nil {
			return err
		}
		customer.Balances.Main += w.Stake
		customer.Lifetime.Wagered -= w.Stake
		customer.Lifetime.BetCount--
		customer.UpdatedAt = time.Now().UTC()
		if err := e.store.Customers().Put(tx, customer); err != nil {
			return err
		}

		now := time.Now().UTC()
		w.Status = domain.WagerCancelled
		w.SettledAt = &now
		w.Notes = appendNote(w.Notes, reason)
		cancelled = w
		return e.store.Wagers().Put(tx, w)
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, domain.EventWagerCancelled, cancelled)
	return cancelled, nil
}

// Settlement is one grading instruction.
type Settlement struct {
	WagerID   uuid.UUID                `json:"wager_id"`
	Outcome   domain.SettlementOutcome `json:"outcome"`
	SettledBy string                   `json:"settled_by,omitempty"`
}

// SettleBet grades a pending or active wager. Won releases the reserve and
// credits the potential payout; lost moves the reserve to the house; push and
// void release the reserve.
func (e *Engine) SettleBet(ctx context.Context, s Settlement) (*domain.Wager, error) {
	status, ok := domain.StatusForOutcome(s.Outcome)
	if !ok {
		return nil, domain.ErrValidation(fmt.Sprintf("unknown settlement outcome %q", s.Outcome))
	}

	var settled *domain.Wager
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		w, err := e.store.Wagers().Get(tx, s.WagerID)
		if err != nil {
			return err
		}
		if w == nil {
			return domain.ErrNotFound("wager", s.WagerID.String())
		}
		if w.Status != domain.WagerPending && w.Status != domain.WagerActive {
			return domain.ErrPrecondition(fmt.Sprintf("cannot settle a %s wager", w.Status))
		}
		customer, err := e.store.Customers().Get(tx, w.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return domain.ErrNotFound("customer", w.CustomerID.String())
		}

		acct := domain.CustomerAccount(customer.ID, domain.BucketAvailable, customer.Currency)
		reserved := acct
		reserved.Bucket = domain.BucketReserved
		corr := correlationOf(w) + ":settle"

		var actualWin int64
		switch s.Outcome {
		case domain.OutcomeWon:
			if err := e.ledger.Release(tx, acct, w.Stake, corr, "wager.settle.release"); err != nil {
				return err
			}
			if err := e.ledger.Credit(tx, acct, w.PotentialPayout, corr, "wager.settle.win"); err != nil {
				return err
			}
			actualWin = w.PotentialPayout
			customer.Balances.Main += w.Stake + w.PotentialPayout
			customer.Lifetime.Won += w.PotentialPayout
		case domain.OutcomeLost:
			if err := e.ledger.Transfer(tx, reserved, domain.HouseAccount(customer.Currency), w.Stake, corr, "wager.settle.loss"); err != nil {
				return err
			}
			actualWin = -w.Stake
		case domain.OutcomePush, domain.OutcomeVoid:
			if err := e.ledger.Release(tx, acct, w.Stake, corr, "wager.settle.release"); err != nil {
				return err
			}
			actualWin = 0
			customer.Balances.Main += w.Stake
		}
		customer.UpdatedAt = time.Now().UTC()
		if err := e.store.Customers().Put(tx, customer); err != nil {
			return err
		}

		now := time.Now().UTC()
		outcome := s.Outcome
		w.Status = status
		w.SettledAt = &now
		w.ActualWin = &actualWin
		w.Outcome = &outcome
		if s.SettledBy != "" {
			by := s.SettledBy
			w.SettledBy = &by
		}
		settled = w
		return e.store.Wagers().Put(tx, w)
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, domain.EventWagerSettled, settled)
	return settled, nil
}

// BulkResult is the per-wager outcome of a bulk settlement.
type BulkResult struct {
	WagerID uuid.UUID     `json:"wager_id"`
	Wager   *domain.Wager `json:"wager,omitempty"`
	Err     error         `json:"-"`
	Error   string        `json:"error,omitempty"`
}

// BulkSettleBets grades every listed wager of an event, one transaction per
// bet so a single bad grade never rolls back its neighbors.
func (e *Engine) BulkSettleBets(ctx context.Context, eventID uuid.UUID, settlements []Settlement) ([]BulkResult, error) {
	event, err := e.store.SportsEvents().Get(nil, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrNotFound("event", eventID.String())
	}

	results := make([]BulkResult, 0, len(settlements))
	for _, s := range settlements {
		w, err := e.bulkSettleOne(ctx, eventID, s)
		r := BulkResult{WagerID: s.WagerID, Wager: w, Err: err}
		if err != nil {
			r.Error = err.Error()
			e.logger.Warn("bulk settlement entry failed", "event_id", eventID, "wager_id", s.WagerID, "error", err)
		}
		results = append(results, r)
	}
	return results, nil
}

// bulkSettleOne rejects settlements aimed at another event's wagers before
// grading.
func (e *Engine) bulkSettleOne(ctx context.Context, eventID uuid.UUID, s Settlement) (*domain.Wager, error) {
	w, err := e.store.Wagers().Get(nil, s.WagerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, domain.ErrNotFound("wager", s.WagerID.String())
	}
	if w.EventID != eventID {
		return nil, domain.ErrPrecondition(fmt.Sprintf("wager %s belongs to event %s", w.ID, w.EventID))
	}
	return e.SettleBet(ctx, s)
}

// OddsUpdate carries a market refresh for an event.
type OddsUpdate struct {
	Snapshot domain.OddsSnapshot `json:"snapshot"`
	Volume   int64               `json:"volume,omitempty"`
	Reason   string              `json:"reason,omitempty"` // may carry a correlation token
}

// UpdateOdds replaces the event's current snapshot and appends a movement
// record, truncating history FIFO at the cap. Updates carrying a reason token
// are idempotent per (event, reason).
func (e *Engine) UpdateOdds(ctx context.Context, eventID uuid.UUID, update OddsUpdate) (*domain.SportsEvent, error) {
	var event *domain.SportsEvent
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if update.Reason != "" {
			fresh, err := e.store.SetIfAbsent(tx, "odds:"+eventID.String()+"|"+update.Reason)
			if err != nil {
				return err
			}
			if !fresh {
				var err error
				event, err = e.store.SportsEvents().Get(tx, eventID)
				return err
			}
		}

		var err error
		event, err = e.store.SportsEvents().Get(tx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			return domain.ErrNotFound("event", eventID.String())
		}

		now := time.Now().UTC()
		snap := update.Snapshot
		// lastUpdated never moves backwards, even for late-arriving updates.
		snap.LastUpdated = now
		if snap.LastUpdated.Before(event.Odds.LastUpdated) {
			snap.LastUpdated = event.Odds.LastUpdated
		}

		event.History = append(event.History, domain.OddsMovement{
			At:       snap.LastUpdated,
			Snapshot: snap,
			Volume:   update.Volume,
			Reason:   update.Reason,
		})
		if len(event.History) > domain.OddsMoveHistoryCap {
			event.History = event.History[len(event.History)-domain.OddsMoveHistoryCap:]
		}
		event.Odds = snap
		event.Version++
		event.UpdatedAt = now
		return e.store.SportsEvents().Put(tx, event)
	})
	if err != nil {
		return nil, err
	}

	if e.bus != nil {
		ev := domain.NewBusEvent(domain.EventOddsUpdated, domain.EventScope{}, event)
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.logger.Warn("event publish failed", "type", domain.EventOddsUpdated, "error", err)
		}
	}
	return event, nil
}

// Settlements returns graded wagers matching the query, newest first.
func (e *Engine) Settlements(ctx context.Context, q store.SettlementQuery) ([]*domain.Wager, error) {
	return e.store.Wagers().ListSettled(nil, q)
}

func (e *Engine) emit(ctx context.Context, eventType string, w *domain.Wager) {
	if e.bus == nil {
		return
	}
	scope := domain.EventScope{AgentID: w.AgentID, CustomerID: w.CustomerID}
	if err := e.bus.Publish(ctx, domain.NewBusEvent(eventType, scope, w)); err != nil {
		e.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}

// correlationOf prefers the caller-supplied token, falling back to the id.
func correlationOf(w *domain.Wager) string {
	if w.Correlation != "" {
		return w.Correlation
	}
	return w.ID.String()
}

func appendNote(notes, extra string) string {
	if extra == "" {
		return notes
	}
	if notes == "" {
		return extra
	}
	return notes + "; " + extra
}
