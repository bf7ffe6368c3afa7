// Package commission resolves rate structures along the agent chain, computes
// period commissions with a full audit breakdown, and drives the payout state
// machine. Rates are RateMilli thousandths; amounts are minor units.
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

// payoutEvents maps payout states to their bus event types.
var payoutEvents = map[domain.PayoutState]string{
	domain.PayoutPending:    domain.EventPayoutPending,
	domain.PayoutProcessing: domain.EventPayoutProcessing,
	domain.PayoutCompleted:  domain.EventPayoutCompleted,
	domain.PayoutFailed:     domain.EventPayoutFailed,
	domain.PayoutCancelled:  domain.EventPayoutCancelled,
}

// Engine is the commission component.
type Engine struct {
	store            store.Store
	bus              *bus.Bus
	logger           *slog.Logger
	defaultStructure string
}

// NewEngine wires the commission engine. defaultStructure names the fallback
// rate card used when no agent in the chain carries one.
func NewEngine(st store.Store, b *bus.Bus, logger *slog.Logger, defaultStructure string) *Engine {
	return &Engine{store: st, bus: b, logger: logger, defaultStructure: defaultStructure}
}

// CreateStructure persists a rate card after validating rates and tiers.
func (e *Engine) CreateStructure(ctx context.Context, s *domain.CommissionStructure) (*domain.CommissionStructure, error) {
	if s.Name == "" {
		return nil, domain.ErrValidation("structure name is required")
	}
	if err := domain.ValidateRate(s.BaseRate); err != nil {
		return nil, err
	}
	for i, tier := range s.VolumeTiers {
		if err := domain.ValidateRate(tier.BonusRate); err != nil {
			return nil, err
		}
		if i > 0 && tier.MinVolume <= s.VolumeTiers[i-1].MinVolume {
			return nil, domain.ErrValidation("volume tiers must be sorted ascending by min volume")
		}
	}
	switch s.Schedule {
	case domain.ScheduleWeekly, domain.ScheduleBiweekly, domain.ScheduleMonthly:
	default:
		return nil, domain.ErrValidation(fmt.Sprintf("unknown payout schedule %q", s.Schedule))
	}

	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		return e.store.Structures().Put(tx, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ResolveStructure walks up the agent chain to the first explicit structure,
// falling back to the system default.
func (e *Engine) ResolveStructure(tx store.Tx, agentID uuid.UUID) (*domain.CommissionStructure, error) {
	cursor, err := e.store.Agents().Get(tx, agentID)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return nil, domain.ErrNotFound("agent", agentID.String())
	}
	for {
		if cursor.StructureID != nil {
			s, err := e.store.Structures().Get(tx, *cursor.StructureID)
			if err != nil {
				return nil, err
			}
			if s != nil {
				return s, nil
			}
		}
		if cursor.ParentID == nil {
			break
		}
		cursor, err = e.store.Agents().Get(tx, *cursor.ParentID)
		if err != nil {
			return nil, err
		}
		if cursor == nil {
			break
		}
	}

	all, err := e.store.Structures().List(tx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.Name == e.defaultStructure {
			return s, nil
		}
	}
	return nil, domain.ErrNotFound("commission structure", e.defaultStructure)
}

// CalculateInput drives one commission calculation. Revenue and Metrics may
// be supplied by the caller; zero Revenue with DeriveRevenue set computes
// both from the period's settled wagers.
type CalculateInput struct {
	AgentID       uuid.UUID        `json:"agent_id"`
	Period        domain.Period    `json:"period"`
	Revenue       int64            `json:"revenue"`
	Currency      string           `json:"currency"`
	Metrics       map[string]int64 `json:"metrics,omitempty"`
	DeriveRevenue bool             `json:"derive_revenue,omitempty"`
}

// Calculate produces a pending CommissionCalculation with its breakdown:
// base rate, greatest matching volume tier, crossed performance rules, then
// overrides carving their revenue slices out of the blended rate.
func (e *Engine) Calculate(ctx context.Context, input CalculateInput) (*domain.CommissionCalculation, error) {
	if !input.Period.End.After(input.Period.Start) {
		return nil, domain.ErrValidation("period end must follow period start")
	}
	if err := domain.ValidateCurrency(input.Currency); err != nil {
		return nil, err
	}

	var calc *domain.CommissionCalculation
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		structure, err := e.ResolveStructure(tx, input.AgentID)
		if err != nil {
			return err
		}

		settled, err := e.periodSettlements(tx, input.AgentID, input.Period)
		if err != nil {
			return err
		}
		revenue := input.Revenue
		metrics := input.Metrics
		if input.DeriveRevenue {
			revenue = revenueOf(settled)
		}
		if metrics == nil {
			metrics = deriveMetrics(settled)
		}

		breakdown := buildBreakdown(structure, revenue, metrics, settled)
		calc = &domain.CommissionCalculation{
			ID:          uuid.New(),
			AgentID:     input.AgentID,
			StructureID: structure.ID,
			Period:      input.Period,
			Revenue:     revenue,
			Amount:      breakdown.Amount,
			Currency:    input.Currency,
			Breakdown:   breakdown,
			State:       domain.CalcPending,
			CreatedAt:   time.Now().UTC(),
		}
		if err := e.store.Calculations().Put(tx, calc); err != nil {
			return err
		}
		return e.store.Audit().Append(tx, &domain.AuditEntry{
			ID:        uuid.New(),
			EntityID:  calc.ID,
			Entity:    "commission_calculation",
			Action:    "calculated",
			Detail:    fmt.Sprintf("revenue %d, effective rate %d‰, amount %d", revenue, breakdown.EffectiveRate, breakdown.Amount),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return calc, nil
}

// buildBreakdown applies the rate steps in order. Override slices are paid at
// their own rate; the blended base+bonus rate covers the remainder.
func buildBreakdown(s *domain.CommissionStructure, revenue int64, metrics map[string]int64, settled []*domain.Wager) domain.Breakdown {
	b := domain.Breakdown{Revenue: revenue, BaseRate: s.BaseRate}

	for _, tier := range s.VolumeTiers {
		if tier.MinVolume <= revenue {
			b.VolumeBonus = tier.BonusRate
		}
	}

	rate := s.BaseRate + b.VolumeBonus
	for _, rule := range s.Performance {
		if !rule.Active {
			continue
		}
		if metrics[rule.Metric] >= rule.Threshold {
			b.Performance = append(b.Performance, rule)
			b.FixedBonuses += rule.BonusAmount
			rate += rule.BonusRate
		}
	}
	b.EffectiveRate = rate

	var overridden, overrideAmount int64
	for _, ov := range s.Overrides {
		slice := sliceRevenue(settled, ov)
		if slice == 0 {
			continue
		}
		b.Overrides = append(b.Overrides, ov)
		overridden += slice
		overrideAmount += rateOf(slice, ov.Rate)
	}
	b.Amount = rateOf(revenue-overridden, rate) + overrideAmount + b.FixedBonuses
	return b
}

// rateOf applies a milli-rate to an amount with half-to-even rounding.
func rateOf(amount int64, rate domain.RateMilli) int64 {
	return domain.BankersDiv(amount*int64(rate), 1000)
}

// revenueOf sums the house's take: customer losses minus customer wins.
func revenueOf(settled []*domain.Wager) int64 {
	var total int64
	for _, w := range settled {
		if w.ActualWin != nil {
			total -= *w.ActualWin
		}
	}
	return total
}

// sliceRevenue totals the revenue from settlements matching an override.
func sliceRevenue(settled []*domain.Wager, ov domain.Override) int64 {
	var total int64
	for _, w := range settled {
		if ov.Sport != "" && w.Sport != ov.Sport {
			continue
		}
		if ov.BetType != "" && w.BetType != ov.BetType {
			continue
		}
		if ov.CustomerID != nil && w.CustomerID != *ov.CustomerID {
			continue
		}
		if w.ActualWin != nil {
			total -= *w.ActualWin
		}
	}
	return total
}

func deriveMetrics(settled []*domain.Wager) map[string]int64 {
	m := map[string]int64{}
	for _, w := range settled {
		m["bet_count"]++
		m["volume"] += w.Stake
	}
	m["revenue"] = revenueOf(settled)
	return m
}

func (e *Engine) periodSettlements(tx store.Tx, agentID uuid.UUID, p domain.Period) ([]*domain.Wager, error) {
	all, err := e.store.Wagers().ListSettled(tx, store.SettlementQuery{AgentID: &agentID, Since: &p.Start})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, w := range all {
		if w.SettledAt != nil && p.Contains(*w.SettledAt) {
			out = append(out, w)
		}
	}
	return out, nil
}

// ApproveCalculation moves a pending calculation to approved.
func (e *Engine) ApproveCalculation(ctx context.Context, id uuid.UUID) (*domain.CommissionCalculation, error) {
	var calc *domain.CommissionCalculation
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		calc, err = e.store.Calculations().Get(tx, id)
		if err != nil {
			return err
		}
		if calc == nil {
			return domain.ErrNotFound("commission calculation", id.String())
		}
		if calc.State != domain.CalcPending {
			return domain.ErrPrecondition(fmt.Sprintf("calculation is %s, not pending", calc.State))
		}
		calc.State = domain.CalcApproved
		return e.store.Calculations().Put(tx, calc)
	})
	if err != nil {
		return nil, err
	}
	return calc, nil
}

// PeriodFor returns the schedule period containing at, computed in the
// agent's timezone with an exclusive end.
func PeriodFor(schedule domain.PayoutSchedule, at time.Time, timezone string) (domain.Period, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	t := at.In(loc)

	switch schedule {
	case domain.ScheduleWeekly:
		start := weekStart(t)
		return domain.Period{Start: start, End: start.AddDate(0, 0, 7)}, nil
	case domain.ScheduleBiweekly:
		start := weekStart(t)
		// Anchor the fortnight on the ISO week parity of 2024-01-01, a Monday.
		anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
		if int(start.Sub(anchor).Hours()/24/7)%2 != 0 {
			start = start.AddDate(0, 0, -7)
		}
		return domain.Period{Start: start, End: start.AddDate(0, 0, 14)}, nil
	case domain.ScheduleMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		return domain.Period{Start: start, End: start.AddDate(0, 1, 0)}, nil
	}
	return domain.Period{}, domain.ErrValidation(fmt.Sprintf("unknown payout schedule %q", schedule))
}

// weekStart returns Monday 00:00 of t's week in t's location.
func weekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}

// CreatePayout batches approved calculations sharing (agent, currency) into
// one pending payout.
func (e *Engine) CreatePayout(ctx context.Context, agentID uuid.UUID, calcIDs []uuid.UUID) (*domain.Payout, error) {
	if len(calcIDs) == 0 {
		return nil, domain.ErrValidation("payout requires at least one calculation")
	}

	var payout *domain.Payout
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var amount int64
		currency := ""
		for _, id := range calcIDs {
			calc, err := e.store.Calculations().Get(tx, id)
			if err != nil {
				return err
			}
			if calc == nil {
				return domain.ErrNotFound("commission calculation", id.String())
			}
			if calc.AgentID != agentID {
				return domain.ErrValidation("calculations in a payout must share one agent")
			}
			if calc.State != domain.CalcApproved {
				return domain.ErrPrecondition(fmt.Sprintf("calculation %s is %s, not approved", id, calc.State))
			}
			if currency == "" {
				currency = calc.Currency
			} else if calc.Currency != currency {
				return domain.ErrValidation("calculations in a payout must share one currency")
			}
			amount += calc.Amount
		}

		payout = &domain.Payout{
			ID:             uuid.New(),
			AgentID:        agentID,
			CalculationIDs: calcIDs,
			Amount:         amount,
			Currency:       currency,
			State:          domain.PayoutPending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := e.store.Payouts().Put(tx, payout); err != nil {
			return err
		}
		return e.audit(tx, payout, "created", "")
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, payout)
	return payout, nil
}

// ProcessPayout moves pending → processing.
func (e *Engine) ProcessPayout(ctx context.Context, id uuid.UUID, actor string) (*domain.Payout, error) {
	return e.transition(ctx, id, domain.PayoutProcessing, func(p *domain.Payout) {
		p.ProcessedBy = actor
	})
}

// CompletePayout moves processing → completed and marks the underlying
// calculations paid.
func (e *Engine) CompletePayout(ctx context.Context, id uuid.UUID, reference string) (*domain.Payout, error) {
	return e.transition(ctx, id, domain.PayoutCompleted, func(p *domain.Payout) {
		now := time.Now().UTC()
		p.Reference = reference
		p.CompletedAt = &now
	})
}

// FailPayout moves processing → failed.
func (e *Engine) FailPayout(ctx context.Context, id uuid.UUID, reason string) (*domain.Payout, error) {
	return e.transition(ctx, id, domain.PayoutFailed, func(p *domain.Payout) {
		p.FailureReason = reason
	})
}

// CancelPayout moves pending → cancelled.
func (e *Engine) CancelPayout(ctx context.Context, id uuid.UUID, reason string) (*domain.Payout, error) {
	return e.transition(ctx, id, domain.PayoutCancelled, func(p *domain.Payout) {
		p.FailureReason = reason
	})
}

func (e *Engine) transition(ctx context.Context, id uuid.UUID, to domain.PayoutState, apply func(*domain.Payout)) (*domain.Payout, error) {
	var payout *domain.Payout
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		payout, err = e.store.Payouts().Get(tx, id)
		if err != nil {
			return err
		}
		if payout == nil {
			return domain.ErrNotFound("payout", id.String())
		}
		if !payout.State.CanTransition(to) {
			return domain.ErrPrecondition(fmt.Sprintf("payout cannot move %s → %s", payout.State, to))
		}
		from := payout.State
		payout.State = to
		apply(payout)
		if err := e.store.Payouts().Put(tx, payout); err != nil {
			return err
		}

		if to == domain.PayoutCompleted {
			for _, calcID := range payout.CalculationIDs {
				calc, err := e.store.Calculations().Get(tx, calcID)
				if err != nil {
					return err
				}
				if calc != nil {
					calc.State = domain.CalcPaid
					if err := e.store.Calculations().Put(tx, calc); err != nil {
						return err
					}
				}
			}
		}
		return e.audit(tx, payout, string(to), string(from))
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, payout)
	return payout, nil
}

func (e *Engine) audit(tx store.Tx, p *domain.Payout, action, from string) error {
	detail := fmt.Sprintf("amount %d %s", p.Amount, p.Currency)
	if from != "" {
		detail = fmt.Sprintf("%s → %s, %s", from, action, detail)
	}
	return e.store.Audit().Append(tx, &domain.AuditEntry{
		ID:        uuid.New(),
		EntityID:  p.ID,
		Entity:    "payout",
		Action:    action,
		Actor:     p.ProcessedBy,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

func (e *Engine) emit(ctx context.Context, p *domain.Payout) {
	if e.bus == nil {
		return
	}
	eventType, ok := payoutEvents[p.State]
	if !ok {
		return
	}
	ev := domain.NewBusEvent(eventType, domain.EventScope{AgentID: p.AgentID}, p)
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}
