package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/commission"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/infra"
	"github.com/wagerline/platform/internal/matchqueue"
	"github.com/wagerline/platform/internal/store"
	"github.com/wagerline/platform/internal/wager"
)

// QueueSweep drives the matching queue's expiry and matching cycle.
type QueueSweep struct {
	Queue *matchqueue.Queue
}

func (t *QueueSweep) Name() string { return "queue-sweep" }

func (t *QueueSweep) Run(ctx context.Context) error {
	return t.Queue.Sweep(ctx)
}

// SettlementSweep voids open wagers left on completed or cancelled events.
// Graded outcomes arrive through the settlement endpoints; anything still
// open once the event is over has no result and is refunded.
type SettlementSweep struct {
	Store  store.Store
	Wagers *wager.Engine
	Logger *slog.Logger
}

func (t *SettlementSweep) Name() string { return "settlement-sweep" }

func (t *SettlementSweep) Run(ctx context.Context) error {
	for _, eventStatus := range []domain.EventStatus{domain.EventCompleted, domain.EventCancelled} {
		events, err := t.Store.SportsEvents().ListByStatus(nil, eventStatus)
		if err != nil {
			return err
		}
		for _, ev := range events {
			for _, status := range []domain.WagerStatus{domain.WagerPending, domain.WagerActive} {
				open, err := t.Store.Wagers().ListByEvent(nil, ev.ID, status)
				if err != nil {
					return err
				}
				for _, w := range open {
					if ctx.Err() != nil {
						return nil
					}
					_, err := t.Wagers.SettleBet(ctx, wager.Settlement{
						WagerID:   w.ID,
						Outcome:   domain.OutcomeVoid,
						SettledBy: "settlement-sweeper",
					})
					if err != nil {
						t.Logger.Warn("sweep settlement failed", "wager_id", w.ID, "error", err)
					}
				}
			}
		}
	}
	return nil
}

// CommissionBatch closes ended periods: for each agent whose previous period
// has not been calculated yet it computes the commission, approves it and
// enqueues a payout.
type CommissionBatch struct {
	Store       store.Store
	Commissions *commission.Engine
	Bus         *bus.Bus
	Logger      *slog.Logger
	Currency    string
}

func (t *CommissionBatch) Name() string { return "commission-batch" }

func (t *CommissionBatch) Run(ctx context.Context) error {
	agents, err := t.Store.Agents().List(nil)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, agent := range agents {
		if ctx.Err() != nil {
			return nil
		}
		if agent.Status != domain.AgentActive {
			continue
		}
		if err := t.closePeriod(ctx, agent, now); err != nil {
			t.Logger.Warn("commission close failed", "agent_id", agent.ID, "error", err)
		}
	}
	return nil
}

func (t *CommissionBatch) closePeriod(ctx context.Context, agent *domain.Agent, now time.Time) error {
	structure, err := t.Commissions.ResolveStructure(nil, agent.ID)
	if err != nil {
		return err
	}
	current, err := commission.PeriodFor(structure.Schedule, now, agent.Timezone)
	if err != nil {
		return err
	}
	// The period to close is the one that ended when the current one began.
	previous, err := commission.PeriodFor(structure.Schedule, current.Start.Add(-time.Second), agent.Timezone)
	if err != nil {
		return err
	}

	// Idempotency derives from the stored calculation rather than a consumed
	// key: a run that fails partway leaves the period resumable next night
	// instead of permanently skipped.
	calc, err := t.periodCalculation(agent.ID, previous)
	if err != nil {
		return err
	}
	if calc != nil && calc.State != domain.CalcPending {
		if calc.State == domain.CalcApproved && calc.Amount > 0 {
			return t.ensurePayout(ctx, agent.ID, calc)
		}
		return nil
	}
	if calc == nil {
		calc, err = t.Commissions.Calculate(ctx, commission.CalculateInput{
			AgentID:       agent.ID,
			Period:        previous,
			Currency:      t.Currency,
			DeriveRevenue: true,
		})
		if err != nil {
			return err
		}
	}
	if calc, err = t.Commissions.ApproveCalculation(ctx, calc.ID); err != nil {
		return err
	}
	if calc.Amount > 0 {
		if _, err := t.Commissions.CreatePayout(ctx, agent.ID, []uuid.UUID{calc.ID}); err != nil {
			return err
		}
	}

	if t.Bus != nil {
		ev := domain.NewBusEvent(domain.EventCommissionClosed, domain.EventScope{AgentID: agent.ID}, calc)
		if err := t.Bus.Publish(ctx, ev); err != nil {
			t.Logger.Warn("event publish failed", "type", domain.EventCommissionClosed, "error", err)
		}
	}
	return nil
}

// periodCalculation finds the agent's calculation for the period, nil if none.
func (t *CommissionBatch) periodCalculation(agentID uuid.UUID, period domain.Period) (*domain.CommissionCalculation, error) {
	calcs, err := t.Store.Calculations().ListByAgent(nil, agentID)
	if err != nil {
		return nil, err
	}
	for _, c := range calcs {
		if c.Period.Start.Equal(period.Start) {
			return c, nil
		}
	}
	return nil, nil
}

// ensurePayout enqueues the payout for an approved calculation unless an
// existing payout already references it.
func (t *CommissionBatch) ensurePayout(ctx context.Context, agentID uuid.UUID, calc *domain.CommissionCalculation) error {
	payouts, err := t.Store.Payouts().ListByAgent(nil, agentID)
	if err != nil {
		return err
	}
	for _, p := range payouts {
		for _, id := range p.CalculationIDs {
			if id == calc.ID {
				return nil
			}
		}
	}
	_, err = t.Commissions.CreatePayout(ctx, agentID, []uuid.UUID{calc.ID})
	return err
}

// MetricsRollup publishes aggregate counters for operator dashboards and
// refreshes the Prometheus queue gauges.
type MetricsRollup struct {
	Store   store.Store
	Queue   *matchqueue.Queue
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *infra.Metrics
}

func (t *MetricsRollup) Name() string { return "metrics-rollup" }

// DashboardCounters is the payload of a dashboard.update event.
type DashboardCounters struct {
	QueueStats   domain.QueueStats `json:"queue"`
	BusSequence  int64             `json:"bus_sequence"`
	OpenWagers   int               `json:"open_wagers"`
	LiveEvents   int               `json:"live_events"`
	ActiveAgents int               `json:"active_agents"`
	TakenAt      time.Time         `json:"taken_at"`
}

func (t *MetricsRollup) Run(ctx context.Context) error {
	counters := DashboardCounters{
		QueueStats: t.Queue.Stats(),
		TakenAt:    time.Now().UTC(),
	}
	if t.Bus != nil {
		counters.BusSequence = t.Bus.Sequence()
	}

	for _, eventStatus := range []domain.EventStatus{domain.EventScheduled, domain.EventLive} {
		events, err := t.Store.SportsEvents().ListByStatus(nil, eventStatus)
		if err != nil {
			return err
		}
		if eventStatus == domain.EventLive {
			counters.LiveEvents = len(events)
		}
		for _, ev := range events {
			for _, status := range []domain.WagerStatus{domain.WagerPending, domain.WagerActive} {
				open, err := t.Store.Wagers().ListByEvent(nil, ev.ID, status)
				if err != nil {
					return err
				}
				counters.OpenWagers += len(open)
			}
		}
	}

	agents, err := t.Store.Agents().List(nil)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status == domain.AgentActive {
			counters.ActiveAgents++
		}
	}

	if t.Metrics != nil {
		t.Metrics.QueueDepth.WithLabelValues("queued").Set(float64(counters.QueueStats.Queued))
		t.Metrics.QueueDepth.WithLabelValues("reserved").Set(float64(counters.QueueStats.Reserved))
		t.Metrics.QueueDepth.WithLabelValues("partially_filled").Set(float64(counters.QueueStats.PartiallyFilled))
	}

	if t.Bus != nil {
		ev := domain.NewBusEvent(domain.EventDashboardUpdate, domain.EventScope{}, counters)
		if err := t.Bus.Publish(ctx, ev); err != nil {
			t.Logger.Warn("event publish failed", "type", domain.EventDashboardUpdate, "error", err)
		}
	}
	return nil
}
