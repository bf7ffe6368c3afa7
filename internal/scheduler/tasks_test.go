package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerline/platform/internal/commission"
	"github.com/wagerline/platform/internal/config"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/ledger"
	"github.com/wagerline/platform/internal/store"
	"github.com/wagerline/platform/internal/wager"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSettlementSweep_VoidsOpenWagersOnFinishedEvents(t *testing.T) {
	st := store.NewMemory()
	led := ledger.NewEngine(st, 0)
	engine := wager.NewEngine(st, led, nil, discard(), config.DefaultRules())

	customerID := uuid.New()
	avail := domain.CustomerAccount(customerID, domain.BucketAvailable, "USD")
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		if err := led.Credit(tx, avail, 50000, uuid.NewString(), "deposit"); err != nil {
			return err
		}
		return st.Customers().Put(tx, &domain.Customer{
			ID:       customerID,
			Login:    "sweep_cust",
			Tier:     domain.TierSilver,
			Status:   domain.CustomerActive,
			Currency: "USD",
			Balances: domain.Balances{Main: 50000},
		})
	}))

	event := &domain.SportsEvent{
		ID:        uuid.New(),
		Sport:     "football",
		HomeTeam:  "home",
		AwayTeam:  "away",
		StartTime: time.Now().Add(-2 * time.Hour),
		Status:    domain.EventScheduled,
		Odds:      domain.OddsSnapshot{MoneylineHome: 1910, LastUpdated: time.Now().UTC()},
		Version:   1,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return st.SportsEvents().Put(tx, event)
	}))

	placed, err := engine.CreateBet(context.Background(), wager.CreateBetInput{
		CustomerID: customerID,
		EventID:    event.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2000,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	// The event finishes without a grade for this wager.
	event.Status = domain.EventCompleted
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return st.SportsEvents().Put(tx, event)
	}))

	sweep := &SettlementSweep{Store: st, Wagers: engine, Logger: discard()}
	require.NoError(t, sweep.Run(context.Background()))

	swept, err := st.Wagers().Get(nil, placed.Wager.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerVoid, swept.Status)

	// Stake back in the available bucket.
	bal, err := led.Balance(nil, avail)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), bal)
	require.NoError(t, led.CheckInvariants(nil))
}

func TestCommissionBatch_ClosesEachPeriodOnce(t *testing.T) {
	st := store.NewMemory()
	comm := commission.NewEngine(st, nil, discard(), "standard")

	_, err := comm.CreateStructure(context.Background(), &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		Schedule: domain.ScheduleWeekly,
	})
	require.NoError(t, err)

	agent := &domain.Agent{
		ID:     uuid.New(),
		Login:  "batch_agent",
		Type:   domain.AgentTypeAgent,
		Status: domain.AgentActive,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return st.Agents().Put(tx, agent)
	}))

	batch := &CommissionBatch{Store: st, Commissions: comm, Logger: discard(), Currency: "USD"}
	require.NoError(t, batch.Run(context.Background()))
	calcs, err := st.Calculations().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	require.Len(t, calcs, 1)
	first := calcs[0]
	assert.Equal(t, domain.CalcApproved, first.State)
	assert.Zero(t, first.Amount)

	require.NoError(t, batch.Run(context.Background()))
	calcs, err = st.Calculations().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	require.Len(t, calcs, 1)
	assert.Equal(t, first.ID, calcs[0].ID)

	// Zero-amount periods never enqueue a payout.
	payouts, err := st.Payouts().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

// seedWeeklyBatch wires a memory store with a standard weekly structure, one
// active agent and a batch task over them.
func seedWeeklyBatch(t *testing.T) (store.Store, *commission.Engine, *domain.Agent, *CommissionBatch) {
	t.Helper()
	st := store.NewMemory()
	comm := commission.NewEngine(st, nil, discard(), "standard")
	_, err := comm.CreateStructure(context.Background(), &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		Schedule: domain.ScheduleWeekly,
	})
	require.NoError(t, err)

	agent := &domain.Agent{
		ID:     uuid.New(),
		Login:  "agent_" + uuid.NewString()[:8],
		Type:   domain.AgentTypeAgent,
		Status: domain.AgentActive,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return st.Agents().Put(tx, agent)
	}))
	batch := &CommissionBatch{Store: st, Commissions: comm, Logger: discard(), Currency: "USD"}
	return st, comm, agent, batch
}

func TestCommissionBatch_RetriesAfterFailedClose(t *testing.T) {
	st, _, agent, batch := seedWeeklyBatch(t)

	// A malformed currency fails inside the calculation; the failed run must
	// not consume the period.
	batch.Currency = "dollars"
	require.NoError(t, batch.Run(context.Background()))
	calcs, err := st.Calculations().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	require.Empty(t, calcs)

	batch.Currency = "USD"
	require.NoError(t, batch.Run(context.Background()))
	calcs, err = st.Calculations().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	require.Len(t, calcs, 1)
	assert.Equal(t, domain.CalcApproved, calcs[0].State)
}

func TestCommissionBatch_ResumesHalfClosedPeriod(t *testing.T) {
	st, comm, agent, batch := seedWeeklyBatch(t)

	current, err := commission.PeriodFor(domain.ScheduleWeekly, time.Now().UTC(), "")
	require.NoError(t, err)
	previous, err := commission.PeriodFor(domain.ScheduleWeekly, current.Start.Add(-time.Second), "")
	require.NoError(t, err)

	// A prior run that died after calculating leaves the period pending.
	calc, err := comm.Calculate(context.Background(), commission.CalculateInput{
		AgentID:       agent.ID,
		Period:        previous,
		Currency:      "USD",
		DeriveRevenue: true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CalcPending, calc.State)

	require.NoError(t, batch.Run(context.Background()))
	calcs, err := st.Calculations().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	require.Len(t, calcs, 1)
	assert.Equal(t, calc.ID, calcs[0].ID)
	assert.Equal(t, domain.CalcApproved, calcs[0].State)
}

func TestCommissionBatch_BackfillsMissingPayout(t *testing.T) {
	st, comm, agent, batch := seedWeeklyBatch(t)

	current, err := commission.PeriodFor(domain.ScheduleWeekly, time.Now().UTC(), "")
	require.NoError(t, err)
	previous, err := commission.PeriodFor(domain.ScheduleWeekly, current.Start.Add(-time.Second), "")
	require.NoError(t, err)

	settledAt := previous.Start.Add(time.Hour)
	loss := int64(-100_000)
	outcome := domain.OutcomeLost
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return st.Wagers().Put(tx, &domain.Wager{
			ID:         uuid.New(),
			CustomerID: uuid.New(),
			AgentID:    agent.ID,
			EventID:    uuid.New(),
			Sport:      "football",
			BetType:    domain.BetMoneyline,
			Stake:      100_000,
			OddsMilli:  1910,
			Status:     domain.WagerLost,
			PlacedAt:   settledAt.Add(-time.Hour),
			SettledAt:  &settledAt,
			ActualWin:  &loss,
			Outcome:    &outcome,
		})
	}))

	// A prior run approved the calculation but died before the payout.
	calc, err := comm.Calculate(context.Background(), commission.CalculateInput{
		AgentID:       agent.ID,
		Period:        previous,
		Currency:      "USD",
		DeriveRevenue: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(5_000), calc.Amount)
	_, err = comm.ApproveCalculation(context.Background(), calc.ID)
	require.NoError(t, err)

	require.NoError(t, batch.Run(context.Background()))
	payouts, err := st.Payouts().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(5_000), payouts[0].Amount)
	assert.Contains(t, payouts[0].CalculationIDs, calc.ID)

	// Re-running never duplicates the payout.
	require.NoError(t, batch.Run(context.Background()))
	payouts, err = st.Payouts().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
}

func TestCommissionBatch_SkipsInactiveAgents(t *testing.T) {
	st := store.NewMemory()
	comm := commission.NewEngine(st, nil, discard(), "standard")
	_, err := comm.CreateStructure(context.Background(), &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		Schedule: domain.ScheduleWeekly,
	})
	require.NoError(t, err)

	agent := &domain.Agent{
		ID:     uuid.New(),
		Login:  "dormant_agent",
		Type:   domain.AgentTypeAgent,
		Status: domain.AgentSuspended,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return st.Agents().Put(tx, agent)
	}))

	batch := &CommissionBatch{Store: st, Commissions: comm, Logger: discard(), Currency: "USD"}
	require.NoError(t, batch.Run(context.Background()))

	calcs, err := st.Calculations().ListByAgent(nil, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, calcs)
}
