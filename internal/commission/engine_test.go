package commission

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return NewEngine(st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), "standard"), st
}

func seedAgent(t *testing.T, st store.Store, structureID *uuid.UUID, parentID *uuid.UUID) *domain.Agent {
	t.Helper()
	a := &domain.Agent{
		ID:          uuid.New(),
		Login:       "agent_" + uuid.NewString()[:8],
		ParentID:    parentID,
		Type:        domain.AgentTypeAgent,
		Status:      domain.AgentActive,
		StructureID: structureID,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return st.Agents().Put(tx, a)
	}))
	return a
}

func mustStructure(t *testing.T, e *Engine, s *domain.CommissionStructure) *domain.CommissionStructure {
	t.Helper()
	created, err := e.CreateStructure(context.Background(), s)
	require.NoError(t, err)
	return created
}

func periodJuly() domain.Period {
	return domain.Period{
		Start: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateStructure_Validation(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CreateStructure(context.Background(), &domain.CommissionStructure{
		Name:     "",
		BaseRate: 50,
		Schedule: domain.ScheduleWeekly,
	})
	require.Error(t, err)

	_, err = e.CreateStructure(context.Background(), &domain.CommissionStructure{
		Name:     "bad-rate",
		BaseRate: 1001,
		Schedule: domain.ScheduleWeekly,
	})
	require.Error(t, err)

	_, err = e.CreateStructure(context.Background(), &domain.CommissionStructure{
		Name:     "bad-tiers",
		BaseRate: 50,
		Schedule: domain.ScheduleWeekly,
		VolumeTiers: []domain.VolumeTier{
			{MinVolume: 500_000, BonusRate: 10},
			{MinVolume: 100_000, BonusRate: 20},
		},
	})
	require.Error(t, err)
}

func TestCalculate_BaseVolumeAndPerformance(t *testing.T) {
	e, st := newTestEngine(t)
	s := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50, // 5.0%
		VolumeTiers: []domain.VolumeTier{
			{MinVolume: 500_000, BonusRate: 10}, // +1.0%
		},
		Performance: []domain.PerformanceRule{
			{Metric: "bet_count", Threshold: 100, BonusAmount: 25_000, Active: true},
		},
		Schedule: domain.ScheduleMonthly,
	})
	agent := seedAgent(t, st, &s.ID, nil)

	calc, err := e.Calculate(context.Background(), CalculateInput{
		AgentID:  agent.ID,
		Period:   periodJuly(),
		Revenue:  1_000_000,
		Currency: "USD",
		Metrics:  map[string]int64{"bet_count": 150},
	})
	require.NoError(t, err)

	// 1,000,000 × 6.0% + 25,000 fixed.
	assert.Equal(t, int64(85_000), calc.Amount)
	assert.Equal(t, domain.CalcPending, calc.State)
	assert.Equal(t, domain.RateMilli(60), calc.Breakdown.EffectiveRate)
	assert.Equal(t, int64(25_000), calc.Breakdown.FixedBonuses)
}

func TestCalculate_PerformanceBelowThresholdSkipped(t *testing.T) {
	e, st := newTestEngine(t)
	s := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		Performance: []domain.PerformanceRule{
			{Metric: "bet_count", Threshold: 100, BonusAmount: 25_000, Active: true},
			{Metric: "volume", Threshold: 1, BonusAmount: 99_999, Active: false},
		},
		Schedule: domain.ScheduleMonthly,
	})
	agent := seedAgent(t, st, &s.ID, nil)

	calc, err := e.Calculate(context.Background(), CalculateInput{
		AgentID:  agent.ID,
		Period:   periodJuly(),
		Revenue:  1_000_000,
		Currency: "USD",
		Metrics:  map[string]int64{"bet_count": 99, "volume": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), calc.Amount)
	assert.Empty(t, calc.Breakdown.Performance)
}

func TestCalculate_GreatestVolumeTierWins(t *testing.T) {
	e, st := newTestEngine(t)
	s := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		VolumeTiers: []domain.VolumeTier{
			{MinVolume: 100_000, BonusRate: 5},
			{MinVolume: 500_000, BonusRate: 10},
			{MinVolume: 2_000_000, BonusRate: 20},
		},
		Schedule: domain.ScheduleMonthly,
	})
	agent := seedAgent(t, st, &s.ID, nil)

	calc, err := e.Calculate(context.Background(), CalculateInput{
		AgentID:  agent.ID,
		Period:   periodJuly(),
		Revenue:  600_000,
		Currency: "USD",
		Metrics:  map[string]int64{},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RateMilli(10), calc.Breakdown.VolumeBonus)
	assert.Equal(t, int64(36_000), calc.Amount) // 600,000 × 6.0%
}

func TestCalculate_OverrideCarvesSlice(t *testing.T) {
	e, st := newTestEngine(t)
	s := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		Overrides: []domain.Override{
			{Sport: "football", Rate: 100}, // 10% on football revenue
		},
		Schedule: domain.ScheduleMonthly,
	})
	agent := seedAgent(t, st, &s.ID, nil)
	customer := uuid.New()

	// Two settled losing wagers inside the period: football 40,000 and
	// basketball 60,000 of house revenue.
	settledAt := time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		for _, w := range []struct {
			sport string
			loss  int64
		}{{"football", 40_000}, {"basketball", 60_000}} {
			loss := -w.loss
			outcome := domain.OutcomeLost
			wg := &domain.Wager{
				ID:         uuid.New(),
				CustomerID: customer,
				AgentID:    agent.ID,
				EventID:    uuid.New(),
				Sport:      w.sport,
				BetType:    domain.BetMoneyline,
				Stake:      w.loss,
				OddsMilli:  1910,
				Status:     domain.WagerLost,
				PlacedAt:   settledAt.Add(-time.Hour),
				SettledAt:  &settledAt,
				ActualWin:  &loss,
				Outcome:    &outcome,
			}
			if err := st.Wagers().Put(tx, wg); err != nil {
				return err
			}
		}
		return nil
	}))

	calc, err := e.Calculate(context.Background(), CalculateInput{
		AgentID:       agent.ID,
		Period:        periodJuly(),
		Currency:      "USD",
		DeriveRevenue: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100_000), calc.Revenue)
	// Football slice 40,000 at 10% = 4,000; remainder 60,000 at 5% = 3,000.
	assert.Equal(t, int64(7_000), calc.Amount)
	require.Len(t, calc.Breakdown.Overrides, 1)
}

func TestResolveStructure_WalksChainThenDefault(t *testing.T) {
	e, st := newTestEngine(t)
	def := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 30,
		Schedule: domain.ScheduleWeekly,
	})
	parentCard := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "master-card",
		BaseRate: 80,
		Schedule: domain.ScheduleWeekly,
	})

	root := seedAgent(t, st, &parentCard.ID, nil)
	child := seedAgent(t, st, nil, &root.ID)
	orphan := seedAgent(t, st, nil, nil)

	got, err := e.ResolveStructure(nil, child.ID)
	require.NoError(t, err)
	assert.Equal(t, parentCard.ID, got.ID)

	got, err = e.ResolveStructure(nil, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
}

func TestPeriodFor_WeeklyStartsMonday(t *testing.T) {
	// 2026-08-19 is a Wednesday.
	at := time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)
	p, err := PeriodFor(domain.ScheduleWeekly, at, "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, time.Monday, p.Start.Weekday())
	assert.True(t, p.Contains(at))
	assert.False(t, p.Contains(p.End))
}

func TestPeriodFor_BiweeklyAnchored(t *testing.T) {
	at := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	p, err := PeriodFor(domain.ScheduleBiweekly, at, "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, p.Start.Weekday())
	assert.Equal(t, p.Start.AddDate(0, 0, 14), p.End)
	// Fortnight parity is anchored to 2024-01-01.
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	weeks := int(p.Start.Sub(anchor).Hours() / 24 / 7)
	assert.Zero(t, weeks%2)
}

func TestPeriodFor_MonthlyInAgentTimezone(t *testing.T) {
	at := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)
	p, err := PeriodFor(domain.ScheduleMonthly, at, "America/New_York")
	require.NoError(t, err)
	// 02:00 UTC on Aug 1 is still July 31 in New York.
	loc, _ := time.LoadLocation("America/New_York")
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, loc), p.End)
}

func TestPayout_FullLifecycle(t *testing.T) {
	e, st := newTestEngine(t)
	s := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		Schedule: domain.ScheduleMonthly,
	})
	agent := seedAgent(t, st, &s.ID, nil)

	calc, err := e.Calculate(context.Background(), CalculateInput{
		AgentID:  agent.ID,
		Period:   periodJuly(),
		Revenue:  200_000,
		Currency: "USD",
		Metrics:  map[string]int64{},
	})
	require.NoError(t, err)

	// Pending calculations cannot be paid out.
	_, err = e.CreatePayout(context.Background(), agent.ID, []uuid.UUID{calc.ID})
	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(err))

	_, err = e.ApproveCalculation(context.Background(), calc.ID)
	require.NoError(t, err)

	payout, err := e.CreatePayout(context.Background(), agent.ID, []uuid.UUID{calc.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPending, payout.State)
	assert.Equal(t, int64(10_000), payout.Amount)

	payout, err = e.ProcessPayout(context.Background(), payout.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutProcessing, payout.State)

	payout, err = e.CompletePayout(context.Background(), payout.ID, "wire-123")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutCompleted, payout.State)
	require.NotNil(t, payout.CompletedAt)

	paid, err := st.Calculations().Get(nil, calc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CalcPaid, paid.State)
}

func TestPayout_IllegalTransitionRejected(t *testing.T) {
	e, st := newTestEngine(t)
	s := mustStructure(t, e, &domain.CommissionStructure{
		Name:     "standard",
		BaseRate: 50,
		Schedule: domain.ScheduleMonthly,
	})
	agent := seedAgent(t, st, &s.ID, nil)

	calc, err := e.Calculate(context.Background(), CalculateInput{
		AgentID:  agent.ID,
		Period:   periodJuly(),
		Revenue:  100_000,
		Currency: "USD",
		Metrics:  map[string]int64{},
	})
	require.NoError(t, err)
	_, err = e.ApproveCalculation(context.Background(), calc.ID)
	require.NoError(t, err)
	payout, err := e.CreatePayout(context.Background(), agent.ID, []uuid.UUID{calc.ID})
	require.NoError(t, err)

	// pending → completed skips processing.
	_, err = e.CompletePayout(context.Background(), payout.ID, "wire-999")
	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(err))

	// Cancel works from pending, and is final.
	cancelled, err := e.CancelPayout(context.Background(), payout.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutCancelled, cancelled.State)

	_, err = e.ProcessPayout(context.Background(), payout.ID, "ops")
	require.Error(t, err)
}
