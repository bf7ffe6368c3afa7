package wager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerline/platform/internal/config"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/ledger"
	"github.com/wagerline/platform/internal/store"
)

type testFixture struct {
	engine *Engine
	store  store.Store
	ledger *ledger.Engine
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st := store.NewMemory()
	led := ledger.NewEngine(st, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testFixture{
		engine: NewEngine(st, led, nil, logger, config.DefaultRules()),
		store:  st,
		ledger: led,
	}
}

// seedCustomer creates an active customer funded with balance minor units.
func (f *testFixture) seedCustomer(t *testing.T, balance int64) *domain.Customer {
	t.Helper()
	c := &domain.Customer{
		ID:       uuid.New(),
		AgentID:  uuid.New(),
		Login:    "cust_" + uuid.NewString()[:8],
		Tier:     domain.TierSilver,
		Status:   domain.CustomerActive,
		Currency: "USD",
		Balances: domain.Balances{Main: balance},
		KYC:      domain.KYCVerified,
	}
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		if balance > 0 {
			acct := domain.CustomerAccount(c.ID, domain.BucketAvailable, c.Currency)
			if err := f.ledger.Credit(tx, acct, balance, uuid.NewString(), "deposit"); err != nil {
				return err
			}
		}
		return f.store.Customers().Put(tx, c)
	}))
	return c
}

func (f *testFixture) seedEvent(t *testing.T, status domain.EventStatus) *domain.SportsEvent {
	t.Helper()
	ev := &domain.SportsEvent{
		ID:        uuid.New(),
		Sport:     "football",
		HomeTeam:  "home",
		AwayTeam:  "away",
		StartTime: time.Now().Add(time.Hour),
		Status:    status,
	}
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		return f.store.SportsEvents().Put(tx, ev)
	}))
	return ev
}

func (f *testFixture) balance(t *testing.T, customerID uuid.UUID, bucket domain.Bucket) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(nil, domain.CustomerAccount(customerID, bucket, "USD"))
	require.NoError(t, err)
	return bal
}

func TestCreateBet_HappyPath(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
		VIPTier:    domain.TierSilver,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Wager)

	assert.Equal(t, domain.WagerPending, res.Wager.Status)
	assert.Equal(t, int64(2275), res.Wager.PotentialPayout)
	assert.Equal(t, int64(97500), f.balance(t, c.ID, domain.BucketAvailable))
	assert.Equal(t, int64(2500), f.balance(t, c.ID, domain.BucketReserved))

	stored, err := f.store.Customers().Get(nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(97500), stored.Balances.Main)
	assert.Equal(t, int64(2500), stored.Lifetime.Wagered)
}

func TestCreateBet_LiveEventStartsActive(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventLive)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetSpread,
		Selection:  "away",
		Stake:      2000,
		OddsMilli:  1910,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WagerActive, res.Wager.Status)
}

func TestCreateBet_InsufficientFundsLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 1000)
	ev := f.seedEvent(t, domain.EventScheduled)

	_, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      1500,
		OddsMilli:  1910,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindInsufficient, domain.KindOf(err))

	assert.Equal(t, int64(1000), f.balance(t, c.ID, domain.BucketAvailable))
	assert.Equal(t, int64(0), f.balance(t, c.ID, domain.BucketReserved))
	stored, err := f.store.Customers().Get(nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.Balances.Main)
}

func TestCreateBet_StakeBelowSportMinimum(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled) // football, min 1000

	_, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      999,
		OddsMilli:  1910,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	// Exactly at the minimum succeeds.
	_, err = f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      1000,
		OddsMilli:  1910,
	})
	require.NoError(t, err)
}

func TestCreateBet_OddsCeilingIsWarningNotRejection(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetSpread, // ceiling 3000
		Selection:  "home",
		Stake:      2000,
		OddsMilli:  5000,
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "ceiling")
}

func TestCreateBet_TierRestrictedEvent(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)
	ev.VIPAccess = []domain.Tier{domain.TierDiamond, domain.TierVIP}
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		return f.store.SportsEvents().Put(tx, ev)
	}))

	_, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2000,
		OddsMilli:  1910,
		VIPTier:    domain.TierSilver,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(err))
}

func TestCreateBet_CorrelationReplayConflicts(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	input := CreateBetInput{
		CustomerID:  c.ID,
		EventID:     ev.ID,
		BetType:     domain.BetMoneyline,
		Selection:   "home",
		Stake:       2500,
		OddsMilli:   1910,
		Correlation: "place-once",
	}
	_, err := f.engine.CreateBet(context.Background(), input)
	require.NoError(t, err)

	_, err = f.engine.CreateBet(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	// Exactly one stake reserved.
	assert.Equal(t, int64(2500), f.balance(t, c.ID, domain.BucketReserved))
}

func TestSettleBet_WonCreditsPayoutAndReleasesStake(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	settled, err := f.engine.SettleBet(context.Background(), Settlement{
		WagerID:   res.Wager.ID,
		Outcome:   domain.OutcomeWon,
		SettledBy: "grader",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WagerWon, settled.Status)
	require.NotNil(t, settled.ActualWin)
	assert.Equal(t, int64(2275), *settled.ActualWin)
	assert.Equal(t, int64(102275), f.balance(t, c.ID, domain.BucketAvailable))
	assert.Equal(t, int64(0), f.balance(t, c.ID, domain.BucketReserved))

	stored, err := f.store.Customers().Get(nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(102275), stored.Balances.Main)
	assert.Equal(t, int64(2275), stored.Lifetime.Won)

	require.NoError(t, f.ledger.CheckInvariants(nil))
}

func TestSettleBet_LostMovesStakeToHouse(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	settled, err := f.engine.SettleBet(context.Background(), Settlement{
		WagerID: res.Wager.ID,
		Outcome: domain.OutcomeLost,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WagerLost, settled.Status)
	require.NotNil(t, settled.ActualWin)
	assert.Equal(t, int64(-2500), *settled.ActualWin)
	assert.Equal(t, int64(97500), f.balance(t, c.ID, domain.BucketAvailable))
	assert.Equal(t, int64(0), f.balance(t, c.ID, domain.BucketReserved))
	require.NoError(t, f.ledger.CheckInvariants(nil))
}

func TestSettleBet_PushRefundsStake(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetTotal,
		Selection:  "over",
		Stake:      3000,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	settled, err := f.engine.SettleBet(context.Background(), Settlement{
		WagerID: res.Wager.ID,
		Outcome: domain.OutcomePush,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WagerPushed, settled.Status)
	require.NotNil(t, settled.ActualWin)
	assert.Equal(t, int64(0), *settled.ActualWin)
	assert.Equal(t, int64(100000), f.balance(t, c.ID, domain.BucketAvailable))
}

func TestSettleBet_TerminalWagerRejected(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	_, err = f.engine.SettleBet(context.Background(), Settlement{WagerID: res.Wager.ID, Outcome: domain.OutcomeWon})
	require.NoError(t, err)

	_, err = f.engine.SettleBet(context.Background(), Settlement{WagerID: res.Wager.ID, Outcome: domain.OutcomeLost})
	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(err))
}

func TestCancelBet_RoundTripRestoresLedger(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	cancelled, err := f.engine.CancelBet(context.Background(), res.Wager.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.WagerCancelled, cancelled.Status)

	assert.Equal(t, int64(100000), f.balance(t, c.ID, domain.BucketAvailable))
	assert.Equal(t, int64(0), f.balance(t, c.ID, domain.BucketReserved))

	stored, err := f.store.Customers().Get(nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), stored.Balances.Main)
	assert.Equal(t, int64(0), stored.Lifetime.Wagered)
	assert.Equal(t, int64(0), stored.Lifetime.BetCount)
}

func TestCancelBet_ActiveWagerRejected(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventLive)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)
	require.Equal(t, domain.WagerActive, res.Wager.Status)

	_, err = f.engine.CancelBet(context.Background(), res.Wager.ID, "")
	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(err))
}

func TestUpdateBet_OnlyPendingEditable(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	notes := "flagged by desk"
	risk := domain.RiskHigh
	updated, err := f.engine.UpdateBet(context.Background(), res.Wager.ID, UpdateBetPatch{
		Notes:     &notes,
		RiskLevel: &risk,
	})
	require.NoError(t, err)
	assert.Equal(t, "flagged by desk", updated.Notes)
	assert.Equal(t, domain.RiskHigh, updated.RiskLevel)

	_, err = f.engine.SettleBet(context.Background(), Settlement{WagerID: res.Wager.ID, Outcome: domain.OutcomeVoid})
	require.NoError(t, err)

	_, err = f.engine.UpdateBet(context.Background(), res.Wager.ID, UpdateBetPatch{Notes: &notes})
	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(err))
}

func TestBulkSettleBets_PartialFailureIsolated(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	ev := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    ev.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	results, err := f.engine.BulkSettleBets(context.Background(), ev.ID, []Settlement{
		{WagerID: res.Wager.ID, Outcome: domain.OutcomeWon},
		{WagerID: uuid.New(), Outcome: domain.OutcomeLost}, // unknown wager
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NotEmpty(t, results[1].Error)
}

func TestBulkSettleBets_RejectsForeignEventWagers(t *testing.T) {
	f := newFixture(t)
	c := f.seedCustomer(t, 100000)
	evA := f.seedEvent(t, domain.EventScheduled)
	evB := f.seedEvent(t, domain.EventScheduled)

	res, err := f.engine.CreateBet(context.Background(), CreateBetInput{
		CustomerID: c.ID,
		EventID:    evB.ID,
		BetType:    domain.BetMoneyline,
		Selection:  "home",
		Stake:      2500,
		OddsMilli:  1910,
	})
	require.NoError(t, err)

	// Grading evA must not touch evB's wager.
	results, err := f.engine.BulkSettleBets(context.Background(), evA.ID, []Settlement{
		{WagerID: res.Wager.ID, Outcome: domain.OutcomeLost},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(results[0].Err))

	stored, err := f.store.Wagers().Get(nil, res.Wager.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerPending, stored.Status)
	assert.Equal(t, int64(2500), f.balance(t, c.ID, domain.BucketReserved))
}

func TestUpdateOdds_VersionAndHistory(t *testing.T) {
	f := newFixture(t)
	ev := f.seedEvent(t, domain.EventScheduled)

	updated, err := f.engine.UpdateOdds(context.Background(), ev.ID, OddsUpdate{
		Snapshot: domain.OddsSnapshot{MoneylineHome: 1910, MoneylineAway: 1910},
		Volume:   5000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Len(t, updated.History, 1)
	assert.Equal(t, int64(1910), updated.Odds.MoneylineHome)
}

func TestUpdateOdds_HistoryCappedFIFO(t *testing.T) {
	f := newFixture(t)
	ev := f.seedEvent(t, domain.EventScheduled)

	for i := 0; i < domain.OddsMoveHistoryCap+10; i++ {
		_, err := f.engine.UpdateOdds(context.Background(), ev.ID, OddsUpdate{
			Snapshot: domain.OddsSnapshot{MoneylineHome: 1900 + int64(i)},
		})
		require.NoError(t, err)
	}

	updated, err := f.store.SportsEvents().Get(nil, ev.ID)
	require.NoError(t, err)
	assert.Len(t, updated.History, domain.OddsMoveHistoryCap)
	// Oldest retained entry is the 11th update.
	assert.Equal(t, int64(1910), updated.History[0].Snapshot.MoneylineHome)
	assert.Equal(t, int64(domain.OddsMoveHistoryCap+10), updated.Version)
}

func TestUpdateOdds_ReasonTokenIdempotent(t *testing.T) {
	f := newFixture(t)
	ev := f.seedEvent(t, domain.EventScheduled)

	_, err := f.engine.UpdateOdds(context.Background(), ev.ID, OddsUpdate{
		Snapshot: domain.OddsSnapshot{MoneylineHome: 1800},
		Reason:   "feed-tick-42",
	})
	require.NoError(t, err)

	replayed, err := f.engine.UpdateOdds(context.Background(), ev.ID, OddsUpdate{
		Snapshot: domain.OddsSnapshot{MoneylineHome: 1700},
		Reason:   "feed-tick-42",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1800), replayed.Odds.MoneylineHome)
	assert.Equal(t, int64(1), replayed.Version)
}
