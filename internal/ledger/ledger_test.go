package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

func newTestLedger(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return NewEngine(st, 0), st
}

// fund credits a customer's available bucket from the house float.
func fund(t *testing.T, e *Engine, st store.Store, ref domain.AccountRef, amount int64) {
	t.Helper()
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return e.Credit(tx, ref, amount, uuid.NewString(), "test.fund")
	}))
}

func TestLedger_ReserveMovesAvailableToReserved(t *testing.T) {
	e, st := newTestLedger(t)
	customerID := uuid.New()
	avail := domain.CustomerAccount(customerID, domain.BucketAvailable, "USD")
	reserved := domain.CustomerAccount(customerID, domain.BucketReserved, "USD")
	fund(t, e, st, avail, 100000)

	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return e.Reserve(tx, avail, 2500, "corr-1", "wager.place")
	}))

	availBal, err := e.Balance(nil, avail)
	require.NoError(t, err)
	reservedBal, err := e.Balance(nil, reserved)
	require.NoError(t, err)
	assert.Equal(t, int64(97500), availBal)
	assert.Equal(t, int64(2500), reservedBal)
}

func TestLedger_InsufficientFundsRejected(t *testing.T) {
	e, st := newTestLedger(t)
	customerID := uuid.New()
	avail := domain.CustomerAccount(customerID, domain.BucketAvailable, "USD")
	fund(t, e, st, avail, 1000)

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return e.Reserve(tx, avail, 1500, "corr-2", "wager.place")
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindInsufficient, domain.KindOf(err))

	// Rolled back: balance untouched, no postings recorded.
	bal, err := e.Balance(nil, avail)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)
	postings, err := st.Postings().ListByCorrelation(nil, "corr-2")
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestLedger_HouseFloatMayGoNegative(t *testing.T) {
	e, st := newTestLedger(t)
	avail := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")
	fund(t, e, st, avail, 50000)

	bal, err := e.Balance(nil, domain.HouseAccount("USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(-50000), bal)
	require.NoError(t, e.CheckInvariants(nil))
}

func TestLedger_IdempotentPerCorrelationAndReason(t *testing.T) {
	e, st := newTestLedger(t)
	avail := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")
	fund(t, e, st, avail, 10000)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
			return e.Reserve(tx, avail, 4000, "replay-me", "wager.place")
		}))
	}

	bal, err := e.Balance(nil, avail)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), bal)
	postings, err := st.Postings().ListByCorrelation(nil, "replay-me")
	require.NoError(t, err)
	assert.Len(t, postings, 1)
}

func TestLedger_CrossCurrencyRejected(t *testing.T) {
	e, st := newTestLedger(t)
	usd := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")
	eur := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "EUR")
	fund(t, e, st, usd, 10000)

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return e.Transfer(tx, usd, eur, 1000, "corr-x", "transfer")
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvariant, domain.KindOf(err))
}

func TestLedger_SelfPostingRejected(t *testing.T) {
	e, st := newTestLedger(t)
	avail := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")
	fund(t, e, st, avail, 10000)

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return e.Transfer(tx, avail, avail, 1000, "corr-self", "transfer")
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestLedger_ZeroAndNegativeAmountRejected(t *testing.T) {
	e, st := newTestLedger(t)
	avail := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")

	for _, amount := range []int64{0, -1} {
		err := st.InTx(context.Background(), func(tx store.Tx) error {
			return e.Credit(tx, avail, amount, uuid.NewString(), "test")
		})
		require.Error(t, err)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
}

func TestLedger_InvariantsHoldAcrossMoves(t *testing.T) {
	e, st := newTestLedger(t)
	c1 := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")
	c2 := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")
	fund(t, e, st, c1, 30000)
	fund(t, e, st, c2, 20000)

	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		if err := e.Reserve(tx, c1, 10000, "m1", "queue.enqueue"); err != nil {
			return err
		}
		r1 := c1
		r1.Bucket = domain.BucketReserved
		return e.Transfer(tx, r1, c2, 10000, "m2", "queue.match")
	}))

	require.NoError(t, e.CheckInvariants(nil))
	b1, _ := e.Balance(nil, c1)
	b2, _ := e.Balance(nil, c2)
	assert.Equal(t, int64(20000), b1)
	assert.Equal(t, int64(30000), b2)
}

func TestLedger_SequencesAreDense(t *testing.T) {
	e, st := newTestLedger(t)
	avail := domain.CustomerAccount(uuid.New(), domain.BucketAvailable, "USD")
	for i := 0; i < 5; i++ {
		fund(t, e, st, avail, 100)
	}

	all, err := st.Postings().All(nil)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, p := range all {
		assert.Equal(t, int64(i+1), p.Seq)
	}
}
