package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBankersDiv_RoundsHalfToEven(t *testing.T) {
	assert.Equal(t, int64(2), BankersDiv(5, 2))  // 2.5 → 2
	assert.Equal(t, int64(4), BankersDiv(7, 2))  // 3.5 → 4
	assert.Equal(t, int64(2), BankersDiv(45, 20)) // 2.25 → 2
	assert.Equal(t, int64(3), BankersDiv(26, 10)) // 2.6 → 3
	assert.Equal(t, int64(2), BankersDiv(24, 10)) // 2.4 → 2
}

func TestBankersDiv_Negative(t *testing.T) {
	assert.Equal(t, int64(-2), BankersDiv(-5, 2))
	assert.Equal(t, int64(-4), BankersDiv(-7, 2))
	assert.Equal(t, int64(-3), BankersDiv(-26, 10))
}

func TestBankersDiv_Exact(t *testing.T) {
	assert.Equal(t, int64(5), BankersDiv(10, 2))
	assert.Equal(t, int64(0), BankersDiv(0, 7))
}

func TestPotentialPayout_KnownValues(t *testing.T) {
	// 2500 at 1.910: 2500 × 0.910 = 2275 exact.
	assert.Equal(t, int64(2275), PotentialPayout(2500, 1910))
	// 1 at 1.001: 0.001 rounds half-to-even to 0.
	assert.Equal(t, int64(0), PotentialPayout(1, 1001))
	// 1000 at 1.001 = 1 exact.
	assert.Equal(t, int64(1), PotentialPayout(1000, 1001))
	// 333 at 2.500: 333 × 1.5 = 499.5 → 500 (499 is odd, round up).
	assert.Equal(t, int64(500), PotentialPayout(333, 2500))
}

func TestStatusForOutcome_Mapping(t *testing.T) {
	for outcome, want := range map[SettlementOutcome]WagerStatus{
		OutcomeWon:  WagerWon,
		OutcomeLost: WagerLost,
		OutcomePush: WagerPushed,
		OutcomeVoid: WagerVoid,
	} {
		got, ok := StatusForOutcome(outcome)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := StatusForOutcome("half-won")
	assert.False(t, ok)
}

func TestWagerStatus_Terminal(t *testing.T) {
	assert.False(t, WagerPending.Terminal())
	assert.False(t, WagerActive.Terminal())
	assert.True(t, WagerWon.Terminal())
	assert.True(t, WagerLost.Terminal())
	assert.True(t, WagerCancelled.Terminal())
	assert.True(t, WagerVoid.Terminal())
	assert.True(t, WagerPushed.Terminal())
}
