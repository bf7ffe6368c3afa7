package domain

import (
	"time"

	"github.com/google/uuid"
)

// OddsMin is the smallest accepted decimal odds in thousandths (1.001).
// Odds are fixed three-decimal values stored as int64 milli-odds, so
// 1910 means 1.910.
const OddsMin int64 = 1001

// OddsUnit is the milli-odds representation of 1.000.
const OddsUnit int64 = 1000

// BetType is the closed set of supported bet kinds.
type BetType string

const (
	BetMoneyline BetType = "moneyline"
	BetSpread    BetType = "spread"
	BetTotal     BetType = "total"
	BetParlay    BetType = "parlay"
	BetProp      BetType = "prop"
	BetFuture    BetType = "future"
)

// WagerStatus is the bet lifecycle state.
type WagerStatus string

const (
	WagerPending   WagerStatus = "pending"
	WagerActive    WagerStatus = "active"
	WagerWon       WagerStatus = "won"
	WagerLost      WagerStatus = "lost"
	WagerCancelled WagerStatus = "cancelled"
	WagerVoid      WagerStatus = "void"
	WagerPushed    WagerStatus = "pushed"
)

// Terminal reports whether the status admits no further transitions.
func (s WagerStatus) Terminal() bool {
	switch s {
	case WagerWon, WagerLost, WagerCancelled, WagerVoid, WagerPushed:
		return true
	}
	return false
}

// SettlementOutcome is the grading result applied to a wager.
type SettlementOutcome string

const (
	OutcomeWon  SettlementOutcome = "won"
	OutcomeLost SettlementOutcome = "lost"
	OutcomePush SettlementOutcome = "push"
	OutcomeVoid SettlementOutcome = "void"
)

// statusForOutcome maps a grading outcome to the terminal wager status.
var statusForOutcome = map[SettlementOutcome]WagerStatus{
	OutcomeWon:  WagerWon,
	OutcomeLost: WagerLost,
	OutcomePush: WagerPushed,
	OutcomeVoid: WagerVoid,
}

// StatusForOutcome returns the terminal status for a settlement outcome.
func StatusForOutcome(o SettlementOutcome) (WagerStatus, bool) {
	s, ok := statusForOutcome[o]
	return s, ok
}

// Wager is a single bet. Settlement fields stay nil until the wager reaches
// a terminal state; stake and potential payout are minor units.
type Wager struct {
	ID              uuid.UUID          `json:"id"`
	CustomerID      uuid.UUID          `json:"customer_id"`
	AgentID         uuid.UUID          `json:"agent_id"` // cached primary agent
	EventID         uuid.UUID          `json:"event_id"`
	Sport           string             `json:"sport"`
	BetType         BetType            `json:"bet_type"`
	Selection       string             `json:"selection"`
	Stake           int64              `json:"stake"`
	OddsMilli       int64              `json:"odds"`
	PotentialPayout int64              `json:"potential_payout"`
	RiskLevel       RiskLevel          `json:"risk_level"`
	VIPTier         Tier               `json:"vip_tier"`
	Status          WagerStatus        `json:"status"`
	Notes           string             `json:"notes,omitempty"`
	Correlation     string             `json:"correlation_id,omitempty"`
	PlacedAt        time.Time          `json:"placed_at"`
	SettledAt       *time.Time         `json:"settled_at,omitempty"`
	ActualWin       *int64             `json:"actual_win,omitempty"`
	Outcome         *SettlementOutcome `json:"outcome,omitempty"`
	SettledBy       *string            `json:"settled_by,omitempty"`
}

// PotentialPayout computes ⌊stake × (odds − 1.000)⌋ in minor units with
// banker's rounding on the milli-odds multiply.
func PotentialPayout(stake, oddsMilli int64) int64 {
	return BankersDiv(stake*(oddsMilli-OddsUnit), OddsUnit)
}

// BankersDiv divides num by den rounding half to even. den must be positive.
func BankersDiv(num, den int64) int64 {
	neg := num < 0
	if neg {
		num = -num
	}
	q := num / den
	r := num % den
	switch {
	case 2*r > den:
		q++
	case 2*r == den && q%2 == 1:
		q++
	}
	if neg {
		return -q
	}
	return q
}
