package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutSchedule fixes when commission periods close.
type PayoutSchedule string

const (
	ScheduleWeekly   PayoutSchedule = "weekly"
	ScheduleBiweekly PayoutSchedule = "biweekly"
	ScheduleMonthly  PayoutSchedule = "monthly"
)

// RateMilli is a rate in thousandths: 50 = 5.0%. Rates live in [0, 1000].
type RateMilli int64

// VolumeTier adds a bonus rate once period revenue reaches MinVolume.
// Tiers are sorted ascending by MinVolume and partition [0, ∞).
type VolumeTier struct {
	MinVolume int64     `json:"min_volume"`
	BonusRate RateMilli `json:"bonus_rate"`
}

// PerformanceRule adds a fixed amount or a rate when a metric crosses its
// threshold inside the calculation period.
type PerformanceRule struct {
	Metric      string    `json:"metric"`
	Threshold   int64     `json:"threshold"`
	BonusAmount int64     `json:"bonus_amount,omitempty"`
	BonusRate   RateMilli `json:"bonus_rate,omitempty"`
	Active      bool      `json:"active"`
}

// Override replaces base+bonus rates for the slice of revenue its filter
// matches (sport, bet type, or customer).
type Override struct {
	Sport      string     `json:"sport,omitempty"`
	BetType    BetType    `json:"bet_type,omitempty"`
	CustomerID *uuid.UUID `json:"customer_id,omitempty"`
	Rate       RateMilli  `json:"rate"`
}

// CommissionStructure is the rate card resolved for an agent.
type CommissionStructure struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	BaseRate    RateMilli         `json:"base_rate"`
	VolumeTiers []VolumeTier      `json:"volume_tiers,omitempty"`
	Performance []PerformanceRule `json:"performance,omitempty"`
	Overrides   []Override        `json:"overrides,omitempty"`
	Schedule    PayoutSchedule    `json:"schedule"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Period is a half-open interval [Start, End) in the agent's timezone.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// CalculationState is the lifecycle of a commission calculation.
type CalculationState string

const (
	CalcPending  CalculationState = "pending"
	CalcApproved CalculationState = "approved"
	CalcPaid     CalculationState = "paid"
	CalcVoid     CalculationState = "void"
)

// Breakdown records how a commission amount was produced, kept for audit.
type Breakdown struct {
	Revenue       int64             `json:"revenue"`
	BaseRate      RateMilli         `json:"base_rate"`
	VolumeBonus   RateMilli         `json:"volume_bonus"`
	Performance   []PerformanceRule `json:"performance_bonuses,omitempty"`
	Overrides     []Override        `json:"overrides,omitempty"`
	EffectiveRate RateMilli         `json:"effective_rate"`
	FixedBonuses  int64             `json:"fixed_bonuses"`
	Amount        int64             `json:"amount"`
}

// CommissionCalculation is one agent's commission for one period.
type CommissionCalculation struct {
	ID          uuid.UUID        `json:"id"`
	AgentID     uuid.UUID        `json:"agent_id"`
	StructureID uuid.UUID        `json:"structure_id"`
	Period      Period           `json:"period"`
	Revenue     int64            `json:"gross_revenue"`
	Amount      int64            `json:"amount"`
	Currency    string           `json:"currency"`
	Breakdown   Breakdown        `json:"breakdown"`
	State       CalculationState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
}

// PayoutState follows the payout DAG: pending → processing → completed,
// pending → cancelled, processing → failed.
type PayoutState string

const (
	PayoutPending    PayoutState = "pending"
	PayoutProcessing PayoutState = "processing"
	PayoutCompleted  PayoutState = "completed"
	PayoutFailed     PayoutState = "failed"
	PayoutCancelled  PayoutState = "cancelled"
)

// payoutTransitions encodes the allowed payout state machine edges.
var payoutTransitions = map[PayoutState][]PayoutState{
	PayoutPending:    {PayoutProcessing, PayoutCancelled},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
}

// CanTransition reports whether from → to is a legal payout move.
func (from PayoutState) CanTransition(to PayoutState) bool {
	for _, next := range payoutTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Payout is a batch of approved calculations paid to one agent in one
// currency.
type Payout struct {
	ID             uuid.UUID   `json:"id"`
	AgentID        uuid.UUID   `json:"agent_id"`
	CalculationIDs []uuid.UUID `json:"calculation_ids"`
	Amount         int64       `json:"amount"`
	Currency       string      `json:"currency"`
	State          PayoutState `json:"state"`
	Reference      string      `json:"reference,omitempty"`
	ProcessedBy    string      `json:"processed_by,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// AuditEntry is one append-only line in an entity's audit log.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	EntityID  uuid.UUID `json:"entity_id"`
	Entity    string    `json:"entity"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
