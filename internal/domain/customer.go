package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the customer VIP classification controlling limits and access.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
	TierVIP      Tier = "vip"
)

// tierRank orders tiers for compatibility checks. Unknown tiers rank lowest.
var tierRank = map[Tier]int{
	TierBronze:   0,
	TierSilver:   1,
	TierGold:     2,
	TierPlatinum: 3,
	TierDiamond:  4,
	TierVIP:      5,
}

// Rank returns the ordinal position of the tier (bronze=0 .. vip=5).
func (t Tier) Rank() int { return tierRank[t] }

// TierForVolume returns the highest tier a lifetime wagered volume implies.
// Thresholds are minor units.
func TierForVolume(volume int64) Tier {
	switch {
	case volume >= 100_000_000:
		return TierVIP
	case volume >= 50_000_000:
		return TierDiamond
	case volume >= 20_000_000:
		return TierPlatinum
	case volume >= 5_000_000:
		return TierGold
	case volume >= 1_000_000:
		return TierSilver
	default:
		return TierBronze
	}
}

// CustomerStatus is the lifecycle status of a customer account.
type CustomerStatus string

const (
	CustomerActive    CustomerStatus = "active"
	CustomerInactive  CustomerStatus = "inactive"
	CustomerSuspended CustomerStatus = "suspended"
	CustomerClosed    CustomerStatus = "closed"
)

// RiskLevel buckets the 0..100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore maps a risk score to its level bucket.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// KYCState is the know-your-customer verification state.
type KYCState string

const (
	KYCPending  KYCState = "pending"
	KYCVerified KYCState = "verified"
	KYCRejected KYCState = "rejected"
)

// Balances is the denormalized per-bucket balance snapshot kept on the
// customer row. The ledger posting log is authoritative; these mirror it and
// are updated in the same transaction as the postings that move them.
type Balances struct {
	Main            int64 `json:"main"`
	Casino          int64 `json:"casino"`
	Sports          int64 `json:"sports"`
	Freeplay        int64 `json:"freeplay"`
	FreeplayPending int64 `json:"freeplay_pending"`
}

// LifetimeCounters accumulate activity over the customer's life.
type LifetimeCounters struct {
	Deposited int64 `json:"deposited"`
	Withdrawn int64 `json:"withdrawn"`
	Wagered   int64 `json:"wagered"`
	Won       int64 `json:"won"`
	BetCount  int64 `json:"bet_count"`
}

// Customer is a betting customer attached to exactly one primary agent.
type Customer struct {
	ID        uuid.UUID        `json:"id"`
	AgentID   uuid.UUID        `json:"agent_id"`
	Login     string           `json:"login"`
	Tier      Tier             `json:"tier"`
	Status    CustomerStatus   `json:"status"`
	Currency  string           `json:"currency"`
	Balances  Balances         `json:"balances"`
	Lifetime  LifetimeCounters `json:"lifetime"`
	RiskScore int              `json:"risk_score"`
	RiskLevel RiskLevel        `json:"risk_level"`
	KYC       KYCState         `json:"kyc"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
