package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus is the lifecycle status of a sports event.
type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventLive      EventStatus = "live"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
	EventPostponed EventStatus = "postponed"
)

// Bettable reports whether new wagers may reference the event.
func (s EventStatus) Bettable() bool {
	return s == EventScheduled || s == EventLive
}

// OddsMoveHistoryCap bounds the retained odds movement history per event.
const OddsMoveHistoryCap = 50

// OddsSnapshot holds the current market prices for an event, milli-odds.
type OddsSnapshot struct {
	MoneylineHome int64     `json:"moneyline_home"`
	MoneylineAway int64     `json:"moneyline_away"`
	MoneylineDraw int64     `json:"moneyline_draw,omitempty"`
	SpreadLine    int64     `json:"spread_line,omitempty"` // hundredths of a point
	SpreadHome    int64     `json:"spread_home,omitempty"`
	SpreadAway    int64     `json:"spread_away,omitempty"`
	TotalLine     int64     `json:"total_line,omitempty"`
	TotalOver     int64     `json:"total_over,omitempty"`
	TotalUnder    int64     `json:"total_under,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

// OddsMovement is one entry of the capped movement history.
type OddsMovement struct {
	At       time.Time    `json:"at"`
	Snapshot OddsSnapshot `json:"snapshot"`
	Volume   int64        `json:"volume,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// SportsEvent is an upstream event wagers reference. VIPAccess lists the
// tiers allowed to bet; empty means open to all.
type SportsEvent struct {
	ID        uuid.UUID      `json:"id"`
	Sport     string         `json:"sport"`
	League    string         `json:"league,omitempty"`
	HomeTeam  string         `json:"home_team"`
	AwayTeam  string         `json:"away_team"`
	StartTime time.Time      `json:"start_time"`
	Status    EventStatus    `json:"status"`
	VIPAccess []Tier         `json:"vip_access,omitempty"`
	Odds      OddsSnapshot   `json:"odds"`
	History   []OddsMovement `json:"history,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AllowsTier reports whether a tier may bet on the event.
func (e *SportsEvent) AllowsTier(t Tier) bool {
	if len(e.VIPAccess) == 0 {
		return true
	}
	for _, a := range e.VIPAccess {
		if a == t {
			return true
		}
	}
	return false
}
