package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Bus event types emitted by the core components.
const (
	EventAgentCreated     = "agent.created"
	EventAgentUpdated     = "agent.updated"
	EventAgentSuspended   = "agent.suspended"
	EventAgentReactivated = "agent.reactivated"
	EventWagerPlaced      = "wager.placed"
	EventWagerCancelled   = "wager.cancelled"
	EventWagerSettled     = "wager.settled"
	EventOddsUpdated      = "odds.updated"
	EventQueueEnqueued    = "queue.enqueued"
	EventQueueMatched     = "queue.matched"
	EventQueueConfirmed   = "queue.confirmed"
	EventQueueExpired     = "queue.expired"
	EventQueueCancelled   = "queue.cancelled"
	EventPayoutPending    = "payout.pending"
	EventPayoutProcessing = "payout.processing"
	EventPayoutCompleted  = "payout.completed"
	EventPayoutFailed     = "payout.failed"
	EventPayoutCancelled  = "payout.cancelled"
	EventCommissionClosed = "commission.period_closed"
	EventDashboardUpdate  = "dashboard.update"
	EventSubscriberLagged = "subscriber.lagged"
	EventResync           = "resync"
)

// EventScope carries the identity dimensions filters match against.
// Zero-value fields mean unscoped.
type EventScope struct {
	Department string    `json:"department,omitempty"`
	AgentID    uuid.UUID `json:"agent_id,omitempty"`
	CustomerID uuid.UUID `json:"customer_id,omitempty"`
}

// BusEvent is one event on the process-local bus. Sequence is dense and
// monotonic per bus instance; no two events share a sequence.
type BusEvent struct {
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Scope     EventScope      `json:"scope"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewBusEvent builds an unsequenced event; the bus assigns Sequence on
// publish. Marshal failures degrade to a null payload rather than dropping
// the event.
func NewBusEvent(eventType string, scope EventScope, payload any) BusEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return BusEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Scope:     scope,
		Payload:   raw,
	}
}

// SubscriptionFilter is a conjunction: every non-empty field must match.
type SubscriptionFilter struct {
	Departments []string    `json:"departments,omitempty"`
	EventTypes  []string    `json:"event_types,omitempty"`
	AgentIDs    []uuid.UUID `json:"agent_ids,omitempty"`
	CustomerIDs []uuid.UUID `json:"customer_ids,omitempty"`
}

// Matches applies the conjunction to an event.
func (f SubscriptionFilter) Matches(ev BusEvent) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.Departments) > 0 && !containsString(f.Departments, ev.Scope.Department) {
		return false
	}
	if len(f.AgentIDs) > 0 && !containsUUID(f.AgentIDs, ev.Scope.AgentID) {
		return false
	}
	if len(f.CustomerIDs) > 0 && !containsUUID(f.CustomerIDs, ev.Scope.CustomerID) {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsUUID(set []uuid.UUID, v uuid.UUID) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
