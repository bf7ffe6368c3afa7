package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentType is the closed set of agent roles in the hierarchy.
type AgentType string

const (
	AgentTypeUser   AgentType = "U"
	AgentTypeAgent  AgentType = "A"
	AgentTypeMaster AgentType = "M"
	AgentTypeSuper  AgentType = "S"
)

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentInactive   AgentStatus = "inactive"
	AgentSuspended  AgentStatus = "suspended"
	AgentTerminated AgentStatus = "terminated"
)

// Agent is a node in the agent hierarchy. The parent chain is acyclic and
// bounded by the configured max depth; login is unique across all statuses.
type Agent struct {
	ID          uuid.UUID       `json:"id"`
	Login       string          `json:"login"`
	ParentID    *uuid.UUID      `json:"parent_id,omitempty"`
	Type        AgentType       `json:"type"`
	Status      AgentStatus     `json:"status"`
	Office      string          `json:"office,omitempty"`
	StructureID *uuid.UUID      `json:"commission_structure_id,omitempty"`
	Permissions uint64          `json:"permissions"`
	Timezone    string          `json:"timezone,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AttachmentKind describes how a customer is bound to an agent.
type AttachmentKind string

const (
	AttachPrimary   AttachmentKind = "primary"
	AttachSecondary AttachmentKind = "secondary"
	AttachTemporary AttachmentKind = "temporary"
)

// CustomerAttachment links a customer to an agent with a commission split.
// Exactly one primary attachment exists per customer; secondary and temporary
// splits sum to at most 100 percent.
type CustomerAttachment struct {
	ID         uuid.UUID      `json:"id"`
	CustomerID uuid.UUID      `json:"customer_id"`
	AgentID    uuid.UUID      `json:"agent_id"`
	Kind       AttachmentKind `json:"kind"`
	SplitPct   int            `json:"split_pct"`
	CreatedAt  time.Time      `json:"created_at"`
}

// HierarchyNode is the read model returned by hierarchy queries.
// Level is 0 at the queried root; counters aggregate the whole subtree.
type HierarchyNode struct {
	Agent           *Agent           `json:"agent"`
	Level           int              `json:"level"`
	Children        []*HierarchyNode `json:"children,omitempty"`
	TotalSubAgents  int              `json:"total_sub_agents"`
	ActiveSubAgents int              `json:"active_sub_agents"`
	CustomerCount   int              `json:"customer_count"`
}
