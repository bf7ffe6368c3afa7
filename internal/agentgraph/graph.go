// Package agentgraph maintains the agent hierarchy: tree edges, customer
// attachment, tier-driven status rules. Parent/child is stored as adjacency
// entries in the Store; cycle checks walk ancestors with a bounded depth and
// fail fast on revisit.
package agentgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

// Graph is the agent hierarchy component.
type Graph struct {
	store    store.Store
	bus      *bus.Bus
	logger   *slog.Logger
	maxDepth int

	memoMu sync.Mutex
	gen    int64
	memo   map[memoKey]*domain.HierarchyNode
}

type memoKey struct {
	id  uuid.UUID
	gen int64
}

// New creates the graph component. maxDepth bounds the parent chain length.
func New(st store.Store, b *bus.Bus, logger *slog.Logger, maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = 8
	}
	return &Graph{
		store:    st,
		bus:      b,
		logger:   logger,
		maxDepth: maxDepth,
		memo:     make(map[memoKey]*domain.HierarchyNode),
	}
}

// CreateAgentInput carries the fields for a new agent.
type CreateAgentInput struct {
	Login       string           `json:"login"`
	ParentID    *uuid.UUID       `json:"parent_id,omitempty"`
	Type        domain.AgentType `json:"type"`
	Office      string           `json:"office,omitempty"`
	StructureID *uuid.UUID       `json:"commission_structure_id,omitempty"`
	Permissions uint64           `json:"permissions"`
	Timezone    string           `json:"timezone,omitempty"`
	Config      json.RawMessage  `json:"config,omitempty"`
}

// CreateAgent validates login uniqueness and the parent chain, persists the
// agent and emits agent.created.
func (g *Graph) CreateAgent(ctx context.Context, input CreateAgentInput) (*domain.Agent, error) {
	if err := domain.ValidateLogin(input.Login); err != nil {
		return nil, err
	}
	if err := domain.ValidateAgentType(input.Type); err != nil {
		return nil, err
	}

	agent := &domain.Agent{
		ID:          uuid.New(),
		Login:       input.Login,
		ParentID:    input.ParentID,
		Type:        input.Type,
		Status:      domain.AgentActive,
		Office:      input.Office,
		StructureID: input.StructureID,
		Permissions: input.Permissions,
		Timezone:    input.Timezone,
		Config:      input.Config,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	err := g.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := g.store.Agents().GetByLogin(tx, input.Login)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrConflict(fmt.Sprintf("login %q already taken", input.Login))
		}
		if input.ParentID != nil {
			depth, err := g.chainDepth(tx, *input.ParentID)
			if err != nil {
				return err
			}
			if depth+1 > g.maxDepth {
				return domain.ErrInvariant(fmt.Sprintf("parent chain would exceed depth %d", g.maxDepth))
			}
		}
		return g.store.Agents().Put(tx, agent)
	})
	if err != nil {
		return nil, err
	}

	g.invalidate()
	g.emit(ctx, domain.EventAgentCreated, agent)
	return agent, nil
}

// UpdateAgentPatch holds the mutable agent fields. Nil means unchanged.
type UpdateAgentPatch struct {
	ParentID    *uuid.UUID          `json:"parent_id,omitempty"`
	ClearParent bool                `json:"clear_parent,omitempty"`
	Status      *domain.AgentStatus `json:"status,omitempty"`
	Office      *string             `json:"office,omitempty"`
	StructureID *uuid.UUID          `json:"commission_structure_id,omitempty"`
	Permissions *uint64             `json:"permissions,omitempty"`
	Timezone    *string             `json:"timezone,omitempty"`
	Config      json.RawMessage     `json:"config,omitempty"`
}

// UpdateAgent applies a patch under the same invariants as creation. Parent
// changes run the cycle and depth checks before re-stitching.
func (g *Graph) UpdateAgent(ctx context.Context, id uuid.UUID, patch UpdateAgentPatch) (*domain.Agent, error) {
	var updated *domain.Agent
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		agent, err := g.store.Agents().Get(tx, id)
		if err != nil {
			return err
		}
		if agent == nil {
			return domain.ErrNotFound("agent", id.String())
		}

		if patch.ParentID != nil || patch.ClearParent {
			if err := g.applyReparent(tx, agent, patch); err != nil {
				return err
			}
		}
		if patch.Status != nil {
			if err := g.applyStatus(tx, agent, *patch.Status); err != nil {
				return err
			}
		}
		if patch.Office != nil {
			agent.Office = *patch.Office
		}
		if patch.StructureID != nil {
			agent.StructureID = patch.StructureID
		}
		if patch.Permissions != nil {
			agent.Permissions = *patch.Permissions
		}
		if patch.Timezone != nil {
			agent.Timezone = *patch.Timezone
		}
		if len(patch.Config) > 0 {
			agent.Config = patch.Config
		}
		agent.Version++
		agent.UpdatedAt = time.Now().UTC()
		updated = agent
		return g.store.Agents().Put(tx, agent)
	})
	if err != nil {
		return nil, err
	}

	g.invalidate()
	g.emit(ctx, domain.EventAgentUpdated, updated)
	return updated, nil
}

func (g *Graph) applyReparent(tx store.Tx, agent *domain.Agent, patch UpdateAgentPatch) error {
	if patch.ClearParent {
		agent.ParentID = nil
		return nil
	}
	newParent := *patch.ParentID
	if newParent == agent.ID {
		return domain.ErrInvariant("agent cannot be its own parent")
	}
	parent, err := g.store.Agents().Get(tx, newParent)
	if err != nil {
		return err
	}
	if parent == nil {
		return domain.ErrNotFound("agent", newParent.String())
	}
	// Cycle check: walk up from the new parent; revisiting the moving agent
	// means the move closes a loop.
	cursor := parent
	for hops := 0; cursor != nil; hops++ {
		if hops > g.maxDepth {
			return domain.ErrInvariant(fmt.Sprintf("parent chain exceeds depth %d", g.maxDepth))
		}
		if cursor.ID == agent.ID {
			return domain.ErrInvariant("reparent would create a cycle")
		}
		if cursor.ParentID == nil {
			break
		}
		cursor, err = g.store.Agents().Get(tx, *cursor.ParentID)
		if err != nil {
			return err
		}
	}
	parentDepth, err := g.chainDepth(tx, newParent)
	if err != nil {
		return err
	}
	height, err := g.subtreeHeight(tx, agent.ID, 0)
	if err != nil {
		return err
	}
	if parentDepth+1+height > g.maxDepth {
		return domain.ErrInvariant(fmt.Sprintf("move would exceed hierarchy depth %d", g.maxDepth))
	}
	agent.ParentID = &newParent
	return nil
}

func (g *Graph) applyStatus(tx store.Tx, agent *domain.Agent, status domain.AgentStatus) error {
	if status == domain.AgentTerminated {
		children, err := g.store.Agents().ListByParent(tx, agent.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Status == domain.AgentActive {
				return domain.ErrPrecondition("terminated agent has active child agents")
			}
		}
		atts, err := g.store.Attachments().ListByAgent(tx, agent.ID)
		if err != nil {
			return err
		}
		for _, att := range atts {
			if att.Kind == domain.AttachPrimary {
				return domain.ErrPrecondition("terminated agent still has primary customers")
			}
		}
	}
	agent.Status = status
	return nil
}

// AttachCustomer binds a customer to an agent. Primary is unique per
// customer; secondary and temporary splits must sum to at most 100 percent.
func (g *Graph) AttachCustomer(ctx context.Context, customerID, agentID uuid.UUID, kind domain.AttachmentKind, splitPct int) (*domain.CustomerAttachment, error) {
	if err := domain.ValidateSplit(splitPct); err != nil {
		return nil, err
	}
	switch kind {
	case domain.AttachPrimary, domain.AttachSecondary, domain.AttachTemporary:
	default:
		return nil, domain.ErrValidation(fmt.Sprintf("unknown attachment kind %q", kind))
	}

	att := &domain.CustomerAttachment{
		ID:         uuid.New(),
		CustomerID: customerID,
		AgentID:    agentID,
		Kind:       kind,
		SplitPct:   splitPct,
		CreatedAt:  time.Now().UTC(),
	}

	err := g.store.InTx(ctx, func(tx store.Tx) error {
		agent, err := g.store.Agents().Get(tx, agentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return domain.ErrNotFound("agent", agentID.String())
		}
		if agent.Status == domain.AgentTerminated {
			return domain.ErrPrecondition("cannot attach customers to a terminated agent")
		}
		customer, err := g.store.Customers().Get(tx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return domain.ErrNotFound("customer", customerID.String())
		}

		existing, err := g.store.Attachments().ListByCustomer(tx, customerID)
		if err != nil {
			return err
		}
		splitTotal := splitPct
		for _, ex := range existing {
			if kind == domain.AttachPrimary && ex.Kind == domain.AttachPrimary {
				return domain.ErrConflict("customer already has a primary agent")
			}
			if ex.Kind != domain.AttachPrimary {
				splitTotal += ex.SplitPct
			}
		}
		if kind != domain.AttachPrimary && splitTotal > 100 {
			return domain.ErrInvariant(fmt.Sprintf("attachment splits sum to %d%%, exceeding 100%%", splitTotal))
		}

		if kind == domain.AttachPrimary {
			customer.AgentID = agentID
			customer.UpdatedAt = time.Now().UTC()
			if err := g.store.Customers().Put(tx, customer); err != nil {
				return err
			}
		}
		return g.store.Attachments().Put(tx, att)
	})
	if err != nil {
		return nil, err
	}

	g.invalidate()
	return att, nil
}

// Suspend marks the agent suspended; descendants keep their status.
func (g *Graph) Suspend(ctx context.Context, id uuid.UUID, reason string) (*domain.Agent, error) {
	return g.setStatus(ctx, id, domain.AgentSuspended, domain.EventAgentSuspended, reason)
}

// Reactivate returns a suspended or inactive agent to active.
func (g *Graph) Reactivate(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	return g.setStatus(ctx, id, domain.AgentActive, domain.EventAgentReactivated, "")
}

func (g *Graph) setStatus(ctx context.Context, id uuid.UUID, status domain.AgentStatus, eventType, reason string) (*domain.Agent, error) {
	var agent *domain.Agent
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		agent, err = g.store.Agents().Get(tx, id)
		if err != nil {
			return err
		}
		if agent == nil {
			return domain.ErrNotFound("agent", id.String())
		}
		if agent.Status == domain.AgentTerminated {
			return domain.ErrPrecondition("terminated agents cannot change status")
		}
		agent.Status = status
		agent.Version++
		agent.UpdatedAt = time.Now().UTC()
		if err := g.store.Agents().Put(tx, agent); err != nil {
			return err
		}
		return g.store.Audit().Append(tx, &domain.AuditEntry{
			EntityID:  id,
			Entity:    "agent",
			Action:    string(status),
			Detail:    reason,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	g.invalidate()
	g.emit(ctx, eventType, agent)
	return agent, nil
}

// HierarchyOf builds the subtree rooted at id bottom-up breadth-first from
// the adjacency index. Results are memoized until any graph mutation.
func (g *Graph) HierarchyOf(ctx context.Context, id uuid.UUID) (*domain.HierarchyNode, error) {
	g.memoMu.Lock()
	gen := g.gen
	if node, ok := g.memo[memoKey{id: id, gen: gen}]; ok {
		g.memoMu.Unlock()
		return node, nil
	}
	g.memoMu.Unlock()

	root, err := g.store.Agents().Get(nil, id)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, domain.ErrNotFound("agent", id.String())
	}

	node, err := g.buildNode(root, 0)
	if err != nil {
		return nil, err
	}

	g.memoMu.Lock()
	if g.gen == gen {
		g.memo[memoKey{id: id, gen: gen}] = node
	}
	g.memoMu.Unlock()
	return node, nil
}

func (g *Graph) buildNode(agent *domain.Agent, level int) (*domain.HierarchyNode, error) {
	if level > g.maxDepth {
		return nil, domain.ErrInvariant(fmt.Sprintf("hierarchy deeper than %d", g.maxDepth))
	}
	node := &domain.HierarchyNode{Agent: agent, Level: level}

	customers, err := g.store.Customers().ListByAgent(nil, agent.ID)
	if err != nil {
		return nil, err
	}
	node.CustomerCount = len(customers)

	children, err := g.store.Agents().ListByParent(nil, agent.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childNode, err := g.buildNode(child, level+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
		node.TotalSubAgents += 1 + childNode.TotalSubAgents
		node.ActiveSubAgents += childNode.ActiveSubAgents
		if child.Status == domain.AgentActive {
			node.ActiveSubAgents++
		}
	}
	return node, nil
}

// chainDepth counts ancestors of id (root agents have depth 0).
func (g *Graph) chainDepth(tx store.Tx, id uuid.UUID) (int, error) {
	depth := 0
	cursor, err := g.store.Agents().Get(tx, id)
	if err != nil {
		return 0, err
	}
	if cursor == nil {
		return 0, domain.ErrNotFound("agent", id.String())
	}
	seen := map[uuid.UUID]bool{id: true}
	for cursor.ParentID != nil {
		depth++
		if depth > g.maxDepth {
			return 0, domain.ErrInvariant(fmt.Sprintf("parent chain exceeds depth %d", g.maxDepth))
		}
		next := *cursor.ParentID
		if seen[next] {
			return 0, domain.ErrInvariant("parent chain contains a cycle")
		}
		seen[next] = true
		cursor, err = g.store.Agents().Get(tx, next)
		if err != nil {
			return 0, err
		}
		if cursor == nil {
			return 0, domain.ErrNotFound("agent", next.String())
		}
	}
	return depth, nil
}

// subtreeHeight returns the longest downward path from id.
func (g *Graph) subtreeHeight(tx store.Tx, id uuid.UUID, level int) (int, error) {
	if level > g.maxDepth {
		return 0, domain.ErrInvariant(fmt.Sprintf("hierarchy deeper than %d", g.maxDepth))
	}
	children, err := g.store.Agents().ListByParent(tx, id)
	if err != nil {
		return 0, err
	}
	height := 0
	for _, child := range children {
		h, err := g.subtreeHeight(tx, child.ID, level+1)
		if err != nil {
			return 0, err
		}
		if h+1 > height {
			height = h + 1
		}
	}
	return height, nil
}

func (g *Graph) invalidate() {
	g.memoMu.Lock()
	g.gen++
	g.memo = make(map[memoKey]*domain.HierarchyNode)
	g.memoMu.Unlock()
}

func (g *Graph) emit(ctx context.Context, eventType string, agent *domain.Agent) {
	if g.bus == nil {
		return
	}
	ev := domain.NewBusEvent(eventType, domain.EventScope{AgentID: agent.ID}, agent)
	if err := g.bus.Publish(ctx, ev); err != nil {
		g.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}
