package postgres

import (
	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

type pgStructures struct{ s *Store }

func (r pgStructures) Get(tx store.Tx, id uuid.UUID) (*domain.CommissionStructure, error) {
	return getDoc[domain.CommissionStructure](r.s, tx,
		`SELECT doc FROM commission_structures WHERE id = $1`, id)
}

func (r pgStructures) Put(tx store.Tx, st *domain.CommissionStructure) error {
	raw, err := marshal(st)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO commission_structures (id, name, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = $2, doc = $3`,
		st.ID, st.Name, raw)
	return err
}

func (r pgStructures) List(tx store.Tx) ([]*domain.CommissionStructure, error) {
	return listDocs[domain.CommissionStructure](r.s, tx,
		`SELECT doc FROM commission_structures ORDER BY name`)
}

type pgCalculations struct{ s *Store }

func (r pgCalculations) Get(tx store.Tx, id uuid.UUID) (*domain.CommissionCalculation, error) {
	return getDoc[domain.CommissionCalculation](r.s, tx,
		`SELECT doc FROM commission_calculations WHERE id = $1`, id)
}

func (r pgCalculations) Put(tx store.Tx, c *domain.CommissionCalculation) error {
	raw, err := marshal(c)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO commission_calculations (id, agent_id, period_start, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET agent_id = $2, period_start = $3, doc = $4`,
		c.ID, c.AgentID, c.Period.Start, raw)
	return err
}

func (r pgCalculations) ListByAgent(tx store.Tx, agentID uuid.UUID) ([]*domain.CommissionCalculation, error) {
	return listDocs[domain.CommissionCalculation](r.s, tx,
		`SELECT doc FROM commission_calculations WHERE agent_id = $1 ORDER BY period_start`, agentID)
}

type pgPayouts struct{ s *Store }

func (r pgPayouts) Get(tx store.Tx, id uuid.UUID) (*domain.Payout, error) {
	return getDoc[domain.Payout](r.s, tx, `SELECT doc FROM payouts WHERE id = $1`, id)
}

func (r pgPayouts) Put(tx store.Tx, p *domain.Payout) error {
	raw, err := marshal(p)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO payouts (id, agent_id, state, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET agent_id = $2, state = $3, created_at = $4, doc = $5`,
		p.ID, p.AgentID, p.State, p.CreatedAt, raw)
	return err
}

func (r pgPayouts) ListByAgent(tx store.Tx, agentID uuid.UUID) ([]*domain.Payout, error) {
	return listDocs[domain.Payout](r.s, tx,
		`SELECT doc FROM payouts WHERE agent_id = $1 ORDER BY created_at`, agentID)
}

func (r pgPayouts) ListByState(tx store.Tx, state domain.PayoutState) ([]*domain.Payout, error) {
	return listDocs[domain.Payout](r.s, tx,
		`SELECT doc FROM payouts WHERE state = $1 ORDER BY created_at`, state)
}

type pgAudit struct{ s *Store }

func (r pgAudit) Append(tx store.Tx, entry *domain.AuditEntry) error {
	raw, err := marshal(entry)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO audit_log (id, entity_id, created_at, doc)
		VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.EntityID, entry.CreatedAt, raw)
	return err
}

func (r pgAudit) ListByEntity(tx store.Tx, entityID uuid.UUID) ([]*domain.AuditEntry, error) {
	return listDocs[domain.AuditEntry](r.s, tx,
		`SELECT doc FROM audit_log WHERE entity_id = $1 ORDER BY created_at, id`, entityID)
}
