package postgres

import (
	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

type pgAgents struct{ s *Store }

func (r pgAgents) Get(tx store.Tx, id uuid.UUID) (*domain.Agent, error) {
	return getDoc[domain.Agent](r.s, tx, `SELECT doc FROM agents WHERE id = $1`, id)
}

func (r pgAgents) GetByLogin(tx store.Tx, login string) (*domain.Agent, error) {
	return getDoc[domain.Agent](r.s, tx, `SELECT doc FROM agents WHERE login = $1`, login)
}

func (r pgAgents) Put(tx store.Tx, agent *domain.Agent) error {
	raw, err := marshal(agent)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO agents (id, login, parent_id, status, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET login = $2, parent_id = $3, status = $4, doc = $5`,
		agent.ID, agent.Login, agent.ParentID, agent.Status, raw)
	return err
}

func (r pgAgents) ListByParent(tx store.Tx, parentID uuid.UUID) ([]*domain.Agent, error) {
	return listDocs[domain.Agent](r.s, tx,
		`SELECT doc FROM agents WHERE parent_id = $1 ORDER BY login`, parentID)
}

func (r pgAgents) List(tx store.Tx) ([]*domain.Agent, error) {
	return listDocs[domain.Agent](r.s, tx, `SELECT doc FROM agents ORDER BY login`)
}

type pgCustomers struct{ s *Store }

func (r pgCustomers) Get(tx store.Tx, id uuid.UUID) (*domain.Customer, error) {
	return getDoc[domain.Customer](r.s, tx, `SELECT doc FROM customers WHERE id = $1`, id)
}

func (r pgCustomers) Put(tx store.Tx, customer *domain.Customer) error {
	raw, err := marshal(customer)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO customers (id, agent_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET agent_id = $2, doc = $3`,
		customer.ID, customer.AgentID, raw)
	return err
}

func (r pgCustomers) ListByAgent(tx store.Tx, agentID uuid.UUID) ([]*domain.Customer, error) {
	return listDocs[domain.Customer](r.s, tx,
		`SELECT doc FROM customers WHERE agent_id = $1 ORDER BY doc->>'login'`, agentID)
}

type pgAttachments struct{ s *Store }

func (r pgAttachments) Get(tx store.Tx, id uuid.UUID) (*domain.CustomerAttachment, error) {
	return getDoc[domain.CustomerAttachment](r.s, tx,
		`SELECT doc FROM customer_attachments WHERE id = $1`, id)
}

func (r pgAttachments) Put(tx store.Tx, att *domain.CustomerAttachment) error {
	raw, err := marshal(att)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO customer_attachments (id, customer_id, agent_id, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET customer_id = $2, agent_id = $3, doc = $4`,
		att.ID, att.CustomerID, att.AgentID, raw)
	return err
}

func (r pgAttachments) Delete(tx store.Tx, id uuid.UUID) error {
	q, ctx := r.s.q(tx)
	_, err := q.Exec(ctx, `DELETE FROM customer_attachments WHERE id = $1`, id)
	return err
}

func (r pgAttachments) ListByCustomer(tx store.Tx, customerID uuid.UUID) ([]*domain.CustomerAttachment, error) {
	return listDocs[domain.CustomerAttachment](r.s, tx,
		`SELECT doc FROM customer_attachments WHERE customer_id = $1 ORDER BY doc->>'created_at'`, customerID)
}

func (r pgAttachments) ListByAgent(tx store.Tx, agentID uuid.UUID) ([]*domain.CustomerAttachment, error) {
	return listDocs[domain.CustomerAttachment](r.s, tx,
		`SELECT doc FROM customer_attachments WHERE agent_id = $1 ORDER BY doc->>'created_at'`, agentID)
}
