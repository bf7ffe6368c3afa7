package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/domain"
)

// Table names shared with the SQL backend.
const (
	tblAgents       = "agents"
	tblCustomers    = "customers"
	tblAttachments  = "customer_attachments"
	tblEvents       = "events"
	tblWagers       = "wagers"
	tblAccounts     = "ledger_accounts"
	tblPostings     = "postings"
	tblStructures   = "commission_structures"
	tblCalculations = "commission_calculations"
	tblPayouts      = "payouts"
	tblQueueItems   = "queue_items"
	tblAttempts     = "match_attempts"
	tblAudit        = "audit_log"
	tblCheckpoints  = "bus_checkpoints"
	tblIdempotency  = "idempotency_keys"
)

// Memory is the in-process Store used by tests and single-node deployments.
// A single writer mutex serializes transactions; rollback replays an undo
// log. Rows are stored marshaled so transactions never leak shared pointers.
type Memory struct {
	mu         sync.RWMutex
	tables     map[string]map[string][]byte
	postingSeq int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string][]byte)}
}

type memTx struct {
	ctx  context.Context
	m    *Memory
	undo []func()
}

func (t *memTx) Context() context.Context { return t.ctx }

// InTx serializes all writers. fn's mutations are undone in reverse order if
// it returns an error or panics.
func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.ErrTimeout("transaction context done")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{ctx: ctx, m: m}
	defer func() {
		if r := recover(); r != nil {
			rollback(tx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		rollback(tx)
		return err
	}
	return nil
}

func rollback(tx *memTx) {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// own validates the tx handle and reports whether the caller holds the lock.
func (m *Memory) own(tx Tx) (*memTx, bool) {
	if tx == nil {
		return nil, false
	}
	mt, ok := tx.(*memTx)
	if !ok || mt.m != m {
		panic("store: foreign transaction handle")
	}
	return mt, true
}

func (m *Memory) table(name string) map[string][]byte {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string][]byte)
		m.tables[name] = t
	}
	return t
}

func (m *Memory) readLock(tx Tx) func() {
	if _, inTx := m.own(tx); inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

func memGet[T any](m *Memory, tx Tx, table, key string) (*T, error) {
	unlock := m.readLock(tx)
	defer unlock()
	raw, ok := m.table(table)[key]
	if !ok {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, domain.ErrInternal("decode "+table+" row", err)
	}
	return v, nil
}

func memPut[T any](m *Memory, tx Tx, table, key string, v *T) error {
	mt, inTx := m.own(tx)
	if !inTx {
		return domain.ErrInternal("write outside transaction", nil)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return domain.ErrInternal("encode "+table+" row", err)
	}
	t := m.table(table)
	prev, had := t[key]
	mt.undo = append(mt.undo, func() {
		if had {
			t[key] = prev
		} else {
			delete(t, key)
		}
	})
	t[key] = raw
	return nil
}

func memDelete(m *Memory, tx Tx, table, key string) error {
	mt, inTx := m.own(tx)
	if !inTx {
		return domain.ErrInternal("write outside transaction", nil)
	}
	t := m.table(table)
	prev, had := t[key]
	if !had {
		return nil
	}
	mt.undo = append(mt.undo, func() { t[key] = prev })
	delete(t, key)
	return nil
}

func memScan[T any](m *Memory, tx Tx, table string, keep func(*T) bool) ([]*T, error) {
	unlock := m.readLock(tx)
	defer unlock()
	var out []*T
	for _, raw := range m.table(table) {
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, domain.ErrInternal("decode "+table+" row", err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// SetIfAbsent implements the correlation-id idempotency primitive.
func (m *Memory) SetIfAbsent(tx Tx, key string) (bool, error) {
	mt, inTx := m.own(tx)
	if !inTx {
		return false, domain.ErrInternal("idempotency write outside transaction", nil)
	}
	t := m.table(tblIdempotency)
	if _, exists := t[key]; exists {
		return false, nil
	}
	mt.undo = append(mt.undo, func() { delete(t, key) })
	t[key] = []byte{1}
	return true, nil
}

// Repository accessors.

func (m *Memory) Agents() AgentRepo { return memAgents{m} }
func (m *Memory) Customers() CustomerRepo { return memCustomers{m} }
func (m *Memory) Attachments() AttachmentRepo { return memAttachments{m} }
func (m *Memory) SportsEvents() SportsEventRepo { return memEvents{m} }
func (m *Memory) Wagers() WagerRepo { return memWagers{m} }
func (m *Memory) Accounts() AccountRepo { return memAccounts{m} }
func (m *Memory) Postings() PostingRepo { return memPostings{m} }
func (m *Memory) Structures() StructureRepo { return memStructures{m} }
func (m *Memory) Calculations() CalculationRepo { return memCalculations{m} }
func (m *Memory) Payouts() PayoutRepo { return memPayouts{m} }
func (m *Memory) QueueItems() QueueItemRepo { return memQueueItems{m} }
func (m *Memory) Attempts() AttemptRepo { return memAttempts{m} }
func (m *Memory) Audit() AuditRepo { return memAudit{m} }
func (m *Memory) BusCheckpoints() BusCheckpointRepo { return memCheckpoints{m} }

type memAgents struct{ m *Memory }

func (r memAgents) Get(tx Tx, id uuid.UUID) (*domain.Agent, error) {
	return memGet[domain.Agent](r.m, tx, tblAgents, id.String())
}

func (r memAgents) GetByLogin(tx Tx, login string) (*domain.Agent, error) {
	list, err := memScan(r.m, tx, tblAgents, func(a *domain.Agent) bool { return a.Login == login })
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (r memAgents) Put(tx Tx, agent *domain.Agent) error {
	return memPut(r.m, tx, tblAgents, agent.ID.String(), agent)
}

func (r memAgents) ListByParent(tx Tx, parentID uuid.UUID) ([]*domain.Agent, error) {
	list, err := memScan(r.m, tx, tblAgents, func(a *domain.Agent) bool {
		return a.ParentID != nil && *a.ParentID == parentID
	})
	sortAgents(list)
	return list, err
}

func (r memAgents) List(tx Tx) ([]*domain.Agent, error) {
	list, err := memScan[domain.Agent](r.m, tx, tblAgents, nil)
	sortAgents(list)
	return list, err
}

func sortAgents(list []*domain.Agent) {
	sort.Slice(list, func(i, j int) bool { return list[i].Login < list[j].Login })
}

type memCustomers struct{ m *Memory }

func (r memCustomers) Get(tx Tx, id uuid.UUID) (*domain.Customer, error) {
	return memGet[domain.Customer](r.m, tx, tblCustomers, id.String())
}

func (r memCustomers) Put(tx Tx, c *domain.Customer) error {
	return memPut(r.m, tx, tblCustomers, c.ID.String(), c)
}

func (r memCustomers) ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.Customer, error) {
	list, err := memScan(r.m, tx, tblCustomers, func(c *domain.Customer) bool { return c.AgentID == agentID })
	sort.Slice(list, func(i, j int) bool { return list[i].Login < list[j].Login })
	return list, err
}

type memAttachments struct{ m *Memory }

func (r memAttachments) Get(tx Tx, id uuid.UUID) (*domain.CustomerAttachment, error) {
	return memGet[domain.CustomerAttachment](r.m, tx, tblAttachments, id.String())
}

func (r memAttachments) Put(tx Tx, att *domain.CustomerAttachment) error {
	return memPut(r.m, tx, tblAttachments, att.ID.String(), att)
}

func (r memAttachments) Delete(tx Tx, id uuid.UUID) error {
	return memDelete(r.m, tx, tblAttachments, id.String())
}

func (r memAttachments) ListByCustomer(tx Tx, customerID uuid.UUID) ([]*domain.CustomerAttachment, error) {
	list, err := memScan(r.m, tx, tblAttachments, func(a *domain.CustomerAttachment) bool {
		return a.CustomerID == customerID
	})
	sortAttachments(list)
	return list, err
}

func (r memAttachments) ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.CustomerAttachment, error) {
	list, err := memScan(r.m, tx, tblAttachments, func(a *domain.CustomerAttachment) bool {
		return a.AgentID == agentID
	})
	sortAttachments(list)
	return list, err
}

func sortAttachments(list []*domain.CustomerAttachment) {
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}

type memEvents struct{ m *Memory }

func (r memEvents) Get(tx Tx, id uuid.UUID) (*domain.SportsEvent, error) {
	return memGet[domain.SportsEvent](r.m, tx, tblEvents, id.String())
}

func (r memEvents) Put(tx Tx, ev *domain.SportsEvent) error {
	return memPut(r.m, tx, tblEvents, ev.ID.String(), ev)
}

func (r memEvents) ListByStatus(tx Tx, status domain.EventStatus) ([]*domain.SportsEvent, error) {
	list, err := memScan(r.m, tx, tblEvents, func(e *domain.SportsEvent) bool { return e.Status == status })
	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	return list, err
}

type memWagers struct{ m *Memory }

func (r memWagers) Get(tx Tx, id uuid.UUID) (*domain.Wager, error) {
	return memGet[domain.Wager](r.m, tx, tblWagers, id.String())
}

func (r memWagers) Put(tx Tx, w *domain.Wager) error {
	return memPut(r.m, tx, tblWagers, w.ID.String(), w)
}

func (r memWagers) ListByEvent(tx Tx, eventID uuid.UUID, status domain.WagerStatus) ([]*domain.Wager, error) {
	list, err := memScan(r.m, tx, tblWagers, func(w *domain.Wager) bool {
		return w.EventID == eventID && (status == "" || w.Status == status)
	})
	sortWagers(list)
	return list, err
}

func (r memWagers) ListByCustomer(tx Tx, customerID uuid.UUID, limit int) ([]*domain.Wager, error) {
	list, err := memScan(r.m, tx, tblWagers, func(w *domain.Wager) bool { return w.CustomerID == customerID })
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PlacedAt.After(list[j].PlacedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r memWagers) ListSettled(tx Tx, q SettlementQuery) ([]*domain.Wager, error) {
	list, err := memScan(r.m, tx, tblWagers, func(w *domain.Wager) bool {
		if !w.Status.Terminal() || w.SettledAt == nil {
			return false
		}
		if q.CustomerID != nil && w.CustomerID != *q.CustomerID {
			return false
		}
		if q.AgentID != nil && w.AgentID != *q.AgentID {
			return false
		}
		if q.EventID != nil && w.EventID != *q.EventID {
			return false
		}
		if q.Since != nil && w.SettledAt.Before(*q.Since) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SettledAt.After(*list[j].SettledAt) })
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list, nil
}

func sortWagers(list []*domain.Wager) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].PlacedAt.Equal(list[j].PlacedAt) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].PlacedAt.Before(list[j].PlacedAt)
	})
}

type memAccounts struct{ m *Memory }

func (r memAccounts) Get(tx Tx, key string) (*domain.LedgerAccount, error) {
	return memGet[domain.LedgerAccount](r.m, tx, tblAccounts, key)
}

func (r memAccounts) Put(tx Tx, acct *domain.LedgerAccount) error {
	return memPut(r.m, tx, tblAccounts, acct.Ref.Key(), acct)
}

func (r memAccounts) All(tx Tx) ([]*domain.LedgerAccount, error) {
	list, err := memScan[domain.LedgerAccount](r.m, tx, tblAccounts, nil)
	sort.Slice(list, func(i, j int) bool { return list[i].Ref.Key() < list[j].Ref.Key() })
	return list, err
}

type memPostings struct{ m *Memory }

func (r memPostings) Append(tx Tx, p *domain.Posting) error {
	mt, inTx := r.m.own(tx)
	if !inTx {
		return domain.ErrInternal("posting append outside transaction", nil)
	}
	prev := r.m.postingSeq
	mt.undo = append(mt.undo, func() { r.m.postingSeq = prev })
	r.m.postingSeq++
	p.Seq = r.m.postingSeq
	return memPut(r.m, tx, tblPostings, strconv.FormatInt(p.Seq, 10), p)
}

func (r memPostings) ListByCorrelation(tx Tx, correlation string) ([]*domain.Posting, error) {
	list, err := memScan(r.m, tx, tblPostings, func(p *domain.Posting) bool { return p.Correlation == correlation })
	sortPostings(list)
	return list, err
}

func (r memPostings) ListByAccount(tx Tx, accountKey string, sinceSeq int64) ([]*domain.Posting, error) {
	list, err := memScan(r.m, tx, tblPostings, func(p *domain.Posting) bool {
		return p.Seq > sinceSeq && (p.From.Key() == accountKey || p.To.Key() == accountKey)
	})
	sortPostings(list)
	return list, err
}

func (r memPostings) All(tx Tx) ([]*domain.Posting, error) {
	list, err := memScan[domain.Posting](r.m, tx, tblPostings, nil)
	sortPostings(list)
	return list, err
}

func sortPostings(list []*domain.Posting) {
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
}

type memStructures struct{ m *Memory }

func (r memStructures) Get(tx Tx, id uuid.UUID) (*domain.CommissionStructure, error) {
	return memGet[domain.CommissionStructure](r.m, tx, tblStructures, id.String())
}

func (r memStructures) Put(tx Tx, s *domain.CommissionStructure) error {
	return memPut(r.m, tx, tblStructures, s.ID.String(), s)
}

func (r memStructures) List(tx Tx) ([]*domain.CommissionStructure, error) {
	list, err := memScan[domain.CommissionStructure](r.m, tx, tblStructures, nil)
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, err
}

type memCalculations struct{ m *Memory }

func (r memCalculations) Get(tx Tx, id uuid.UUID) (*domain.CommissionCalculation, error) {
	return memGet[domain.CommissionCalculation](r.m, tx, tblCalculations, id.String())
}

func (r memCalculations) Put(tx Tx, c *domain.CommissionCalculation) error {
	return memPut(r.m, tx, tblCalculations, c.ID.String(), c)
}

func (r memCalculations) ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.CommissionCalculation, error) {
	list, err := memScan(r.m, tx, tblCalculations, func(c *domain.CommissionCalculation) bool {
		return c.AgentID == agentID
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Period.Start.Before(list[j].Period.Start) })
	return list, err
}

type memPayouts struct{ m *Memory }

func (r memPayouts) Get(tx Tx, id uuid.UUID) (*domain.Payout, error) {
	return memGet[domain.Payout](r.m, tx, tblPayouts, id.String())
}

func (r memPayouts) Put(tx Tx, p *domain.Payout) error {
	return memPut(r.m, tx, tblPayouts, p.ID.String(), p)
}

func (r memPayouts) ListByAgent(tx Tx, agentID uuid.UUID) ([]*domain.Payout, error) {
	list, err := memScan(r.m, tx, tblPayouts, func(p *domain.Payout) bool { return p.AgentID == agentID })
	sortPayouts(list)
	return list, err
}

func (r memPayouts) ListByState(tx Tx, state domain.PayoutState) ([]*domain.Payout, error) {
	list, err := memScan(r.m, tx, tblPayouts, func(p *domain.Payout) bool { return p.State == state })
	sortPayouts(list)
	return list, err
}

func sortPayouts(list []*domain.Payout) {
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}

type memQueueItems struct{ m *Memory }

func (r memQueueItems) Get(tx Tx, id uuid.UUID) (*domain.QueueItem, error) {
	return memGet[domain.QueueItem](r.m, tx, tblQueueItems, id.String())
}

func (r memQueueItems) Put(tx Tx, item *domain.QueueItem) error {
	return memPut(r.m, tx, tblQueueItems, item.ID.String(), item)
}

func (r memQueueItems) ListByState(tx Tx, state domain.QueueState) ([]*domain.QueueItem, error) {
	list, err := memScan(r.m, tx, tblQueueItems, func(q *domain.QueueItem) bool { return q.State == state })
	sortQueueItems(list)
	return list, err
}

func (r memQueueItems) ListMatchable(tx Tx, currency string) ([]*domain.QueueItem, error) {
	list, err := memScan(r.m, tx, tblQueueItems, func(q *domain.QueueItem) bool {
		return q.State.Matchable() && (currency == "" || q.Currency == currency)
	})
	sortQueueItems(list)
	return list, err
}

func sortQueueItems(list []*domain.QueueItem) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].EnqueuedAt.Equal(list[j].EnqueuedAt) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].EnqueuedAt.Before(list[j].EnqueuedAt)
	})
}

type memAttempts struct{ m *Memory }

func (r memAttempts) Get(tx Tx, id uuid.UUID) (*domain.MatchAttempt, error) {
	return memGet[domain.MatchAttempt](r.m, tx, tblAttempts, id.String())
}

func (r memAttempts) Put(tx Tx, a *domain.MatchAttempt) error {
	return memPut(r.m, tx, tblAttempts, a.ID.String(), a)
}

func (r memAttempts) ListPending(tx Tx) ([]*domain.MatchAttempt, error) {
	list, err := memScan(r.m, tx, tblAttempts, func(a *domain.MatchAttempt) bool {
		return a.State == domain.AttemptPending
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(list[j].ExpiresAt) })
	return list, err
}

type memAudit struct{ m *Memory }

func (r memAudit) Append(tx Tx, entry *domain.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return memPut(r.m, tx, tblAudit, entry.ID.String(), entry)
}

func (r memAudit) ListByEntity(tx Tx, entityID uuid.UUID) ([]*domain.AuditEntry, error) {
	list, err := memScan(r.m, tx, tblAudit, func(e *domain.AuditEntry) bool { return e.EntityID == entityID })
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, err
}

type memCheckpoints struct{ m *Memory }

type checkpointRow struct {
	Consumer string `json:"consumer"`
	Sequence int64  `json:"sequence"`
}

func (r memCheckpoints) Get(tx Tx, consumer string) (int64, error) {
	row, err := memGet[checkpointRow](r.m, tx, tblCheckpoints, consumer)
	if err != nil || row == nil {
		return 0, err
	}
	return row.Sequence, nil
}

func (r memCheckpoints) Put(tx Tx, consumer string, sequence int64) error {
	return memPut(r.m, tx, tblCheckpoints, consumer, &checkpointRow{Consumer: consumer, Sequence: sequence})
}
