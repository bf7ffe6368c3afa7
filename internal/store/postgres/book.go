package postgres

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

type pgEvents struct{ s *Store }

func (r pgEvents) Get(tx store.Tx, id uuid.UUID) (*domain.SportsEvent, error) {
	return getDoc[domain.SportsEvent](r.s, tx, `SELECT doc FROM events WHERE id = $1`, id)
}

func (r pgEvents) Put(tx store.Tx, ev *domain.SportsEvent) error {
	raw, err := marshal(ev)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO events (id, status, start_time, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = $2, start_time = $3, doc = $4`,
		ev.ID, ev.Status, ev.StartTime, raw)
	return err
}

func (r pgEvents) ListByStatus(tx store.Tx, status domain.EventStatus) ([]*domain.SportsEvent, error) {
	return listDocs[domain.SportsEvent](r.s, tx,
		`SELECT doc FROM events WHERE status = $1 ORDER BY start_time`, status)
}

type pgWagers struct{ s *Store }

func (r pgWagers) Get(tx store.Tx, id uuid.UUID) (*domain.Wager, error) {
	return getDoc[domain.Wager](r.s, tx, `SELECT doc FROM wagers WHERE id = $1`, id)
}

func (r pgWagers) Put(tx store.Tx, w *domain.Wager) error {
	raw, err := marshal(w)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO wagers (id, customer_id, agent_id, event_id, status, placed_at, settled_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET customer_id = $2, agent_id = $3, event_id = $4, status = $5,
		    placed_at = $6, settled_at = $7, doc = $8`,
		w.ID, w.CustomerID, w.AgentID, w.EventID, w.Status, w.PlacedAt, w.SettledAt, raw)
	return err
}

func (r pgWagers) ListByEvent(tx store.Tx, eventID uuid.UUID, status domain.WagerStatus) ([]*domain.Wager, error) {
	return listDocs[domain.Wager](r.s, tx,
		`SELECT doc FROM wagers WHERE event_id = $1 AND status = $2 ORDER BY placed_at, id`,
		eventID, status)
}

func (r pgWagers) ListByCustomer(tx store.Tx, customerID uuid.UUID, limit int) ([]*domain.Wager, error) {
	sql := `SELECT doc FROM wagers WHERE customer_id = $1 ORDER BY placed_at DESC`
	args := []any{customerID}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	return listDocs[domain.Wager](r.s, tx, sql, args...)
}

func (r pgWagers) ListSettled(tx store.Tx, q store.SettlementQuery) ([]*domain.Wager, error) {
	var (
		where = []string{"settled_at IS NOT NULL"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.CustomerID != nil {
		where = append(where, "customer_id = "+arg(*q.CustomerID))
	}
	if q.AgentID != nil {
		where = append(where, "agent_id = "+arg(*q.AgentID))
	}
	if q.EventID != nil {
		where = append(where, "event_id = "+arg(*q.EventID))
	}
	if q.Since != nil {
		where = append(where, "settled_at >= "+arg(*q.Since))
	}
	sql := `SELECT doc FROM wagers WHERE ` + strings.Join(where, " AND ") + ` ORDER BY settled_at DESC`
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}
	return listDocs[domain.Wager](r.s, tx, sql, args...)
}
