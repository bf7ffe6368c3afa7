package postgres

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

type pgQueueItems struct{ s *Store }

func (r pgQueueItems) Get(tx store.Tx, id uuid.UUID) (*domain.QueueItem, error) {
	return getDoc[domain.QueueItem](r.s, tx, `SELECT doc FROM queue_items WHERE id = $1`, id)
}

func (r pgQueueItems) Put(tx store.Tx, item *domain.QueueItem) error {
	raw, err := marshal(item)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO queue_items (id, state, currency, enqueued_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET state = $2, currency = $3, enqueued_at = $4, doc = $5`,
		item.ID, item.State, item.Currency, item.EnqueuedAt, raw)
	return err
}

func (r pgQueueItems) ListByState(tx store.Tx, state domain.QueueState) ([]*domain.QueueItem, error) {
	return listDocs[domain.QueueItem](r.s, tx,
		`SELECT doc FROM queue_items WHERE state = $1 ORDER BY enqueued_at, id`, state)
}

func (r pgQueueItems) ListMatchable(tx store.Tx, currency string) ([]*domain.QueueItem, error) {
	sql := `SELECT doc FROM queue_items WHERE state IN ('queued', 'partially-filled')`
	args := []any{}
	if currency != "" {
		sql += ` AND currency = $1`
		args = append(args, currency)
	}
	sql += ` ORDER BY enqueued_at, id`
	return listDocs[domain.QueueItem](r.s, tx, sql, args...)
}

type pgAttempts struct{ s *Store }

func (r pgAttempts) Get(tx store.Tx, id uuid.UUID) (*domain.MatchAttempt, error) {
	return getDoc[domain.MatchAttempt](r.s, tx, `SELECT doc FROM match_attempts WHERE id = $1`, id)
}

func (r pgAttempts) Put(tx store.Tx, a *domain.MatchAttempt) error {
	raw, err := marshal(a)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO match_attempts (id, state, expires_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET state = $2, expires_at = $3, doc = $4`,
		a.ID, a.State, a.ExpiresAt, raw)
	return err
}

func (r pgAttempts) ListPending(tx store.Tx) ([]*domain.MatchAttempt, error) {
	return listDocs[domain.MatchAttempt](r.s, tx,
		`SELECT doc FROM match_attempts WHERE state = 'pending' ORDER BY expires_at`)
}

type pgCheckpoints struct{ s *Store }

func (r pgCheckpoints) Get(tx store.Tx, consumer string) (int64, error) {
	q, ctx := r.s.q(tx)
	var seq int64
	err := q.QueryRow(ctx,
		`SELECT sequence FROM bus_checkpoints WHERE consumer = $1`, consumer).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (r pgCheckpoints) Put(tx store.Tx, consumer string, sequence int64) error {
	q, ctx := r.s.q(tx)
	_, err := q.Exec(ctx, `
		INSERT INTO bus_checkpoints (consumer, sequence)
		VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE SET sequence = $2`,
		consumer, sequence)
	return err
}
