// Package postgres is the pgx-backed Store. Each entity lives in its own
// table as a JSONB document plus the key columns the list queries filter
// and order on; the document is the source of truth, the columns are
// derived on every write.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagerline/platform/internal/store"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a pool in a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Context() context.Context { return t.ctx }

// querier is the subset of pgx shared by pool and transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// q resolves a store.Tx handle into an executor. A nil handle reads the
// latest committed state through the pool.
func (s *Store) q(tx store.Tx) (querier, context.Context) {
	if tx == nil {
		return s.pool, context.Background()
	}
	t, ok := tx.(*pgTx)
	if !ok || t == nil {
		return s.pool, context.Background()
	}
	return t.tx, t.ctx
}

// InTx runs fn inside a serializable transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SetIfAbsent inserts the key and reports whether it was new. The write
// commits or rolls back with the enclosing transaction.
func (s *Store) SetIfAbsent(tx store.Tx, key string) (bool, error) {
	q, ctx := s.q(tx)
	tag, err := q.Exec(ctx,
		`INSERT INTO idempotency_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Agents() store.AgentRepo { return pgAgents{s} }
func (s *Store) Customers() store.CustomerRepo { return pgCustomers{s} }
func (s *Store) Attachments() store.AttachmentRepo { return pgAttachments{s} }
func (s *Store) SportsEvents() store.SportsEventRepo { return pgEvents{s} }
func (s *Store) Wagers() store.WagerRepo { return pgWagers{s} }
func (s *Store) Accounts() store.AccountRepo { return pgAccounts{s} }
func (s *Store) Postings() store.PostingRepo { return pgPostings{s} }
func (s *Store) Structures() store.StructureRepo { return pgStructures{s} }
func (s *Store) Calculations() store.CalculationRepo { return pgCalculations{s} }
func (s *Store) Payouts() store.PayoutRepo { return pgPayouts{s} }
func (s *Store) QueueItems() store.QueueItemRepo { return pgQueueItems{s} }
func (s *Store) Attempts() store.AttemptRepo { return pgAttempts{s} }
func (s *Store) Audit() store.AuditRepo { return pgAudit{s} }
func (s *Store) BusCheckpoints() store.BusCheckpointRepo { return pgCheckpoints{s} }

// getDoc fetches one document; absence is (nil, nil).
func getDoc[T any](s *Store, tx store.Tx, sql string, args ...any) (*T, error) {
	q, ctx := s.q(tx)
	var raw []byte
	err := q.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

// listDocs fetches all matching documents in query order.
func listDocs[T any](s *Store, tx store.Tx, sql string, args ...any) ([]*T, error) {
	q, ctx := s.q(tx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return raw, nil
}
