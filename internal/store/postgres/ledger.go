package postgres

import (
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

type pgAccounts struct{ s *Store }

func (r pgAccounts) Get(tx store.Tx, key string) (*domain.LedgerAccount, error) {
	return getDoc[domain.LedgerAccount](r.s, tx, `SELECT doc FROM ledger_accounts WHERE key = $1`, key)
}

func (r pgAccounts) Put(tx store.Tx, acct *domain.LedgerAccount) error {
	raw, err := marshal(acct)
	if err != nil {
		return err
	}
	q, ctx := r.s.q(tx)
	_, err = q.Exec(ctx, `
		INSERT INTO ledger_accounts (key, doc)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET doc = $2`,
		acct.Ref.Key(), raw)
	return err
}

func (r pgAccounts) All(tx store.Tx) ([]*domain.LedgerAccount, error) {
	return listDocs[domain.LedgerAccount](r.s, tx, `SELECT doc FROM ledger_accounts ORDER BY key`)
}

type pgPostings struct{ s *Store }

// Append assigns the next dense sequence number inside the transaction.
// Serializable isolation turns concurrent appenders into a retryable
// conflict instead of a duplicate sequence.
func (r pgPostings) Append(tx store.Tx, p *domain.Posting) error {
	if tx == nil {
		return domain.ErrInternal("posting append outside transaction", nil)
	}
	q, ctx := r.s.q(tx)
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM postings`).Scan(&p.Seq); err != nil {
		return err
	}
	raw, err := marshal(p)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO postings (seq, id, correlation, from_key, to_key, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.Seq, p.ID, p.Correlation, p.From.Key(), p.To.Key(), p.CreatedAt, raw)
	return err
}

func (r pgPostings) ListByCorrelation(tx store.Tx, correlation string) ([]*domain.Posting, error) {
	return listDocs[domain.Posting](r.s, tx,
		`SELECT doc FROM postings WHERE correlation = $1 ORDER BY seq`, correlation)
}

func (r pgPostings) ListByAccount(tx store.Tx, accountKey string, sinceSeq int64) ([]*domain.Posting, error) {
	return listDocs[domain.Posting](r.s, tx,
		`SELECT doc FROM postings WHERE (from_key = $1 OR to_key = $1) AND seq > $2 ORDER BY seq`,
		accountKey, sinceSeq)
}

func (r pgPostings) All(tx store.Tx) ([]*domain.Posting, error) {
	return listDocs[domain.Posting](r.s, tx, `SELECT doc FROM postings ORDER BY seq`)
}
