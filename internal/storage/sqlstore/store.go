// Package sqlstore persists the ledger in Postgres (pgx) or SQLite.
//
// Records are stored as versioned codec documents. Postgres transactions run SERIALIZABLE and
// SQLite serializes writers on a single connection; in both cases serialization failures and
// idempotency-key collisions surface as ledger.ErrConflict so the ledger retry loop can re-run
// the unit of work.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"storefront-ledger/internal/ledger"
	"storefront-ledger/pkg/utils"
)

type Store struct {
	db *sql.DB
	d  Dialect

	mu    sync.Mutex
	clock func() time.Time
	last  time.Time
}

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d, clock: time.Now}
}

// Open connects using the named dialect. SQLite is pinned to a single connection.
func Open(ctx context.Context, dialect, dsn string, pool utils.PoolConfig) (*Store, error) {
	d, err := DialectFor(dialect)
	if err != nil {
		return nil, err
	}
	if d.Name == SQLite.Name {
		pool.MaxOpenConns = 1
	}
	db, err := utils.OpenSQL(ctx, d.DriverName, dsn, pool)
	if err != nil {
		return nil, err
	}
	return New(db, d), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.d }

func (s *Store) Close() error { return s.db.Close() }

// WithClock replaces the time source used when the dialect has no database clock.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

func (s *Store) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.clock().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) q(query string) string { return s.d.rebind(query) }

func (s *Store) RunTx(ctx context.Context, fn ledger.TxFunc) error {
	err := utils.WithTx(ctx, s.db, s.d.txOptions, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &sqlTx{s: s, tx: tx})
	})
	return s.d.classify(err)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	selectAccount = `SELECT revision, body FROM card_accounts WHERE id = $1`
	selectAccountByUser = `
SELECT revision, body
FROM card_accounts
WHERE user_id = $1
LIMIT 1
`
	selectIntent = `SELECT revision, body FROM payment_intents WHERE id = $1`
)

func (s *Store) getAccount(ctx context.Context, db querier, id string) (ledger.Account, error) {
	var (
		rev  int64
		body []byte
	)
	if err := db.QueryRowContext(ctx, s.q(selectAccount), id).Scan(&rev, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.Errorf(ledger.CodeNotFound, "account %s", id)
		}
		return ledger.Account{}, err
	}
	return decodeAccount(rev, body)
}

func (s *Store) findAccountByUser(ctx context.Context, db querier, userID string) (ledger.Account, bool, error) {
	var (
		rev  int64
		body []byte
	)
	if err := db.QueryRowContext(ctx, s.q(selectAccountByUser), userID).Scan(&rev, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, false, nil
		}
		return ledger.Account{}, false, err
	}
	a, err := decodeAccount(rev, body)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, true, nil
}

func (s *Store) getIntent(ctx context.Context, db querier, id string) (ledger.Intent, error) {
	var (
		rev  int64
		body []byte
	)
	if err := db.QueryRowContext(ctx, s.q(selectIntent), id).Scan(&rev, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Intent{}, ledger.Errorf(ledger.CodeNotFound, "intent %s", id)
		}
		return ledger.Intent{}, err
	}
	return decodeIntent(rev, body)
}

// --- Reader ---

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	return s.getAccount(ctx, s.db, id)
}

func (s *Store) FindAccountByUser(ctx context.Context, userID string) (ledger.Account, bool, error) {
	return s.findAccountByUser(ctx, s.db, userID)
}

func (s *Store) GetIntent(ctx context.Context, id string) (ledger.Intent, error) {
	return s.getIntent(ctx, s.db, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT revision, body FROM card_accounts`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Account, 0)
	for rows.Next() {
		var (
			rev  int64
			body []byte
		)
		if err := rows.Scan(&rev, &body); err != nil {
			return nil, err
		}
		a, err := decodeAccount(rev, body)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	const q = `SELECT body FROM card_transactions WHERE account_id = $1`
	rows, err := s.db.QueryContext(ctx, s.q(q), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := ledger.DecodeTransaction(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListOperations(ctx context.Context, filter ledger.OperationFilter) ([]ledger.Operation, error) {
	const q = `
SELECT body
FROM admin_operations
WHERE (CAST($1 AS TEXT) = '' OR admin_id = $1)
  AND (CAST($2 AS TEXT) = '' OR account_id = $2)
`
	rows, err := s.db.QueryContext(ctx, s.q(q), filter.AdminID, filter.AccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Operation, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		op, err := ledger.DecodeOperation(body)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func decodeAccount(rev int64, body []byte) (ledger.Account, error) {
	a, err := ledger.DecodeAccount(body)
	if err != nil {
		return ledger.Account{}, err
	}
	a.Revision = rev
	return a, nil
}

func decodeIntent(rev int64, body []byte) (ledger.Intent, error) {
	i, err := ledger.DecodeIntent(body)
	if err != nil {
		return ledger.Intent{}, err
	}
	i.Revision = rev
	return i, nil
}
