package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"storefront-ledger/internal/ledger"
)

// sqlTx implements ledger.Tx. Every statement goes through the enclosing *sql.Tx.
type sqlTx struct {
	s   *Store
	tx  *sql.Tx
	now time.Time
}

func (t *sqlTx) Now(ctx context.Context) (time.Time, error) {
	if !t.now.IsZero() {
		return t.now, nil
	}
	if t.s.d.nowQuery == "" {
		t.now = t.s.tick()
		return t.now, nil
	}
	var now time.Time
	if err := t.tx.QueryRowContext(ctx, t.s.d.nowQuery).Scan(&now); err != nil {
		return time.Time{}, err
	}
	t.now = now.UTC().Truncate(time.Microsecond)
	return t.now, nil
}

func (t *sqlTx) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	return t.s.getAccount(ctx, t.tx, id)
}

func (t *sqlTx) FindAccountByUser(ctx context.Context, userID string) (ledger.Account, bool, error) {
	return t.s.findAccountByUser(ctx, t.tx, userID)
}

func (t *sqlTx) CardFingerprintExists(ctx context.Context, fp string) (bool, error) {
	const q = `SELECT 1 FROM card_accounts WHERE fingerprint = $1`
	var one int
	if err := t.tx.QueryRowContext(ctx, t.s.q(q), fp).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *sqlTx) InsertAccount(ctx context.Context, a ledger.Account) error {
	const q = `
INSERT INTO card_accounts (id, user_id, fingerprint, revision, schema_version, body)
VALUES ($1, $2, $3, 1, $4, $5)
`
	body, err := ledger.EncodeAccount(a)
	if err != nil {
		return err
	}
	// NULL keeps cards without a fingerprint out of the unique index.
	fp := sql.NullString{String: a.CardFingerprint, Valid: a.CardFingerprint != ""}
	_, err = t.tx.ExecContext(ctx, t.s.q(q), a.ID, a.UserID, fp, ledger.SchemaVersion(ledger.KindAccount), string(body))
	return err
}

func (t *sqlTx) UpdateAccount(ctx context.Context, a ledger.Account) error {
	const q = `
UPDATE card_accounts
SET revision = revision + 1, schema_version = $1, body = $2
WHERE id = $3 AND revision = $4
`
	body, err := ledger.EncodeAccount(a)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.s.q(q), ledger.SchemaVersion(ledger.KindAccount), string(body), a.ID, a.Revision)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (t *sqlTx) GetIntent(ctx context.Context, id string) (ledger.Intent, error) {
	return t.s.getIntent(ctx, t.tx, id)
}

func (t *sqlTx) FindIntentByKey(ctx context.Context, key string) (ledger.Intent, bool, error) {
	const q = `SELECT revision, body FROM payment_intents WHERE idempotency_key = $1`
	var (
		rev  int64
		body []byte
	)
	if err := t.tx.QueryRowContext(ctx, t.s.q(q), key).Scan(&rev, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Intent{}, false, nil
		}
		return ledger.Intent{}, false, err
	}
	i, err := decodeIntent(rev, body)
	if err != nil {
		return ledger.Intent{}, false, err
	}
	return i, true, nil
}

func (t *sqlTx) InsertIntent(ctx context.Context, i ledger.Intent) error {
	const q = `
INSERT INTO payment_intents (id, account_id, idempotency_key, revision, schema_version, body)
VALUES ($1, $2, $3, 1, $4, $5)
`
	body, err := ledger.EncodeIntent(i)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.s.q(q), i.ID, i.AccountID, i.IdempotencyKey, ledger.SchemaVersion(ledger.KindIntent), string(body))
	return err
}

func (t *sqlTx) UpdateIntent(ctx context.Context, i ledger.Intent) error {
	const q = `
UPDATE payment_intents
SET revision = revision + 1, schema_version = $1, body = $2
WHERE id = $3 AND revision = $4
`
	body, err := ledger.EncodeIntent(i)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.s.q(q), ledger.SchemaVersion(ledger.KindIntent), string(body), i.ID, i.Revision)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (t *sqlTx) TransactionKeyExists(ctx context.Context, key string) (bool, error) {
	const q = `SELECT COUNT(1) FROM card_transactions WHERE idempotency_key = $1`
	var n int
	if err := t.tx.QueryRowContext(ctx, t.s.q(q), key).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqlTx) AppendTransaction(ctx context.Context, tr ledger.Transaction) error {
	const q = `
INSERT INTO card_transactions (id, account_id, intent_id, idempotency_key, schema_version, body)
VALUES ($1, $2, $3, $4, $5, $6)
`
	body, err := ledger.EncodeTransaction(tr)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.s.q(q),
		tr.ID,
		tr.AccountID,
		tr.IntentID,
		tr.IdempotencyKey,
		ledger.SchemaVersion(ledger.KindTransaction),
		string(body),
	)
	return err
}

func (t *sqlTx) AppendOperation(ctx context.Context, op ledger.Operation) error {
	const q = `
INSERT INTO admin_operations (id, admin_id, account_id, schema_version, body)
VALUES ($1, $2, $3, $4, $5)
`
	body, err := ledger.EncodeOperation(op)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.s.q(q), op.ID, op.AdminID, op.AccountID, ledger.SchemaVersion(ledger.KindOperation), string(body))
	return err
}

// requireOneRow turns a lost revision race into ErrConflict.
func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ledger.ErrConflict
	}
	return nil
}
