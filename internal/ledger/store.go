package ledger

import (
	"context"
	"time"
)

// Reader is the read side of the ledger store. Listings are returned in no particular
// order; callers sort client-side.
type Reader interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	// FindAccountByUser returns (Account{}, false, nil) when the user has no card.
	FindAccountByUser(ctx context.Context, userID string) (Account, bool, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	GetIntent(ctx context.Context, id string) (Intent, error)

	ListTransactions(ctx context.Context, accountID string) ([]Transaction, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]Operation, error)
}

// Tx is a unit of work inside one atomic store transaction.
//
// Reads observe a consistent view; every document read is re-validated at commit and the
// whole transaction aborts with ErrConflict if any of them changed. Writes become visible
// only on commit. There is no Delete and no way to set a balance outside UpdateAccount.
type Tx interface {
	// Now returns the store-assigned timestamp for this transaction. Successive calls across
	// committed transactions are monotonic.
	Now(ctx context.Context) (time.Time, error)

	GetAccount(ctx context.Context, id string) (Account, error)
	FindAccountByUser(ctx context.Context, userID string) (Account, bool, error)
	CardFingerprintExists(ctx context.Context, fingerprint string) (bool, error)
	// InsertAccount fails with ErrConflict if another card already carries a's fingerprint.
	InsertAccount(ctx context.Context, a Account) error
	// UpdateAccount writes a new version of a previously read account. The Revision carried by
	// a must be the one that was read; otherwise the transaction fails with ErrConflict.
	UpdateAccount(ctx context.Context, a Account) error

	GetIntent(ctx context.Context, id string) (Intent, error)
	FindIntentByKey(ctx context.Context, idempotencyKey string) (Intent, bool, error)
	InsertIntent(ctx context.Context, i Intent) error
	UpdateIntent(ctx context.Context, i Intent) error

	TransactionKeyExists(ctx context.Context, idempotencyKey string) (bool, error)
	AppendTransaction(ctx context.Context, t Transaction) error
	AppendOperation(ctx context.Context, o Operation) error
}

// TxFunc is the unit of work executed inside a store transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the backing document store.
type Store interface {
	Reader

	// RunTx executes fn in a single atomic attempt.
	// - If fn returns error: nothing is written and the error is returned.
	// - If a concurrent writer invalidated a read: ErrConflict is returned.
	// - Otherwise all writes are committed together.
	RunTx(ctx context.Context, fn TxFunc) error
}
