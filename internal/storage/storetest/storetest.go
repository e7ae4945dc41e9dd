// Package storetest holds behavior checks every ledger.Store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-ledger/internal/ledger"
)

// Run exercises store against the ledger.Store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("AccountRoundTrip", func(t *testing.T) { testAccountRoundTrip(t, newStore(t)) })
	t.Run("StaleRevisionConflicts", func(t *testing.T) { testStaleRevision(t, newStore(t)) })
	t.Run("FailedUnitWritesNothing", func(t *testing.T) { testFailedUnit(t, newStore(t)) })
	t.Run("DuplicateTransactionKey", func(t *testing.T) { testDuplicateTransactionKey(t, newStore(t)) })
	t.Run("DuplicateCardFingerprint", func(t *testing.T) { testDuplicateFingerprint(t, newStore(t)) })
	t.Run("IntentLifecycle", func(t *testing.T) { testIntent(t, newStore(t)) })
	t.Run("NowIsMonotonic", func(t *testing.T) { testNowMonotonic(t, newStore(t)) })
	t.Run("Listings", func(t *testing.T) { testListings(t, newStore(t)) })
}

func account(id, userID string) ledger.Account {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return ledger.Account{
		ID:                    id,
		UserID:                userID,
		CardNumber:            "4000 **** **** 1234",
		HolderName:            "Ada Lovelace",
		Expiry:                "01/29",
		Balance:               decimal.RequireFromString("1000.50"),
		Ceiling:               decimal.NewFromInt(50000),
		Status:                ledger.AccountStatusActive,
		OnlinePaymentsEnabled: true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func transaction(id, accountID, key string) ledger.Transaction {
	return ledger.Transaction{
		ID:             id,
		AccountID:      accountID,
		UserID:         "user-" + accountID,
		Kind:           ledger.TransactionKindCredit,
		Amount:         decimal.NewFromInt(10),
		BalanceBefore:  decimal.NewFromInt(0),
		BalanceAfter:   decimal.NewFromInt(10),
		IdempotencyKey: key,
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func insertAccount(t *testing.T, store ledger.Store, a ledger.Account) {
	t.Helper()
	err := store.RunTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertAccount(ctx, a)
	})
	require.NoError(t, err)
}

func testAccountRoundTrip(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	insertAccount(t, store, account("acc-1", "user-1"))

	got, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("1000.50")), "balance %s", got.Balance)
	assert.True(t, got.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	byUser, ok, err := store.FindAccountByUser(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acc-1", byUser.ID)

	_, ok, err = store.FindAccountByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testStaleRevision(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	insertAccount(t, store, account("acc-1", "user-1"))

	stale, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)

	err = store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, "acc-1")
		if err != nil {
			return err
		}
		a.Balance = a.Balance.Add(decimal.NewFromInt(1))
		return tx.UpdateAccount(ctx, a)
	})
	require.NoError(t, err)

	err = store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		stale.Balance = decimal.Zero
		return tx.UpdateAccount(ctx, stale)
	})
	require.ErrorIs(t, err, ledger.ErrConflict)

	got, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("1001.50")))
}

func testFailedUnit(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.InsertAccount(ctx, account("acc-1", "user-1")); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, transaction("tx-1", "acc-1", "k1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetAccount(ctx, "acc-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	txs, err := store.ListTransactions(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func testDuplicateTransactionKey(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	err := store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.AppendTransaction(ctx, transaction("tx-1", "acc-1", "same-key"))
	})
	require.NoError(t, err)

	err = store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		exists, err := tx.TransactionKeyExists(ctx, "same-key")
		if err != nil {
			return err
		}
		assert.True(t, exists)
		missing, err := tx.TransactionKeyExists(ctx, "other-key")
		if err != nil {
			return err
		}
		assert.False(t, missing)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.AppendTransaction(ctx, transaction("tx-2", "acc-1", "same-key"))
	})
	require.ErrorIs(t, err, ledger.ErrConflict)

	txs, err := store.ListTransactions(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testDuplicateFingerprint(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	a := account("acc-1", "user-1")
	a.CardFingerprint = "fp-1"
	insertAccount(t, store, a)
	// Cards without a fingerprint never collide with each other.
	insertAccount(t, store, account("acc-2", "user-2"))
	insertAccount(t, store, account("acc-3", "user-3"))

	err := store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		taken, err := tx.CardFingerprintExists(ctx, "fp-1")
		if err != nil {
			return err
		}
		assert.True(t, taken)
		free, err := tx.CardFingerprintExists(ctx, "fp-2")
		if err != nil {
			return err
		}
		assert.False(t, free)
		return nil
	})
	require.NoError(t, err)

	dup := account("acc-4", "user-4")
	dup.CardFingerprint = "fp-1"
	err = store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertAccount(ctx, dup)
	})
	require.ErrorIs(t, err, ledger.ErrConflict)

	_, found, err := store.FindAccountByUser(ctx, "user-4")
	require.NoError(t, err)
	assert.False(t, found)
}

func testIntent(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := ledger.Intent{
		ID:             "pi-1",
		AccountID:      "acc-1",
		UserID:         "user-1",
		Amount:         decimal.RequireFromString("25.99"),
		State:          ledger.IntentPending,
		IdempotencyKey: "checkout-1",
		LineItems: []ledger.LineItem{
			{SKU: "sku-1", Name: "Mug", Quantity: 1, UnitPrice: decimal.RequireFromString("25.99")},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertIntent(ctx, in)
	}))

	err := store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		got, ok, err := tx.FindIntentByKey(ctx, "checkout-1")
		if err != nil {
			return err
		}
		require.True(t, ok)
		if err := got.Transition(ledger.IntentAuthorized, created.Add(time.Minute)); err != nil {
			return err
		}
		return tx.UpdateIntent(ctx, got)
	})
	require.NoError(t, err)

	got, err := store.GetIntent(ctx, "pi-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.IntentAuthorized, got.State)
	assert.Equal(t, int64(2), got.Revision)
	require.NotNil(t, got.AuthorizedAt)
	require.Len(t, got.LineItems, 1)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("25.99")))

	err = store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, ok, err := tx.FindIntentByKey(ctx, "checkout-2")
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)

	_, err = store.GetIntent(ctx, "pi-missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testNowMonotonic(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	var stamps []time.Time
	for i := 0; i < 5; i++ {
		err := store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			now, err := tx.Now(ctx)
			if err != nil {
				return err
			}
			again, err := tx.Now(ctx)
			if err != nil {
				return err
			}
			assert.True(t, now.Equal(again), "Now must be stable inside one transaction")
			stamps = append(stamps, now)
			return nil
		})
		require.NoError(t, err)
	}
	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]), "stamp %d not after %d", i, i-1)
	}
}

func testListings(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	insertAccount(t, store, account("acc-a", "user-a"))
	insertAccount(t, store, account("acc-b", "user-b"))

	err := store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for _, tr := range []ledger.Transaction{
			transaction("t1", "acc-a", "k1"),
			transaction("t2", "acc-a", "k2"),
			transaction("t3", "acc-a", "k3"),
			transaction("t4", "acc-b", "k4"),
		} {
			if err := tx.AppendTransaction(ctx, tr); err != nil {
				return err
			}
		}
		for _, op := range []ledger.Operation{
			{ID: "op1", AdminID: "admin-1", AccountID: "acc-a", Action: ledger.OperationAdjustBalance, TransactionID: "t2"},
			{ID: "op2", AdminID: "admin-1", AccountID: "acc-b", Action: ledger.OperationSetStatus, TransactionID: "t4"},
			{ID: "op3", AdminID: "admin-2", AccountID: "acc-a", Action: ledger.OperationSetStatus, TransactionID: "t3"},
		} {
			if err := tx.AppendOperation(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	txs, err := store.ListTransactions(ctx, "acc-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, transactionIDs(txs))

	ops, err := store.ListOperations(ctx, ledger.OperationFilter{AdminID: "admin-1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"op1", "op2"}, operationIDs(ops))

	ops, err = store.ListOperations(ctx, ledger.OperationFilter{AccountID: "acc-a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"op1", "op3"}, operationIDs(ops))

	ops, err = store.ListOperations(ctx, ledger.OperationFilter{})
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func transactionIDs(txs []ledger.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, t := range txs {
		out = append(out, t.ID)
	}
	return out
}

func operationIDs(ops []ledger.Operation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}
