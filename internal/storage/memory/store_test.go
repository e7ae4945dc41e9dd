package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-ledger/internal/ledger"
	"storefront-ledger/internal/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store { return New() })
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	err := s.RunTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertAccount(ctx, ledger.Account{
			ID:      "acc-1",
			UserID:  "user-1",
			Balance: decimal.NewFromInt(100),
			Ceiling: decimal.NewFromInt(1000),
			Status:  ledger.AccountStatusActive,
		})
	})
	require.NoError(t, err)
}

func TestInterleavedWriterAbortsCommit(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, "acc-1")
		if err != nil {
			return err
		}

		// Another writer commits between our read and our commit.
		require.NoError(t, s.RunTx(ctx, func(ctx context.Context, other ledger.Tx) error {
			b, err := other.GetAccount(ctx, "acc-1")
			if err != nil {
				return err
			}
			b.Balance = b.Balance.Sub(decimal.NewFromInt(30))
			return other.UpdateAccount(ctx, b)
		}))

		a.Balance = a.Balance.Sub(decimal.NewFromInt(80))
		return tx.UpdateAccount(ctx, a)
	})
	require.ErrorIs(t, err, ledger.ErrConflict)

	got, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(70)), "balance %s", got.Balance)
}

func TestConcurrentAccountCreationForSameUserConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, found, err := tx.FindAccountByUser(ctx, "user-1")
		if err != nil || found {
			return err
		}
		require.NoError(t, s.RunTx(ctx, func(ctx context.Context, other ledger.Tx) error {
			return other.InsertAccount(ctx, ledger.Account{ID: "acc-first", UserID: "user-1"})
		}))
		return tx.InsertAccount(ctx, ledger.Account{ID: "acc-second", UserID: "user-1"})
	})
	require.ErrorIs(t, err, ledger.ErrConflict)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-first", accounts[0].ID)
}

func TestReadsSeeOwnWrites(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, "acc-1")
		if err != nil {
			return err
		}
		a.Status = ledger.AccountStatusBlocked
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		again, err := tx.GetAccount(ctx, "acc-1")
		if err != nil {
			return err
		}
		assert.Equal(t, ledger.AccountStatusBlocked, again.Status)

		if err := tx.AppendTransaction(ctx, ledger.Transaction{ID: "t1", AccountID: "acc-1", IdempotencyKey: "k"}); err != nil {
			return err
		}
		exists, err := tx.TransactionKeyExists(ctx, "k")
		assert.True(t, exists)
		return err
	})
	require.NoError(t, err)

	got, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountStatusBlocked, got.Status)
	assert.Equal(t, int64(2), got.Revision)
}
