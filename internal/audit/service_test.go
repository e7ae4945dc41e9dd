package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-ledger/internal/ledger"
	"storefront-ledger/internal/storage/memory"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tr(id string, minute int, before, amount string) ledger.Transaction {
	b, a := d(before), d(amount)
	return ledger.Transaction{
		ID:             id,
		AccountID:      "acc-1",
		Kind:           ledger.TransactionKindCredit,
		Amount:         a,
		BalanceBefore:  b,
		BalanceAfter:   b.Add(a),
		IdempotencyKey: "key-" + id,
		CreatedAt:      base.Add(time.Duration(minute) * time.Minute),
	}
}

func seed(t *testing.T, balance string, txs []ledger.Transaction, ops []ledger.Operation) *memory.Store {
	t.Helper()
	store := memory.New()
	err := store.RunTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.InsertAccount(ctx, ledger.Account{ID: "acc-1", UserID: "user-1", Balance: d(balance), Ceiling: d("50000")}); err != nil {
			return err
		}
		for _, x := range txs {
			if err := tx.AppendTransaction(ctx, x); err != nil {
				return err
			}
		}
		for _, op := range ops {
			if err := tx.AppendOperation(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return store
}

func TestListTransactionsNewestFirst(t *testing.T) {
	// Appended out of order on purpose.
	store := seed(t, "1150", []ledger.Transaction{
		tr("t2", 2, "1000", "100"),
		tr("t1", 1, "0", "1000"),
		tr("t3", 3, "1100", "50"),
	}, nil)
	svc := NewService(store)

	txs, err := svc.ListTransactionsForAccount(context.Background(), "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"t3", "t2", "t1"}, []string{txs[0].ID, txs[1].ID, txs[2].ID})

	txs, err = svc.ListTransactionsForAccount(context.Background(), "acc-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t2"}, []string{txs[0].ID, txs[1].ID})

	_, err = svc.ListTransactionsForAccount(context.Background(), "", 10)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestListOperationsForAdmin(t *testing.T) {
	op := func(id, admin string, minute int) ledger.Operation {
		return ledger.Operation{ID: id, AdminID: admin, AccountID: "acc-1", Action: ledger.OperationSetStatus, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
	}
	store := seed(t, "0", nil, []ledger.Operation{
		op("op-a", "admin-1", 1),
		op("op-c", "admin-1", 3),
		op("op-b", "admin-2", 2),
		op("op-d", "admin-1", 3),
	})
	svc := NewService(store)

	ops, err := svc.ListOperationsForAdmin(context.Background(), "admin-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	// Equal timestamps fall back to id, descending.
	assert.Equal(t, []string{"op-d", "op-c", "op-a"}, []string{ops[0].ID, ops[1].ID, ops[2].ID})

	all, err := svc.ListOperationsForAdmin(context.Background(), "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byAccount, err := svc.ListOperationsForAccount(context.Background(), "acc-1", 0)
	require.NoError(t, err)
	assert.Len(t, byAccount, 4)
}

func TestVerifyChain(t *testing.T) {
	good := []ledger.Transaction{tr("t1", 1, "0", "1000"), tr("t2", 2, "1000", "-300"), tr("t3", 3, "700", "0")}

	t.Run("intact", func(t *testing.T) {
		rep, err := NewService(seed(t, "700", good, nil)).VerifyChain(context.Background(), "acc-1")
		require.NoError(t, err)
		assert.True(t, rep.OK(), "%+v", rep.Breaks)
		assert.Equal(t, 3, rep.Transactions)
		assert.True(t, rep.ChainEnd.Equal(d("700")))
	})

	t.Run("gap", func(t *testing.T) {
		broken := []ledger.Transaction{tr("t1", 1, "0", "1000"), tr("t2", 2, "900", "-200")}
		rep, err := NewService(seed(t, "700", broken, nil)).VerifyChain(context.Background(), "acc-1")
		require.NoError(t, err)
		require.Len(t, rep.Breaks, 1)
		assert.Equal(t, BreakGap, rep.Breaks[0].Kind)
		assert.Equal(t, "t2", rep.Breaks[0].TransactionID)
	})

	t.Run("arithmetic", func(t *testing.T) {
		bad := tr("t1", 1, "0", "1000")
		bad.BalanceAfter = d("999")
		rep, err := NewService(seed(t, "999", []ledger.Transaction{bad}, nil)).VerifyChain(context.Background(), "acc-1")
		require.NoError(t, err)
		require.Len(t, rep.Breaks, 1)
		assert.Equal(t, BreakArithmetic, rep.Breaks[0].Kind)
	})

	t.Run("balance drift", func(t *testing.T) {
		rep, err := NewService(seed(t, "650", good, nil)).VerifyChain(context.Background(), "acc-1")
		require.NoError(t, err)
		require.Len(t, rep.Breaks, 1)
		assert.Equal(t, BreakBalance, rep.Breaks[0].Kind)
	})

	t.Run("missing account", func(t *testing.T) {
		_, err := NewService(memory.New()).VerifyChain(context.Background(), "nope")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// writeBetween commits a credit on acc-1 the first time the trail is listed, so the listing
// already includes a record the earlier account read did not.
type writeBetween struct {
	*memory.Store
	t     *testing.T
	fired bool
}

func (w *writeBetween) ListTransactions(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	if !w.fired {
		w.fired = true
		err := w.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			a, err := tx.GetAccount(ctx, "acc-1")
			if err != nil {
				return err
			}
			next := tr("t-late", 5, a.Balance.String(), "25")
			a.Balance = next.BalanceAfter
			if err := tx.UpdateAccount(ctx, a); err != nil {
				return err
			}
			return tx.AppendTransaction(ctx, next)
		})
		require.NoError(w.t, err)
	}
	return w.Store.ListTransactions(ctx, accountID)
}

func TestVerifyChainIgnoresConcurrentCommit(t *testing.T) {
	store := seed(t, "1000", []ledger.Transaction{tr("t1", 1, "0", "1000")}, nil)
	svc := NewService(&writeBetween{Store: store, t: t})

	rep, err := svc.VerifyChain(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%+v", rep.Breaks)
	assert.Equal(t, 2, rep.Transactions)
	assert.True(t, rep.Balance.Equal(d("1025")))
}

// alwaysMoving reports a new revision on every account read.
type alwaysMoving struct {
	*memory.Store
	rev int64
}

func (m *alwaysMoving) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	a, err := m.Store.GetAccount(ctx, id)
	m.rev++
	a.Revision = m.rev
	return a, err
}

func TestReconcilerSkipsBusyCards(t *testing.T) {
	store := seed(t, "1000", []ledger.Transaction{tr("t1", 1, "0", "1000")}, nil)
	svc := NewService(&alwaysMoving{Store: store})

	_, err := svc.VerifyChain(context.Background(), "acc-1")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	r, err := NewReconciler(svc, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Accounts)
	assert.Equal(t, []string{"acc-1"}, res.Skipped)
}

func TestReconcilerRunOnce(t *testing.T) {
	store := seed(t, "650", []ledger.Transaction{tr("t1", 1, "0", "700")}, nil)
	err := store.RunTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		for k := 2; k <= 3; k++ {
			id := fmt.Sprintf("acc-%d", k)
			if err := tx.InsertAccount(ctx, ledger.Account{ID: id, UserID: "user-" + id, Balance: decimal.Zero}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewReconciler(NewService(store), "@every 1h", log)
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accounts)
	require.Len(t, res.Broken, 1)
	assert.Equal(t, "acc-1", res.Broken[0].AccountID)
	assert.Equal(t, res.StartedAt, r.Last().StartedAt)

	r.Start()
	r.Stop(context.Background())
}

func TestReconcilerRejectsBadSchedule(t *testing.T) {
	_, err := NewReconciler(NewService(memory.New()), "every so often", nil)
	assert.Error(t, err)

	manual, err := NewReconciler(NewService(memory.New()), "", nil)
	require.NoError(t, err)
	res, err := manual.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Accounts)
}
