package card

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"storefront-ledger/internal/events"
	"storefront-ledger/internal/ledger"
	"storefront-ledger/internal/storage/memory"
	"storefront-ledger/internal/storage/sqlstore"
	"storefront-ledger/pkg/utils"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		StartingBalance: d("1000"),
		Ceiling:         d("5000"),
		Brand:           "VISA",
		BankName:        "Storefront Bank",
		CVVHashCost:     bcrypt.MinCost,
		FingerprintKey:  []byte("test-fingerprint"),
	}
}

func newService(t *testing.T, store ledger.Store) *Service {
	t.Helper()
	gen, err := NewGenerator(GeneratorConfig{Prefix: "400000", Length: 16, ValidityYears: 3})
	require.NoError(t, err)
	return NewService(store, gen, testConfig()).
		WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond})
}

func stores(t *testing.T) map[string]func(t *testing.T) ledger.Store {
	return map[string]func(t *testing.T) ledger.Store{
		"memory": func(*testing.T) ledger.Store { return memory.New() },
		"sqlite": func(t *testing.T) ledger.Store {
			ctx := context.Background()
			dsn := "file:" + filepath.Join(t.TempDir(), "card.db") + "?_busy_timeout=5000&_txlock=immediate"
			s, err := sqlstore.Open(ctx, "sqlite", dsn, utils.PoolConfig{})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.Migrate(ctx))
			return s
		},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, store ledger.Store)) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func sortedTransactions(t *testing.T, store ledger.Store, accountID string) []ledger.Transaction {
	t.Helper()
	txs, err := store.ListTransactions(context.Background(), accountID)
	require.NoError(t, err)
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
	return txs
}

func TestCreateAccount(t *testing.T) {
	eachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc := newService(t, store)

		issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
		require.NoError(t, err)

		a := issued.Account
		assert.True(t, a.Balance.Equal(d("1000")))
		assert.True(t, a.Ceiling.Equal(d("5000")))
		assert.Equal(t, ledger.AccountStatusActive, a.Status)
		assert.True(t, a.OnlinePaymentsEnabled)
		assert.Equal(t, "VISA", a.Brand)
		assert.True(t, LuhnValid(issued.CardNumber))
		assert.Equal(t, Mask(issued.CardNumber), a.CardNumber)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(a.CVVHash), []byte(issued.CVV)))

		got, found, err := svc.GetAccountByUser(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, a.ID, got.ID)

		txs := sortedTransactions(t, store, a.ID)
		require.Len(t, txs, 1)
		assert.Equal(t, ledger.TransactionKindCredit, txs[0].Kind)
		assert.True(t, txs[0].Amount.Equal(d("1000")))
		assert.True(t, txs[0].BalanceBefore.IsZero())
		assert.True(t, txs[0].BalanceAfter.Equal(d("1000")))

		ok, err := svc.VerifyCVV(ctx, a.ID, issued.CVV)
		require.NoError(t, err)
		assert.True(t, ok)
		wrong := "000"
		if issued.CVV == wrong {
			wrong = "111"
		}
		ok, err = svc.VerifyCVV(ctx, a.ID, wrong)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = svc.CreateAccount(ctx, "user-1", "Ada Again")
		assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)

		_, found, err = svc.GetAccountByUser(ctx, "user-2")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestCreateAccountRedrawsIssuedNumber(t *testing.T) {
	eachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc := newService(t, store)
		svc.gen.entropy = zeroReader{}

		first, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
		require.NoError(t, err)
		assert.Equal(t, "4000000000000002", first.CardNumber)
		assert.NotEmpty(t, first.Account.CardFingerprint)

		// Expiry, CVV and the first draw repeat the issued number; later draws are random.
		svc.gen.entropy = io.MultiReader(bytes.NewReader(make([]byte, 1+3+9)), rand.Reader)
		second, err := svc.CreateAccount(ctx, "user-2", "Grace Hopper")
		require.NoError(t, err)
		assert.NotEqual(t, first.CardNumber, second.CardNumber)
		assert.True(t, LuhnValid(second.CardNumber))
		assert.NotEqual(t, first.Account.CardFingerprint, second.Account.CardFingerprint)
	})
}

func TestCreateAccountGivesUpWhenNumbersRunOut(t *testing.T) {
	eachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc := newService(t, store)
		svc.gen.entropy = zeroReader{}

		_, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
		require.NoError(t, err)

		_, err = svc.CreateAccount(ctx, "user-2", "Grace Hopper")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no unused number")

		_, found, err := store.FindAccountByUser(ctx, "user-2")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestCreateAccountValidates(t *testing.T) {
	svc := newService(t, memory.New())
	_, err := svc.CreateAccount(context.Background(), "  ", "Ada")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = svc.CreateAccount(context.Background(), "user-1", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestModifyBalance(t *testing.T) {
	eachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc := newService(t, store)
		issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
		require.NoError(t, err)
		id := issued.Account.ID

		a, err := svc.ModifyBalance(ctx, id, ModifyBalanceRequest{
			Delta: d("250.25"), Description: "goodwill", AdminID: "admin-1", IdempotencyKey: "adj-1", Justification: "ticket 42",
		})
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(d("1250.25")))

		a, err = svc.ModifyBalance(ctx, id, ModifyBalanceRequest{Delta: d("-50.25"), AdminID: "admin-1", IdempotencyKey: "adj-2"})
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(d("1200")))

		txs := sortedTransactions(t, store, id)
		require.Len(t, txs, 3)
		assert.Equal(t, ledger.TransactionKindCredit, txs[1].Kind)
		assert.Equal(t, "admin-1", txs[1].AdminID)
		assert.Equal(t, ledger.TransactionKindDebit, txs[2].Kind)
		assert.True(t, txs[2].Amount.Equal(d("-50.25")))

		ops, err := store.ListOperations(ctx, ledger.OperationFilter{AdminID: "admin-1"})
		require.NoError(t, err)
		require.Len(t, ops, 2)
		for _, op := range ops {
			assert.Equal(t, ledger.OperationAdjustBalance, op.Action)
			assert.NotEmpty(t, op.TransactionID)
		}
	})
}

func TestModifyBalanceRejections(t *testing.T) {
	eachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc := newService(t, store)
		issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
		require.NoError(t, err)
		id := issued.Account.ID

		_, err = svc.ModifyBalance(ctx, id, ModifyBalanceRequest{Delta: d("10"), AdminID: "admin-1", IdempotencyKey: "adj-1"})
		require.NoError(t, err)

		cases := []struct {
			name string
			req  ModifyBalanceRequest
			want error
		}{
			{"replayed key", ModifyBalanceRequest{Delta: d("10"), AdminID: "admin-1", IdempotencyKey: "adj-1"}, ledger.ErrDuplicateOperation},
			{"replayed key with zero delta", ModifyBalanceRequest{Delta: decimal.Zero, AdminID: "admin-1", IdempotencyKey: "adj-1"}, ledger.ErrDuplicateOperation},
			{"below zero", ModifyBalanceRequest{Delta: d("-1010.01"), AdminID: "admin-1", IdempotencyKey: "adj-2"}, ledger.ErrNegativeBalance},
			{"above ceiling", ModifyBalanceRequest{Delta: d("3990.01"), AdminID: "admin-1", IdempotencyKey: "adj-3"}, ledger.ErrCeilingExceeded},
			{"zero delta", ModifyBalanceRequest{Delta: decimal.Zero, AdminID: "admin-1", IdempotencyKey: "adj-4"}, ledger.ErrInvalidAmount},
			{"missing admin", ModifyBalanceRequest{Delta: d("1"), IdempotencyKey: "adj-5"}, ledger.ErrInvalidArgument},
		}
		for _, tc := range cases {
			_, err := svc.ModifyBalance(ctx, id, tc.req)
			assert.ErrorIs(t, err, tc.want, tc.name)
		}

		// Exactly at the bounds is fine.
		a, err := svc.ModifyBalance(ctx, id, ModifyBalanceRequest{Delta: d("3990"), AdminID: "admin-1", IdempotencyKey: "adj-6"})
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(d("5000")))
		a, err = svc.ModifyBalance(ctx, id, ModifyBalanceRequest{Delta: d("-5000"), AdminID: "admin-1", IdempotencyKey: "adj-7"})
		require.NoError(t, err)
		assert.True(t, a.Balance.IsZero())

		assert.Len(t, sortedTransactions(t, store, id), 4)
		_, err = svc.ModifyBalance(ctx, "missing", ModifyBalanceRequest{Delta: d("1"), AdminID: "admin-1", IdempotencyKey: "adj-8"})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestCeilingExceededLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(t, store)
	issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
	require.NoError(t, err)

	_, err = svc.ModifyBalance(ctx, issued.Account.ID, ModifyBalanceRequest{Delta: d("4001"), AdminID: "admin-1", IdempotencyKey: "big"})
	require.ErrorIs(t, err, ledger.ErrCeilingExceeded)

	a, err := svc.GetAccount(ctx, issued.Account.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("1000")))
	assert.Len(t, sortedTransactions(t, store, a.ID), 1)
	ops, err := store.ListOperations(ctx, ledger.OperationFilter{})
	require.NoError(t, err)
	assert.Empty(t, ops)

	// The key was never consumed.
	_, err = svc.ModifyBalance(ctx, a.ID, ModifyBalanceRequest{Delta: d("1"), AdminID: "admin-1", IdempotencyKey: "big"})
	assert.NoError(t, err)
}

func TestSuspendedAccountRejectsAdjustments(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.New())
	issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
	require.NoError(t, err)
	id := issued.Account.ID

	_, err = svc.SetStatus(ctx, id, ledger.AccountStatusSuspended, "admin-1", "fraud review")
	require.NoError(t, err)
	_, err = svc.ModifyBalance(ctx, id, ModifyBalanceRequest{Delta: d("1"), AdminID: "admin-1", IdempotencyKey: "adj-1"})
	assert.ErrorIs(t, err, ledger.ErrAccountSuspended)

	// Blocked cards can still be adjusted.
	_, err = svc.SetStatus(ctx, id, ledger.AccountStatusBlocked, "admin-1", "")
	require.NoError(t, err)
	_, err = svc.ModifyBalance(ctx, id, ModifyBalanceRequest{Delta: d("1"), AdminID: "admin-1", IdempotencyKey: "adj-1"})
	assert.NoError(t, err)
}

func TestSetStatus(t *testing.T) {
	eachStore(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		svc := newService(t, store)
		issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
		require.NoError(t, err)
		id := issued.Account.ID

		a, err := svc.SetStatus(ctx, id, ledger.AccountStatusBlocked, "admin-1", "lost card")
		require.NoError(t, err)
		assert.Equal(t, ledger.AccountStatusBlocked, a.Status)

		_, err = svc.SetStatus(ctx, id, ledger.AccountStatusBlocked, "admin-1", "")
		assert.ErrorIs(t, err, ledger.ErrNoOpTransition)

		_, err = svc.SetStatus(ctx, id, ledger.AccountStatusActive, "admin-2", "found it")
		require.NoError(t, err)

		_, err = svc.SetStatus(ctx, id, ledger.AccountStatus("frozen"), "admin-1", "")
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

		txs := sortedTransactions(t, store, id)
		require.Len(t, txs, 3)
		assert.Equal(t, ledger.TransactionKindLock, txs[1].Kind)
		assert.Equal(t, ledger.TransactionKindUnlock, txs[2].Kind)
		for _, tr := range txs[1:] {
			assert.True(t, tr.Amount.IsZero())
			assert.True(t, tr.BalanceBefore.Equal(tr.BalanceAfter))
		}

		ops, err := store.ListOperations(ctx, ledger.OperationFilter{AccountID: id})
		require.NoError(t, err)
		require.Len(t, ops, 2)
		sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
		assert.Equal(t, ledger.AccountStatusActive, ops[0].StatusBefore)
		assert.Equal(t, ledger.AccountStatusBlocked, ops[0].StatusAfter)
		assert.Equal(t, "lost card", ops[0].Justification)
		assert.Equal(t, "admin-2", ops[1].AdminID)
	})
}

func TestSetOnlinePayments(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(t, store)
	issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
	require.NoError(t, err)

	a, err := svc.SetOnlinePayments(ctx, issued.Account.ID, false)
	require.NoError(t, err)
	assert.False(t, a.OnlinePaymentsEnabled)
	assert.False(t, a.CanPayOnline())

	a, err = svc.SetOnlinePayments(ctx, issued.Account.ID, false)
	require.NoError(t, err)
	assert.False(t, a.OnlinePaymentsEnabled)
	assert.Len(t, sortedTransactions(t, store, a.ID), 1)
}

func TestConcurrentAdjustmentsKeepChainConsistent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(t, store)
	issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
	require.NoError(t, err)
	id := issued.Account.ID

	deltas := []string{"100", "-300", "250.50", "-999", "4000", "-10", "75", "-1200", "3", "-0.5",
		"600", "-450", "20", "-20", "1500", "-700", "33.33", "-66.66", "900", "-1"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied = decimal.Zero
	)
	for i, delta := range deltas {
		wg.Add(1)
		go func(i int, delta decimal.Decimal) {
			defer wg.Done()
			_, err := svc.ModifyBalance(ctx, id, ModifyBalanceRequest{
				Delta:          delta,
				AdminID:        "admin-1",
				IdempotencyKey: "concurrent-" + delta.String() + "-" + string(rune('a'+i)),
			})
			if err == nil {
				mu.Lock()
				applied = applied.Add(delta)
				mu.Unlock()
				return
			}
			switch {
			case ledger.IsClientError(err), ledger.IsRetryable(err):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i, d(delta))
	}
	wg.Wait()

	a, err := svc.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("1000").Add(applied)), "balance %s, applied %s", a.Balance, applied)
	assert.False(t, a.Balance.IsNegative())
	assert.False(t, a.Balance.GreaterThan(a.Ceiling))

	txs := sortedTransactions(t, store, id)
	for i, tr := range txs {
		assert.True(t, tr.BalanceAfter.Equal(tr.BalanceBefore.Add(tr.Amount)))
		if i > 0 {
			assert.True(t, tr.BalanceBefore.Equal(txs[i-1].BalanceAfter), "break at %d", i)
		}
	}
	assert.True(t, txs[len(txs)-1].BalanceAfter.Equal(a.Balance))
}

func TestPublishesChanges(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBroadcaster(8)
	ch, cancel, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	svc := newService(t, memory.New()).WithPublisher(bus)
	issued, err := svc.CreateAccount(ctx, "user-1", "Ada Lovelace")
	require.NoError(t, err)
	_, err = svc.ModifyBalance(ctx, issued.Account.ID, ModifyBalanceRequest{Delta: d("5"), AdminID: "admin-1", IdempotencyKey: "adj-1"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, events.KindAccountCreated, first.Kind)
	second := <-ch
	assert.Equal(t, events.KindBalanceChanged, second.Kind)
	assert.True(t, second.Balance.Equal(d("1005")))
	assert.True(t, second.Amount.Equal(d("5")))
}
