package audit

import (
	"context"
	"fmt"
	"sort"

	"storefront-ledger/internal/ledger"
)

// Service reads the append-only audit trail: card transactions and admin operations.
//
// The store returns listings unordered, so every read sorts client-side.
// Nothing here writes; records are appended only by the card and payment services.
type Service struct {
	reader ledger.Reader
}

func NewService(reader ledger.Reader) *Service {
	return &Service{reader: reader}
}

// newestFirst orders by CreatedAt descending, then ID descending for equal timestamps.
func newestFirst[T any](items []T, at func(T) (int64, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := at(items[i])
		tj, idj := at(items[j])
		if ti != tj {
			return ti > tj
		}
		return idi > idj
	})
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// ListTransactionsForAccount returns up to limit transactions, most recent first.
// limit <= 0 returns all of them.
func (s *Service) ListTransactionsForAccount(ctx context.Context, accountID string, n int) ([]ledger.Transaction, error) {
	if accountID == "" {
		return nil, ledger.ErrInvalidArgument
	}
	txs, err := s.reader.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	newestFirst(txs, func(t ledger.Transaction) (int64, string) { return t.CreatedAt.UnixNano(), t.ID })
	return limit(txs, n), nil
}

// ListOperationsForAdmin returns up to limit operations performed by adminID, most recent
// first. An empty adminID lists every administrator's operations.
func (s *Service) ListOperationsForAdmin(ctx context.Context, adminID string, n int) ([]ledger.Operation, error) {
	return s.listOperations(ctx, ledger.OperationFilter{AdminID: adminID}, n)
}

// ListOperationsForAccount returns up to limit operations that targeted accountID.
func (s *Service) ListOperationsForAccount(ctx context.Context, accountID string, n int) ([]ledger.Operation, error) {
	if accountID == "" {
		return nil, ledger.ErrInvalidArgument
	}
	return s.listOperations(ctx, ledger.OperationFilter{AccountID: accountID}, n)
}

func (s *Service) listOperations(ctx context.Context, f ledger.OperationFilter, n int) ([]ledger.Operation, error) {
	ops, err := s.reader.ListOperations(ctx, f)
	if err != nil {
		return nil, err
	}
	newestFirst(ops, func(o ledger.Operation) (int64, string) { return o.CreatedAt.UnixNano(), o.ID })
	return limit(ops, n), nil
}

const snapshotAttempts = 5

// snapshot reads the card and its trail as of one committed revision. Every ledger write
// bumps the card's revision, so an unchanged revision on both sides of the listing means
// no commit landed in between.
func (s *Service) snapshot(ctx context.Context, accountID string) (ledger.Account, []ledger.Transaction, error) {
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		a, err := s.reader.GetAccount(ctx, accountID)
		if err != nil {
			return ledger.Account{}, nil, err
		}
		txs, err := s.reader.ListTransactions(ctx, accountID)
		if err != nil {
			return ledger.Account{}, nil, err
		}
		after, err := s.reader.GetAccount(ctx, accountID)
		if err != nil {
			return ledger.Account{}, nil, err
		}
		if after.Revision == a.Revision {
			return a, txs, nil
		}
	}
	return ledger.Account{}, nil, ledger.Errorf(ledger.CodeConflict, "account %s kept changing during verification", accountID)
}

// VerifyChain replays the card's trail oldest first and reports every broken invariant.
// A card under constant write load may yield ErrConflict; verify it again later.
func (s *Service) VerifyChain(ctx context.Context, accountID string) (ChainReport, error) {
	a, txs, err := s.snapshot(ctx, accountID)
	if err != nil {
		return ChainReport{}, err
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})

	r := ChainReport{AccountID: a.ID, Transactions: len(txs), Balance: a.Balance}
	for i, t := range txs {
		if !t.BalanceBefore.Add(t.Amount).Equal(t.BalanceAfter) {
			r.Breaks = append(r.Breaks, Break{
				Kind:          BreakArithmetic,
				TransactionID: t.ID,
				Detail:        fmt.Sprintf("%s + %s != %s", t.BalanceBefore, t.Amount, t.BalanceAfter),
			})
		}
		if i > 0 && !txs[i-1].BalanceAfter.Equal(t.BalanceBefore) {
			r.Breaks = append(r.Breaks, Break{
				Kind:          BreakGap,
				TransactionID: t.ID,
				Detail:        fmt.Sprintf("previous ended at %s, this starts at %s", txs[i-1].BalanceAfter, t.BalanceBefore),
			})
		}
		r.ChainEnd = t.BalanceAfter
	}
	if !r.ChainEnd.Equal(a.Balance) {
		r.Breaks = append(r.Breaks, Break{
			Kind:   BreakBalance,
			Detail: fmt.Sprintf("trail ends at %s, card holds %s", r.ChainEnd, a.Balance),
		})
	}
	return r, nil
}
