package reporting

import (
	"context"
	"errors"
	"sort"

	"storefront-ledger/internal/ledger"
)

var ErrInvalidRequest = ledger.Errorf(ledger.CodeInvalidArgument, "reporting: invalid request")

// Service aggregates the transaction trail. It never reads the account projection, so a
// summary is reproducible from the trail alone.
type Service struct {
	reader ledger.Reader
}

func NewService(reader ledger.Reader) *Service { return &Service{reader: reader} }

func (s *Service) CardSummary(ctx context.Context, req CardSummaryRequest) (CardSummary, error) {
	if req.AccountID == "" || !req.Range.Valid() {
		return CardSummary{}, ErrInvalidRequest
	}
	if s.reader == nil {
		return CardSummary{}, errors.New("reporting: reader not configured")
	}

	txs, err := s.reader.ListTransactions(ctx, req.AccountID)
	if err != nil {
		return CardSummary{}, err
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})

	out := CardSummary{AccountID: req.AccountID, Range: req.Range}
	for _, t := range txs {
		if t.CreatedAt.Before(req.Range.From) {
			out.OpeningBalance = t.BalanceAfter
			continue
		}
		if !req.Range.Contains(t.CreatedAt) {
			break
		}
		out.Transactions++

		if t.Amount.IsPositive() {
			out.TotalCredit = out.TotalCredit.Add(t.Amount)
		} else {
			out.TotalDebit = out.TotalDebit.Add(t.Amount.Abs())
		}

		switch t.Kind {
		case ledger.TransactionKindPayment:
			out.Payments = out.Payments.Add(t.Amount.Abs())
			out.PaymentCount++
		case ledger.TransactionKindRefund:
			out.Refunds = out.Refunds.Add(t.Amount)
			out.RefundCount++
		case ledger.TransactionKindLock, ledger.TransactionKindUnlock:
			out.StatusChanges++
		case ledger.TransactionKindCredit, ledger.TransactionKindDebit:
			// the opening credit is system-issued and carries no admin id
			if t.AdminID != "" {
				out.AdminAdjustNet = out.AdminAdjustNet.Add(t.Amount)
			}
		}
	}
	out.NetDelta = out.TotalCredit.Sub(out.TotalDebit)
	out.ClosingBalance = out.OpeningBalance.Add(out.NetDelta)
	return out, nil
}
