package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeRange is half-open: From inclusive, To exclusive.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// CardSummaryRequest requests aggregated money movement for one card.
type CardSummaryRequest struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`
}

// CardSummary is derived from the immutable transaction trail only.
//
// TotalCredit and TotalDebit are absolute sums across every kind; the per-kind fields split
// them out. AdminAdjustNet is signed.
type CardSummary struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`

	Transactions int `json:"transactions"`

	TotalCredit decimal.Decimal `json:"total_credit"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	NetDelta    decimal.Decimal `json:"net_delta"`

	Payments       decimal.Decimal `json:"payments"`
	PaymentCount   int             `json:"payment_count"`
	Refunds        decimal.Decimal `json:"refunds"`
	RefundCount    int             `json:"refund_count"`
	AdminAdjustNet decimal.Decimal `json:"admin_adjust_net"`
	StatusChanges  int             `json:"status_changes"`

	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
}
