package audit

import (
	"github.com/shopspring/decimal"
)

// ChainReport is the outcome of replaying one card's transaction trail.
//
// Invariants checked:
// - every record satisfies balance_after = balance_before + amount
// - each record starts where the previous one ended
// - the last record ends at the card's current balance
type ChainReport struct {
	AccountID    string          `json:"account_id"`
	Transactions int             `json:"transactions"`
	Balance      decimal.Decimal `json:"balance"`
	ChainEnd     decimal.Decimal `json:"chain_end"`
	Breaks       []Break         `json:"breaks,omitempty"`
}

func (r ChainReport) OK() bool { return len(r.Breaks) == 0 }

type BreakKind string

const (
	BreakArithmetic BreakKind = "arithmetic"
	BreakGap        BreakKind = "gap"
	BreakBalance    BreakKind = "balance_mismatch"
)

// Break pinpoints the first record where an invariant fails.
type Break struct {
	Kind          BreakKind `json:"kind"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Detail        string    `json:"detail"`
}
