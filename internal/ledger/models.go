package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the virtual card owned by a single user.
//
// Money invariant: 0 <= Balance <= Ceiling at every observable point.
// Balance is only ever changed inside a store transaction that also appends a Transaction.
type Account struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// CardNumber is masked before it is persisted; the full number never reaches the store.
	CardNumber string `json:"card_number"`
	HolderName string `json:"holder_name"`
	Expiry     string `json:"expiry"`
	CVVHash    string `json:"cvv_hash"`
	// CardFingerprint is a keyed hash of the full number. Stores keep it unique.
	CardFingerprint string `json:"card_fingerprint,omitempty"`

	Balance decimal.Decimal `json:"balance"`
	Ceiling decimal.Decimal `json:"ceiling"`

	Status                AccountStatus `json:"status"`
	OnlinePaymentsEnabled bool          `json:"online_payments_enabled"`

	// Cosmetic issuer metadata.
	Brand    string `json:"brand,omitempty"`
	BankName string `json:"bank_name,omitempty"`
	LogoURL  string `json:"logo_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision is the store's optimistic concurrency token. It is not part of the record body.
	Revision int64 `json:"-"`
}

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusBlocked   AccountStatus = "blocked"
	AccountStatusSuspended AccountStatus = "suspended"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusBlocked, AccountStatusSuspended:
		return true
	default:
		return false
	}
}

// CanPayOnline reports whether the card may be used for a new or re-validated payment.
func (a Account) CanPayOnline() bool {
	return a.Status == AccountStatusActive && a.OnlinePaymentsEnabled
}

// Transaction is an immutable append-only entry describing one balance-affecting event.
// Invariant: BalanceAfter = BalanceBefore + Amount.
type Transaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	UserID    string          `json:"user_id"`
	Kind      TransactionKind `json:"kind"`

	// Amount is signed: credits are positive, debits are negative, lock/unlock are zero.
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`

	Description string `json:"description,omitempty"`

	AdminID  string `json:"admin_id,omitempty"`
	IntentID string `json:"intent_id,omitempty"`

	// IdempotencyKey is unique across all transactions. Build it with one of the *Key helpers
	// so caller keys and derived keys never share a namespace.
	IdempotencyKey string `json:"idempotency_key"`

	CreatedAt time.Time `json:"created_at"`
}

// AdminKey namespaces an idempotency key supplied by an administrator.
func AdminKey(key string) string { return "admin:" + key }

func OpeningKey(accountID string) string { return "account:" + accountID + ":opening" }

// SettlementKey allows at most one transaction per intent and target state.
func SettlementKey(intentID string, to IntentState) string {
	return "intent:" + intentID + ":" + string(to)
}

func StatusKey(txID string) string { return "status:" + txID }

type TransactionKind string

const (
	TransactionKindCredit  TransactionKind = "credit"
	TransactionKindDebit   TransactionKind = "debit"
	TransactionKindPayment TransactionKind = "payment"
	TransactionKindRefund  TransactionKind = "refund"
	TransactionKindLock    TransactionKind = "lock"
	TransactionKindUnlock  TransactionKind = "unlock"
)

// Intent tracks one checkout attempt through the payment state machine.
// Amount is immutable after creation.
type Intent struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`

	Description    string      `json:"description,omitempty"`
	State          IntentState `json:"state"`
	IdempotencyKey string      `json:"idempotency_key"`

	// ExternalRef is optional: order id, cart id, etc.
	ExternalRef string     `json:"external_ref,omitempty"`
	LineItems   []LineItem `json:"line_items,omitempty"`

	RejectionReason string `json:"rejection_reason,omitempty"`
	VoidReason      string `json:"void_reason,omitempty"`
	RefundReason    string `json:"refund_reason,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	VoidedAt     *time.Time `json:"voided_at,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`

	Revision int64 `json:"-"`
}

// LineItem is optional structured checkout detail carried on an Intent.
type LineItem struct {
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Operation records a privileged action performed by an administrator.
// It is append-only and is never updated or deleted.
type Operation struct {
	ID        string        `json:"id"`
	AdminID   string        `json:"admin_id"`
	AccountID string        `json:"account_id"`
	Action    OperationType `json:"action"`

	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	StatusBefore  AccountStatus   `json:"status_before"`
	StatusAfter   AccountStatus   `json:"status_after"`

	Justification string `json:"justification,omitempty"`

	// TransactionID links to the transaction written by the same store transaction.
	TransactionID string `json:"transaction_id"`

	CreatedAt time.Time `json:"created_at"`
}

type OperationType string

const (
	OperationAdjustBalance OperationType = "adjust_balance"
	OperationSetStatus     OperationType = "set_status"
)

// OperationFilter narrows an operation listing. Empty fields match everything.
type OperationFilter struct {
	AdminID   string
	AccountID string
}

func (f OperationFilter) Match(op Operation) bool {
	if f.AdminID != "" && op.AdminID != f.AdminID {
		return false
	}
	if f.AccountID != "" && op.AccountID != f.AccountID {
		return false
	}
	return true
}
