// Package events carries change notifications emitted after committed ledger transactions.
//
// Delivery is best-effort: a publish failure never rolls back the write that caused it, and
// consumers that need the authoritative state query the ledger on demand.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront-ledger/internal/ledger"
)

type Kind string

const (
	KindAccountCreated   Kind = "account.created"
	KindBalanceChanged   Kind = "balance.changed"
	KindStatusChanged    Kind = "status.changed"
	KindIntentCreated    Kind = "intent.created"
	KindIntentAuthorized Kind = "intent.authorized"
	KindIntentRejected   Kind = "intent.rejected"
	KindIntentConfirmed  Kind = "intent.confirmed"
	KindIntentVoided     Kind = "intent.voided"
	KindIntentRefunded   Kind = "intent.refunded"
)

// IntentKind maps an intent state to the event announcing it.
// A pending intent has just been created.
func IntentKind(s ledger.IntentState) Kind {
	if s == ledger.IntentPending {
		return KindIntentCreated
	}
	return Kind("intent." + string(s))
}

type Event struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`

	IntentID      string               `json:"intent_id,omitempty"`
	TransactionID string               `json:"transaction_id,omitempty"`
	Balance       decimal.Decimal      `json:"balance"`
	Amount        decimal.Decimal      `json:"amount"`
	Status        ledger.AccountStatus `json:"status,omitempty"`
	IntentState   ledger.IntentState   `json:"intent_state,omitempty"`

	At time.Time `json:"at"`
}

// ForAccount builds an account-scoped event stamped with the account's last update time.
func ForAccount(kind Kind, a ledger.Account) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		AccountID: a.ID,
		UserID:    a.UserID,
		Balance:   a.Balance,
		Status:    a.Status,
		At:        a.UpdatedAt,
	}
}

// ForIntent builds an event for an intent transition. a carries the post-commit balance.
func ForIntent(i ledger.Intent, a ledger.Account) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        IntentKind(i.State),
		AccountID:   i.AccountID,
		UserID:      i.UserID,
		IntentID:    i.ID,
		Balance:     a.Balance,
		Amount:      i.Amount,
		Status:      a.Status,
		IntentState: i.State,
		At:          i.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers events until the returned cancel func is called or ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// Bus is both ends of a notification channel.
type Bus interface {
	Publisher
	Subscriber
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
