// Package payment is the Payment Authorization Engine: the create, authorize, confirm life
// cycle for card payments with void and refund side paths.
//
// Every operation runs as one ledger transaction spanning the intent, the card and any new
// transaction record. Authorization reserves nothing; Confirm re-checks the balance and is the
// only step that debits the card.
package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront-ledger/internal/events"
	"storefront-ledger/internal/ledger"
	"storefront-ledger/pkg/logger"
)

const rejectionInsufficientFunds = "insufficient funds"

type Engine struct {
	store ledger.Store
	// maxAmount caps a single intent; zero means no cap.
	maxAmount decimal.Decimal
	pub       events.Publisher
	retry     ledger.RetryPolicy
}

func NewEngine(store ledger.Store, maxAmount decimal.Decimal) *Engine {
	return &Engine{store: store, maxAmount: maxAmount, pub: events.Nop{}}
}

func (e *Engine) WithPublisher(p events.Publisher) *Engine {
	e.pub = p
	return e
}

func (e *Engine) WithRetryPolicy(p ledger.RetryPolicy) *Engine {
	e.retry = p
	return e
}

type CreateIntentRequest struct {
	AccountID      string            `json:"account_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Description    string            `json:"description"`
	IdempotencyKey string            `json:"idempotency_key"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	LineItems      []ledger.LineItem `json:"line_items,omitempty"`
}

func (e *Engine) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ledger.Errorf(ledger.CodeInvalidAmount, "amount must be positive")
	}
	if e.maxAmount.IsPositive() && amount.GreaterThan(e.maxAmount) {
		return ledger.Errorf(ledger.CodeInvalidAmount, "amount %s exceeds max %s", amount, e.maxAmount)
	}
	return nil
}

func validateLineItems(items []ledger.LineItem) error {
	for _, li := range items {
		if strings.TrimSpace(li.Name) == "" || li.Quantity <= 0 || li.UnitPrice.IsNegative() {
			return ledger.Errorf(ledger.CodeInvalidArgument, "invalid line item %q", li.Name)
		}
	}
	return nil
}

func eligible(a ledger.Account) error {
	if !a.CanPayOnline() {
		return ledger.Errorf(ledger.CodeAccountNotEligible, "card is %s, online payments enabled=%t", a.Status, a.OnlinePaymentsEnabled)
	}
	return nil
}

// CreateIntent records a pending payment. It does not touch the balance.
func (e *Engine) CreateIntent(ctx context.Context, req CreateIntentRequest) (ledger.Intent, error) {
	if req.AccountID == "" || req.IdempotencyKey == "" {
		return ledger.Intent{}, ledger.Errorf(ledger.CodeInvalidArgument, "account id and idempotency key are required")
	}
	intentID := uuid.NewString()

	var (
		out     ledger.Intent
		account ledger.Account
	)
	err := ledger.WithTx(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		if _, used, err := tx.FindIntentByKey(ctx, req.IdempotencyKey); err != nil {
			return err
		} else if used {
			return ledger.Errorf(ledger.CodeDuplicateOperation, "idempotency key %q already used", req.IdempotencyKey)
		}
		if err := e.validateAmount(req.Amount); err != nil {
			return err
		}
		if err := validateLineItems(req.LineItems); err != nil {
			return err
		}
		a, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if err := eligible(a); err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		i := ledger.Intent{
			ID:             intentID,
			AccountID:      a.ID,
			UserID:         a.UserID,
			Amount:         req.Amount,
			Description:    req.Description,
			State:          ledger.IntentPending,
			IdempotencyKey: req.IdempotencyKey,
			ExternalRef:    req.ExternalRef,
			LineItems:      req.LineItems,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertIntent(ctx, i); err != nil {
			return err
		}
		out, account = i, a
		return nil
	})
	if err != nil {
		return ledger.Intent{}, err
	}
	logger.From(ctx).Info("payment intent created", "intent_id", out.ID, "account_id", out.AccountID, "amount", out.Amount.String())
	e.publish(ctx, events.ForIntent(out, account))
	return out, nil
}

func (e *Engine) GetIntent(ctx context.Context, intentID string) (ledger.Intent, error) {
	if intentID == "" {
		return ledger.Intent{}, ledger.ErrInvalidArgument
	}
	return e.store.GetIntent(ctx, intentID)
}

// Authorize re-validates the card and checks funds. When the balance is short the intent is
// durably moved to rejected and ErrInsufficientFunds is returned along with the rejected intent.
func (e *Engine) Authorize(ctx context.Context, intentID string) (ledger.Intent, error) {
	if intentID == "" {
		return ledger.Intent{}, ledger.ErrInvalidArgument
	}

	var (
		out       ledger.Intent
		account   ledger.Account
		rejectErr error
	)
	err := ledger.WithTx(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		rejectErr = nil
		i, err := tx.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if i.State != ledger.IntentPending {
			return ledger.Errorf(ledger.CodeInvalidStateTransition, "intent %s is %s, not pending", i.ID, i.State)
		}
		a, err := tx.GetAccount(ctx, i.AccountID)
		if err != nil {
			return err
		}
		if err := eligible(a); err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}

		next := ledger.IntentAuthorized
		if a.Balance.LessThan(i.Amount) {
			next = ledger.IntentRejected
			i.RejectionReason = rejectionInsufficientFunds
			rejectErr = ledger.Errorf(ledger.CodeInsufficientFunds, "balance %s < amount %s", a.Balance, i.Amount)
		}
		if err := i.Transition(next, now); err != nil {
			return err
		}
		if err := tx.UpdateIntent(ctx, i); err != nil {
			return err
		}
		out, account = i, a
		return nil
	})
	if err != nil {
		return ledger.Intent{}, err
	}

	log := logger.From(ctx)
	if rejectErr != nil {
		log.Info("payment intent rejected", "intent_id", out.ID, "reason", out.RejectionReason)
	} else {
		log.Info("payment intent authorized", "intent_id", out.ID)
	}
	e.publish(ctx, events.ForIntent(out, account))
	return out, rejectErr
}

// Confirm debits the card by the intent amount. The balance is re-checked here because
// authorization placed no hold.
func (e *Engine) Confirm(ctx context.Context, intentID string) (ledger.Intent, error) {
	return e.settle(ctx, intentID, ledger.IntentAuthorized, ledger.IntentConfirmed, "")
}

// Refund credits a confirmed payment back to the card.
func (e *Engine) Refund(ctx context.Context, intentID, reason string) (ledger.Intent, error) {
	return e.settle(ctx, intentID, ledger.IntentConfirmed, ledger.IntentRefunded, reason)
}

// settle moves money for a confirm or refund: it updates the card, appends the transaction
// and advances the intent in one ledger transaction.
func (e *Engine) settle(ctx context.Context, intentID string, from, to ledger.IntentState, reason string) (ledger.Intent, error) {
	if intentID == "" {
		return ledger.Intent{}, ledger.ErrInvalidArgument
	}
	txID := uuid.NewString()

	var (
		out     ledger.Intent
		account ledger.Account
	)
	err := ledger.WithTx(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		i, err := tx.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if i.State != from {
			return ledger.Errorf(ledger.CodeInvalidStateTransition, "intent %s is %s, cannot move to %s", i.ID, i.State, to)
		}
		a, err := tx.GetAccount(ctx, i.AccountID)
		if err != nil {
			return err
		}

		var (
			delta decimal.Decimal
			kind  ledger.TransactionKind
			desc  string
		)
		switch to {
		case ledger.IntentConfirmed:
			if a.Balance.LessThan(i.Amount) {
				return ledger.Errorf(ledger.CodeInsufficientFunds, "balance %s < amount %s", a.Balance, i.Amount)
			}
			delta, kind, desc = i.Amount.Neg(), ledger.TransactionKindPayment, "payment"
		case ledger.IntentRefunded:
			if a.Balance.Add(i.Amount).GreaterThan(a.Ceiling) {
				return ledger.Errorf(ledger.CodeCeilingExceeded, "refund of %s would exceed ceiling %s", i.Amount, a.Ceiling)
			}
			delta, kind, desc = i.Amount, ledger.TransactionKindRefund, "refund"
		default:
			return errors.New("payment: unsupported settlement target " + string(to))
		}
		if i.Description != "" {
			desc += ": " + i.Description
		}

		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		before := a.Balance
		a.Balance = a.Balance.Add(delta)
		a.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, ledger.Transaction{
			ID:             txID,
			AccountID:      a.ID,
			UserID:         a.UserID,
			Kind:           kind,
			Amount:         delta,
			BalanceBefore:  before,
			BalanceAfter:   a.Balance,
			Description:    desc,
			IntentID:       i.ID,
			IdempotencyKey: ledger.SettlementKey(i.ID, to),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if to == ledger.IntentRefunded {
			i.RefundReason = reason
		}
		if err := i.Transition(to, now); err != nil {
			return err
		}
		if err := tx.UpdateIntent(ctx, i); err != nil {
			return err
		}
		out, account = i, a
		return nil
	})
	if err != nil {
		return ledger.Intent{}, err
	}

	logger.From(ctx).Info("payment intent "+string(to),
		"intent_id", out.ID,
		"account_id", out.AccountID,
		"amount", out.Amount.String(),
	)
	ev := events.ForIntent(out, account)
	ev.TransactionID = txID
	e.publish(ctx, ev)
	return out, nil
}

// Void cancels a pending or authorized intent. Nothing was debited, so the card is untouched.
func (e *Engine) Void(ctx context.Context, intentID, reason string) (ledger.Intent, error) {
	if intentID == "" {
		return ledger.Intent{}, ledger.ErrInvalidArgument
	}
	var out ledger.Intent
	err := ledger.WithTx(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		i, err := tx.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		if err := i.Transition(ledger.IntentVoided, now); err != nil {
			return err
		}
		i.VoidReason = reason
		if err := tx.UpdateIntent(ctx, i); err != nil {
			return err
		}
		out = i
		return nil
	})
	if err != nil {
		return ledger.Intent{}, err
	}

	logger.From(ctx).Info("payment intent voided", "intent_id", out.ID)
	a, err := e.store.GetAccount(ctx, out.AccountID)
	if err != nil {
		a = ledger.Account{ID: out.AccountID, UserID: out.UserID}
	}
	e.publish(ctx, events.ForIntent(out, a))
	return out, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		logger.From(ctx).Warn("ledger event not published", "kind", string(ev.Kind), "intent_id", ev.IntentID, "err", err)
	}
}
