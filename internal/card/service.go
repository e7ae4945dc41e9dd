// Package card is the Card Account Manager: it issues one virtual card per user and owns every
// administrative change to a card's balance and status.
package card

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"storefront-ledger/internal/events"
	"storefront-ledger/internal/ledger"
	"storefront-ledger/pkg/logger"
)

type Config struct {
	StartingBalance decimal.Decimal
	Ceiling         decimal.Decimal

	Brand    string
	BankName string
	LogoURL  string

	// CVVHashCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	CVVHashCost int

	// FingerprintKey keys the card number fingerprint.
	FingerprintKey []byte
}

// numberAttempts bounds redraws when a generated number is already issued.
const numberAttempts = 8

// Service provides card account operations.
//
// Money invariants:
// - 0 <= balance <= ceiling after every committed write
// - No balance update without a Transaction in the same store transaction
// - Every admin change also appends an Operation
type Service struct {
	store ledger.Store
	gen   *Generator
	cfg   Config
	pub   events.Publisher
	retry ledger.RetryPolicy
	// clock is injectable for deterministic expiry generation in tests.
	clock func() time.Time
}

func NewService(store ledger.Store, gen *Generator, cfg Config) *Service {
	if cfg.CVVHashCost == 0 {
		cfg.CVVHashCost = bcrypt.DefaultCost
	}
	return &Service{
		store: store,
		gen:   gen,
		cfg:   cfg,
		pub:   events.Nop{},
		clock: time.Now,
	}
}

func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.pub = p
	return s
}

func (s *Service) WithRetryPolicy(p ledger.RetryPolicy) *Service {
	s.retry = p
	return s
}

// Issued is a freshly created card. The full number and CVV are only ever available here;
// the store keeps the masked number and a CVV hash.
type Issued struct {
	Account    ledger.Account `json:"account"`
	CardNumber string         `json:"card_number"`
	CVV        string         `json:"cvv"`
}

// CreateAccount issues the user's card with the configured starting balance.
// It fails with ErrDuplicateAccount when the user already owns one.
func (s *Service) CreateAccount(ctx context.Context, userID, holderName string) (Issued, error) {
	userID = strings.TrimSpace(userID)
	holderName = strings.TrimSpace(holderName)
	if userID == "" || holderName == "" {
		return Issued{}, ledger.Errorf(ledger.CodeInvalidArgument, "user id and holder name are required")
	}

	expiry, err := s.gen.Expiry(s.clock().UTC())
	if err != nil {
		return Issued{}, err
	}
	cvv, err := s.gen.CVV()
	if err != nil {
		return Issued{}, err
	}
	cvvHash, err := bcrypt.GenerateFromPassword([]byte(cvv), s.cfg.CVVHashCost)
	if err != nil {
		return Issued{}, fmt.Errorf("hash cvv: %w", err)
	}

	accountID := uuid.NewString()
	txID := uuid.NewString()

	var (
		out    ledger.Account
		number string
	)
	err = ledger.WithTx(ctx, s.store, s.retry, func(ctx context.Context, tx ledger.Tx) error {
		if _, found, err := tx.FindAccountByUser(ctx, userID); err != nil {
			return err
		} else if found {
			return ledger.Errorf(ledger.CodeDuplicateAccount, "user %s already owns a card", userID)
		}
		n, fp, err := s.unusedNumber(ctx, tx)
		if err != nil {
			return err
		}
		number = n

		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		a := ledger.Account{
			ID:                    accountID,
			UserID:                userID,
			CardNumber:            Mask(number),
			CardFingerprint:       fp,
			HolderName:            holderName,
			Expiry:                expiry,
			CVVHash:               string(cvvHash),
			Balance:               s.cfg.StartingBalance,
			Ceiling:               s.cfg.Ceiling,
			Status:                ledger.AccountStatusActive,
			OnlinePaymentsEnabled: true,
			Brand:                 s.cfg.Brand,
			BankName:              s.cfg.BankName,
			LogoURL:               s.cfg.LogoURL,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := tx.InsertAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, ledger.Transaction{
			ID:             txID,
			AccountID:      a.ID,
			UserID:         userID,
			Kind:           ledger.TransactionKindCredit,
			Amount:         a.Balance,
			BalanceBefore:  decimal.Zero,
			BalanceAfter:   a.Balance,
			Description:    "opening balance",
			IdempotencyKey: ledger.OpeningKey(a.ID),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return Issued{}, err
	}

	logger.From(ctx).Info("card issued", "account_id", out.ID, "user_id", userID)
	s.publish(ctx, events.ForAccount(events.KindAccountCreated, out))
	return Issued{Account: out, CardNumber: number, CVV: cvv}, nil
}

// unusedNumber draws card numbers until one has no issued twin.
func (s *Service) unusedNumber(ctx context.Context, tx ledger.Tx) (string, string, error) {
	for attempt := 0; attempt < numberAttempts; attempt++ {
		number, err := s.gen.Number()
		if err != nil {
			return "", "", err
		}
		fp := s.fingerprint(number)
		taken, err := tx.CardFingerprintExists(ctx, fp)
		if err != nil {
			return "", "", err
		}
		if !taken {
			return number, fp, nil
		}
		logger.From(ctx).Warn("card number collision, redrawing", "attempt", attempt+1)
	}
	return "", "", fmt.Errorf("card: no unused number after %d draws", numberAttempts)
}

func (s *Service) fingerprint(number string) string {
	m := hmac.New(sha256.New, s.cfg.FingerprintKey)
	m.Write([]byte(number))
	return hex.EncodeToString(m.Sum(nil))
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	if accountID == "" {
		return ledger.Account{}, ledger.ErrInvalidArgument
	}
	return s.store.GetAccount(ctx, accountID)
}

// GetAccountByUser returns the user's card, or found=false when none was issued.
func (s *Service) GetAccountByUser(ctx context.Context, userID string) (ledger.Account, bool, error) {
	if userID == "" {
		return ledger.Account{}, false, ledger.ErrInvalidArgument
	}
	return s.store.FindAccountByUser(ctx, userID)
}

// VerifyCVV reports whether cvv matches the code issued with the card.
func (s *Service) VerifyCVV(ctx context.Context, accountID, cvv string) (bool, error) {
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.CVVHash), []byte(cvv)); err != nil {
		return false, nil
	}
	return true, nil
}

type ModifyBalanceRequest struct {
	// Delta is signed: positive credits the card, negative debits it.
	Delta          decimal.Decimal `json:"delta"`
	Description    string          `json:"description"`
	AdminID        string          `json:"admin_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Justification  string          `json:"justification,omitempty"`
}

// ModifyBalance applies an administrator balance adjustment.
//
// Checks, in order: key reuse (ErrDuplicateOperation), zero delta (ErrInvalidAmount), suspended
// card (ErrAccountSuspended), negative result (ErrNegativeBalance), ceiling (ErrCeilingExceeded).
// Any failure leaves the card, its transactions and the operation log untouched. Caller keys are
// stored under ledger.AdminKey.
func (s *Service) ModifyBalance(ctx context.Context, accountID string, req ModifyBalanceRequest) (ledger.Account, error) {
	if accountID == "" || req.AdminID == "" || req.IdempotencyKey == "" {
		return ledger.Account{}, ledger.Errorf(ledger.CodeInvalidArgument, "account id, admin id and idempotency key are required")
	}

	txID := uuid.NewString()
	opID := uuid.NewString()

	var out ledger.Account
	err := ledger.WithTx(ctx, s.store, s.retry, func(ctx context.Context, tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if used, err := tx.TransactionKeyExists(ctx, ledger.AdminKey(req.IdempotencyKey)); err != nil {
			return err
		} else if used {
			return ledger.Errorf(ledger.CodeDuplicateOperation, "idempotency key %q already used", req.IdempotencyKey)
		}
		if req.Delta.IsZero() {
			return ledger.Errorf(ledger.CodeInvalidAmount, "delta must be non-zero")
		}
		if a.Status == ledger.AccountStatusSuspended {
			return ledger.ErrAccountSuspended
		}
		next := a.Balance.Add(req.Delta)
		if next.IsNegative() {
			return ledger.Errorf(ledger.CodeNegativeBalance, "balance %s + %s < 0", a.Balance, req.Delta)
		}
		if next.GreaterThan(a.Ceiling) {
			return ledger.Errorf(ledger.CodeCeilingExceeded, "balance %s + %s > ceiling %s", a.Balance, req.Delta, a.Ceiling)
		}

		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		kind := ledger.TransactionKindCredit
		if req.Delta.IsNegative() {
			kind = ledger.TransactionKindDebit
		}
		before := a.Balance
		a.Balance = next
		a.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, ledger.Transaction{
			ID:             txID,
			AccountID:      a.ID,
			UserID:         a.UserID,
			Kind:           kind,
			Amount:         req.Delta,
			BalanceBefore:  before,
			BalanceAfter:   next,
			Description:    req.Description,
			AdminID:        req.AdminID,
			IdempotencyKey: ledger.AdminKey(req.IdempotencyKey),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := tx.AppendOperation(ctx, ledger.Operation{
			ID:            opID,
			AdminID:       req.AdminID,
			AccountID:     a.ID,
			Action:        ledger.OperationAdjustBalance,
			BalanceBefore: before,
			BalanceAfter:  next,
			StatusBefore:  a.Status,
			StatusAfter:   a.Status,
			Justification: req.Justification,
			TransactionID: txID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}

	logger.From(ctx).Info("card balance adjusted",
		"account_id", out.ID,
		"admin_id", req.AdminID,
		"delta", req.Delta.String(),
	)
	ev := events.ForAccount(events.KindBalanceChanged, out)
	ev.Amount = req.Delta
	ev.TransactionID = txID
	s.publish(ctx, ev)
	return out, nil
}

// SetStatus moves the card to status. Any status may follow any other; setting the current
// status fails with ErrNoOpTransition. A zero-amount lock/unlock transaction records the change.
func (s *Service) SetStatus(ctx context.Context, accountID string, status ledger.AccountStatus, adminID, justification string) (ledger.Account, error) {
	if accountID == "" || adminID == "" {
		return ledger.Account{}, ledger.Errorf(ledger.CodeInvalidArgument, "account id and admin id are required")
	}
	if !status.Valid() {
		return ledger.Account{}, ledger.Errorf(ledger.CodeInvalidArgument, "unknown status %q", status)
	}

	txID := uuid.NewString()
	opID := uuid.NewString()

	var out ledger.Account
	err := ledger.WithTx(ctx, s.store, s.retry, func(ctx context.Context, tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.Status == status {
			return ledger.Errorf(ledger.CodeNoOpTransition, "card is already %s", status)
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}

		kind := ledger.TransactionKindLock
		if status == ledger.AccountStatusActive {
			kind = ledger.TransactionKindUnlock
		}
		before := a.Status
		a.Status = status
		a.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, ledger.Transaction{
			ID:             txID,
			AccountID:      a.ID,
			UserID:         a.UserID,
			Kind:           kind,
			Amount:         decimal.Zero,
			BalanceBefore:  a.Balance,
			BalanceAfter:   a.Balance,
			Description:    fmt.Sprintf("status %s -> %s", before, status),
			AdminID:        adminID,
			IdempotencyKey: ledger.StatusKey(txID),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := tx.AppendOperation(ctx, ledger.Operation{
			ID:            opID,
			AdminID:       adminID,
			AccountID:     a.ID,
			Action:        ledger.OperationSetStatus,
			BalanceBefore: a.Balance,
			BalanceAfter:  a.Balance,
			StatusBefore:  before,
			StatusAfter:   status,
			Justification: justification,
			TransactionID: txID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}

	logger.From(ctx).Info("card status changed", "account_id", out.ID, "admin_id", adminID, "status", string(status))
	s.publish(ctx, events.ForAccount(events.KindStatusChanged, out))
	return out, nil
}

// SetOnlinePayments lets the card holder turn online payments on or off.
// It does not touch the balance, so no transaction is written.
func (s *Service) SetOnlinePayments(ctx context.Context, accountID string, enabled bool) (ledger.Account, error) {
	if accountID == "" {
		return ledger.Account{}, ledger.ErrInvalidArgument
	}
	var out ledger.Account
	err := ledger.WithTx(ctx, s.store, s.retry, func(ctx context.Context, tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.OnlinePaymentsEnabled == enabled {
			out = a
			return nil
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		a.OnlinePaymentsEnabled = enabled
		a.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.publish(ctx, events.ForAccount(events.KindStatusChanged, out))
	return out, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		logger.From(ctx).Warn("ledger event not published", "kind", string(ev.Kind), "account_id", ev.AccountID, "err", err)
	}
}
