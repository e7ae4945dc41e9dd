package ledger

import (
	"errors"
	"fmt"
)

// Code is the machine-readable part of a ledger failure. Keep stable; clients switch on it.
type Code string

const (
	CodeDuplicateAccount       Code = "duplicate_account"
	CodeDuplicateOperation     Code = "duplicate_operation"
	CodeNotFound               Code = "not_found"
	CodeInvalidArgument        Code = "invalid_argument"
	CodeInvalidAmount          Code = "invalid_amount"
	CodeAccountSuspended       Code = "account_suspended"
	CodeAccountNotEligible     Code = "account_not_eligible"
	CodeNegativeBalance        Code = "negative_balance"
	CodeCeilingExceeded        Code = "ceiling_exceeded"
	CodeInsufficientFunds      Code = "insufficient_funds"
	CodeNoOpTransition         Code = "no_op_transition"
	CodeInvalidStateTransition Code = "invalid_state_transition"
	CodeUnsupportedSchema      Code = "unsupported_schema"
	CodeConflict               Code = "conflict"
)

// Error is a typed ledger failure. Two Errors match under errors.Is when their codes match,
// so a detailed error still satisfies the package sentinel of the same code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrDuplicateAccount       = &Error{Code: CodeDuplicateAccount, Message: "user already owns a card account"}
	ErrDuplicateOperation     = &Error{Code: CodeDuplicateOperation, Message: "idempotency key already used"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrInvalidAmount          = &Error{Code: CodeInvalidAmount, Message: "invalid amount"}
	ErrAccountSuspended       = &Error{Code: CodeAccountSuspended, Message: "account is suspended"}
	ErrAccountNotEligible     = &Error{Code: CodeAccountNotEligible, Message: "account cannot pay online"}
	ErrNegativeBalance        = &Error{Code: CodeNegativeBalance, Message: "balance would become negative"}
	ErrCeilingExceeded        = &Error{Code: CodeCeilingExceeded, Message: "balance would exceed ceiling"}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrNoOpTransition         = &Error{Code: CodeNoOpTransition, Message: "status unchanged"}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, Message: "invalid state transition"}
	ErrUnsupportedSchema      = &Error{Code: CodeUnsupportedSchema, Message: "unsupported record schema"}

	// ErrConflict is returned by a Store when an optimistic transaction was aborted because a
	// document it observed changed before commit. It is the only retryable ledger error.
	ErrConflict = &Error{Code: CodeConflict, Message: "concurrent modification"}
)

// CodeOf extracts the ledger code from err, or "" when err is not a ledger error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true for deterministic validation and business-rule failures.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case "", CodeConflict, CodeUnsupportedSchema:
		return false
	default:
		return true
	}
}
