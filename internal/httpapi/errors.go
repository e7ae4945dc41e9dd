package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront-ledger/internal/ledger"
	"storefront-ledger/pkg/logger"
)

// statusFor maps a ledger error code onto an HTTP status.
func statusFor(code ledger.Code) int {
	switch code {
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeInvalidArgument, ledger.CodeInvalidAmount:
		return http.StatusBadRequest
	case ledger.CodeDuplicateAccount, ledger.CodeDuplicateOperation,
		ledger.CodeNoOpTransition, ledger.CodeInvalidStateTransition:
		return http.StatusConflict
	case ledger.CodeAccountSuspended, ledger.CodeAccountNotEligible,
		ledger.CodeNegativeBalance, ledger.CodeCeilingExceeded:
		return http.StatusUnprocessableEntity
	case ledger.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case ledger.CodeConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody exposes the message of client errors and conflicts only.
func errorBody(err error) gin.H {
	code := ledger.CodeOf(err)
	if !ledger.IsClientError(err) && code != ledger.CodeConflict {
		return gin.H{"error": "internal error"}
	}
	var le *ledger.Error
	msg := err.Error()
	if errors.As(err, &le) && le.Message != "" {
		msg = le.Message
	}
	return gin.H{"error": msg, "code": string(code)}
}

// writeError aborts with the mapped status. Failures other than client errors are attached to
// the gin context so the request logger records them.
func writeError(c *gin.Context, err error) {
	if ledger.IsClientError(err) {
		logger.FromGin(c).Debug("request rejected", "code", string(ledger.CodeOf(err)), "err", err)
	} else {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(statusFor(ledger.CodeOf(err)), errorBody(err))
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": string(ledger.CodeInvalidArgument)})
}
