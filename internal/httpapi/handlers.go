package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"storefront-ledger/internal/audit"
	"storefront-ledger/internal/auth"
	"storefront-ledger/internal/card"
	"storefront-ledger/internal/events"
	"storefront-ledger/internal/ledger"
	"storefront-ledger/internal/payment"
	"storefront-ledger/internal/rbac"
	"storefront-ledger/internal/reporting"
)

const (
	headerIdempotencyKey = "Idempotency-Key"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Cards      *card.Service
	Payments   *payment.Engine
	Audit      *audit.Service
	Reports    *reporting.Service
	Reconciler *audit.Reconciler
	Events     events.Subscriber

	// Ping checks backing services for /healthz; nil reports ok.
	Ping func(ctx context.Context) error
	// Heartbeat is the SSE keep-alive interval; zero means 15s.
	Heartbeat time.Duration
}

func caller(c *gin.Context) (userID, role string) {
	userID, _ = auth.UserID(c.Request.Context())
	role, _ = auth.Role(c.Request.Context())
	return userID, role
}

func listLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func idempotencyKey(c *gin.Context, fromBody string) string {
	if k := strings.TrimSpace(fromBody); k != "" {
		return k
	}
	return strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
}

func (h Handlers) Health(c *gin.Context) {
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Customer card ---

type createCardRequest struct {
	HolderName string `json:"holder_name"`
}

func (h Handlers) CreateCard(c *gin.Context) {
	uid, _ := caller(c)
	var req createCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	issued, err := h.Cards.CreateAccount(c.Request.Context(), uid, req.HolderName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, issuedView{Card: viewCard(issued.Account), CardNumber: issued.CardNumber, CVV: issued.CVV})
}

// ownCard resolves the caller's card or aborts with 404.
func (h Handlers) ownCard(c *gin.Context) (ledger.Account, bool) {
	uid, _ := caller(c)
	a, ok, err := h.Cards.GetAccountByUser(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return ledger.Account{}, false
	}
	if !ok {
		writeError(c, ledger.Errorf(ledger.CodeNotFound, "no card for this user"))
		return ledger.Account{}, false
	}
	return a, true
}

func (h Handlers) GetCard(c *gin.Context) {
	a, ok := h.ownCard(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewCard(a))
}

type onlinePaymentsRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h Handlers) SetOnlinePayments(c *gin.Context) {
	var req onlinePaymentsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		badRequest(c, "enabled is required")
		return
	}
	a, ok := h.ownCard(c)
	if !ok {
		return
	}
	a, err := h.Cards.SetOnlinePayments(c.Request.Context(), a.ID, *req.Enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewCard(a))
}

func (h Handlers) ListMyTransactions(c *gin.Context) {
	n, ok := listLimit(c)
	if !ok {
		return
	}
	a, ok := h.ownCard(c)
	if !ok {
		return
	}
	txs, err := h.Audit.ListTransactionsForAccount(c.Request.Context(), a.ID, n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// --- Customer payments ---

type createPaymentRequest struct {
	Amount         decimal.Decimal   `json:"amount"`
	Description    string            `json:"description"`
	IdempotencyKey string            `json:"idempotency_key"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	LineItems      []ledger.LineItem `json:"line_items,omitempty"`
}

func (h Handlers) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, ok := h.ownCard(c)
	if !ok {
		return
	}
	i, err := h.Payments.CreateIntent(c.Request.Context(), payment.CreateIntentRequest{
		AccountID:      a.ID,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		ExternalRef:    req.ExternalRef,
		LineItems:      req.LineItems,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, i)
}

// ownedIntent loads the intent and hides it from customers who do not own it.
func (h Handlers) ownedIntent(c *gin.Context) (ledger.Intent, bool) {
	i, err := h.Payments.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return ledger.Intent{}, false
	}
	uid, role := caller(c)
	if i.UserID != uid && !rbac.IsAdmin(role) {
		writeError(c, ledger.ErrNotFound)
		return ledger.Intent{}, false
	}
	return i, true
}

func (h Handlers) GetPayment(c *gin.Context) {
	i, ok := h.ownedIntent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, i)
}

func (h Handlers) AuthorizePayment(c *gin.Context) {
	i, ok := h.ownedIntent(c)
	if !ok {
		return
	}
	out, err := h.Payments.Authorize(c.Request.Context(), i.ID)
	if err != nil {
		// A rejection is durable; the client gets the rejected intent alongside the error.
		if out.ID != "" {
			body := errorBody(err)
			body["intent"] = out
			c.AbortWithStatusJSON(statusFor(ledger.CodeOf(err)), body)
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) ConfirmPayment(c *gin.Context) {
	i, ok := h.ownedIntent(c)
	if !ok {
		return
	}
	out, err := h.Payments.Confirm(c.Request.Context(), i.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) VoidPayment(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json")
			return
		}
	}
	i, ok := h.ownedIntent(c)
	if !ok {
		return
	}
	out, err := h.Payments.Void(c.Request.Context(), i.ID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Admin ---

type adjustBalanceRequest struct {
	Delta          decimal.Decimal `json:"delta"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
	Justification  string          `json:"justification"`
}

// AdjustBalance is the admin balance modification. The acting admin is taken from the token,
// never from the body.
func (h Handlers) AdjustBalance(c *gin.Context) {
	adminID, _ := caller(c)
	var req adjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.Cards.ModifyBalance(c.Request.Context(), c.Param("id"), card.ModifyBalanceRequest{
		Delta:          req.Delta,
		Description:    req.Description,
		AdminID:        adminID,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Justification:  req.Justification,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewCard(a))
}

type setStatusRequest struct {
	Status        ledger.AccountStatus `json:"status"`
	Justification string               `json:"justification"`
}

func (h Handlers) SetStatus(c *gin.Context) {
	adminID, _ := caller(c)
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.Cards.SetStatus(c.Request.Context(), c.Param("id"), req.Status, adminID, req.Justification)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewCard(a))
}

func (h Handlers) ListCardTransactions(c *gin.Context) {
	n, ok := listLimit(c)
	if !ok {
		return
	}
	txs, err := h.Audit.ListTransactionsForAccount(c.Request.Context(), c.Param("id"), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h Handlers) ListOperations(c *gin.Context) {
	n, ok := listLimit(c)
	if !ok {
		return
	}
	var (
		ops []ledger.Operation
		err error
	)
	if accountID := c.Query("account_id"); accountID != "" {
		ops, err = h.Audit.ListOperationsForAccount(c.Request.Context(), accountID, n)
	} else {
		ops, err = h.Audit.ListOperationsForAdmin(c.Request.Context(), c.Query("admin_id"), n)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// CardSummary accepts RFC 3339 from/to; the default window is the last 30 days.
func (h Handlers) CardSummary(c *gin.Context) {
	now := time.Now().UTC()
	rng := reporting.TimeRange{From: now.AddDate(0, 0, -30), To: now.Add(time.Second)}
	for param, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, param+" must be RFC 3339")
			return
		}
		*dst = t
	}
	out, err := h.Reports.CardSummary(c.Request.Context(), reporting.CardSummaryRequest{AccountID: c.Param("id"), Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) VerifyChain(c *gin.Context) {
	rep, err := h.Audit.VerifyChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": rep.OK(), "report": rep})
}

func (h Handlers) Reconcile(c *gin.Context) {
	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}
	res, err := h.Reconciler.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// LastReconcile reports the most recent completed pass without starting a new one.
func (h Handlers) LastReconcile(c *gin.Context) {
	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Reconciler.Last())
}

func (h Handlers) RefundPayment(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	out, err := h.Payments.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
