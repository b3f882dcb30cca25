package ledger

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/money"
	"github.com/mbd888/marketledger/internal/pagination"
	"github.com/mbd888/marketledger/internal/validation"
)

// PaymentMethodRegistry stores withdrawal destinations.
type PaymentMethodRegistry interface {
	AddPaymentMethod(ctx context.Context, pm *PaymentMethod) error
}

// Handler provides HTTP endpoints for the caller's wallet.
type Handler struct {
	service *Service
	methods PaymentMethodRegistry
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, methods PaymentMethodRegistry) *Handler {
	return &Handler{service: service, methods: methods}
}

// RegisterProtectedRoutes sets up wallet routes. The group must run
// auth.RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.POST("/wallet/deposit", h.Deposit)
	r.POST("/wallet/withdraw", h.Withdraw)
	r.POST("/wallet/transfer-pending", h.TransferPending)
	r.POST("/wallet/payment-methods", h.AddPaymentMethod)
}

// DepositRequest is the body of POST /v1/wallet/deposit.
type DepositRequest struct {
	Amount     string `json:"amount" binding:"required"`
	PaymentRef string `json:"paymentRef"`
}

// WithdrawRequest is the body of POST /v1/wallet/withdraw.
type WithdrawRequest struct {
	Amount          string `json:"amount" binding:"required"`
	PaymentMethodID int64  `json:"paymentMethodId" binding:"required"`
}

// PaymentMethodRequest is the body of POST /v1/wallet/payment-methods.
type PaymentMethodRequest struct {
	CardType  string `json:"cardType" binding:"required"`
	LastFour  string `json:"lastFourDigits" binding:"required,len=4,numeric"`
	IsDefault bool   `json:"isDefault"`
}

// GetBalance handles GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balances, err := h.service.Balance(c.Request.Context(), auth.UserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balances})
}

// ListTransactions handles GET /v1/wallet/transactions?cursor=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := pagination.DefaultLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	limit = pagination.ClampLimit(limit)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		BadRequest(c, "invalid_cursor", err.Error())
		return
	}
	var beforeID int64
	if cursor != nil {
		beforeID = cursor.ID
	}

	txns, err := h.service.HistoryPage(c.Request.Context(), auth.UserID(c), beforeID, limit)
	if err != nil {
		RespondError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, int64) {
		return t.CreatedAt, t.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// Deposit handles POST /v1/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("paymentRef", req.PaymentRef, 100),
	); len(errs) > 0 {
		RespondInvalid(c, errs)
		return
	}
	amount, _ := money.ParsePositive(req.Amount)
	ref := validation.SanitizeString(req.PaymentRef, 100)

	userID := auth.UserID(c)
	entry, err := WithRetry(c.Request.Context(), func(ctx context.Context) (*Transaction, error) {
		return h.service.Deposit(ctx, userID, amount, ref)
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": entry})
}

// Withdraw handles POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.PositiveID("paymentMethodId", req.PaymentMethodID),
	); len(errs) > 0 {
		RespondInvalid(c, errs)
		return
	}
	amount, _ := money.ParsePositive(req.Amount)

	userID := auth.UserID(c)
	entry, err := WithRetry(c.Request.Context(), func(ctx context.Context) (*Transaction, error) {
		return h.service.Withdraw(ctx, userID, amount, req.PaymentMethodID)
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": entry})
}

// TransferPending handles POST /v1/wallet/transfer-pending
func (h *Handler) TransferPending(c *gin.Context) {
	userID := auth.UserID(c)
	entry, err := WithRetry(c.Request.Context(), func(ctx context.Context) (*Transaction, error) {
		return h.service.TransferPendingToAvailable(ctx, userID)
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": entry})
}

// AddPaymentMethod handles POST /v1/wallet/payment-methods
func (h *Handler) AddPaymentMethod(c *gin.Context) {
	var req PaymentMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid_request", "cardType and a 4 digit lastFourDigits are required")
		return
	}
	pm := &PaymentMethod{
		UserID:    auth.UserID(c),
		CardType:  validation.SanitizeString(req.CardType, 30),
		LastFour:  req.LastFour,
		IsDefault: req.IsDefault,
	}
	if err := h.methods.AddPaymentMethod(c.Request.Context(), pm); err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"paymentMethod": pm})
}
