package ledger_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const handlerSecret = "0123456789abcdef0123456789abcdef"

type walletAPI struct {
	router *gin.Engine
	tokens *auth.Manager
	mem    *store.MemoryStore
}

func setupWalletRouter(t *testing.T) *walletAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemoryStore()
	svc := ledger.NewService(mem.Ledger(), nil)
	tokens := auth.NewManager(handlerSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(tokens), auth.RequireAuth())
	ledger.NewHandler(svc, mem).RegisterProtectedRoutes(v1)

	return &walletAPI{router: r, tokens: tokens, mem: mem}
}

func (a *walletAPI) do(t *testing.T, userID int64, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		token, err := a.tokens.Issue(userID, false)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type balanceResponse struct {
	Balance ledger.Balances `json:"balance"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func TestHandler_RequiresAuth(t *testing.T) {
	api := setupWalletRouter(t)
	w := api.do(t, 0, http.MethodGet, "/v1/wallet/balance", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_DepositAndBalance(t *testing.T) {
	api := setupWalletRouter(t)

	w := api.do(t, 1, http.MethodPost, "/v1/wallet/deposit", ledger.DepositRequest{Amount: "150.50", PaymentRef: "card"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(t, 1, http.MethodGet, "/v1/wallet/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	b := decode[balanceResponse](t, w).Balance
	assert.Equal(t, "150.50", b.Available)
	assert.Equal(t, "0.00", b.InEscrow)
	assert.Equal(t, "EGP", b.Currency)

	// Another user sees only their own wallet.
	w = api.do(t, 2, http.MethodGet, "/v1/wallet/balance", nil)
	assert.Equal(t, "0.00", decode[balanceResponse](t, w).Balance.Available)
}

func TestHandler_DepositValidation(t *testing.T) {
	api := setupWalletRouter(t)

	for _, amount := range []string{"0", "-1", "1.234", "abc", "1000000000000"} {
		w := api.do(t, 1, http.MethodPost, "/v1/wallet/deposit", ledger.DepositRequest{Amount: amount})
		assert.Equal(t, http.StatusBadRequest, w.Code, "amount %q", amount)
	}

	w := api.do(t, 1, http.MethodPost, "/v1/wallet/deposit", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode[errorResponse](t, w).Error)
}

func TestHandler_DepositBeyondBalanceLimit(t *testing.T) {
	api := setupWalletRouter(t)

	w := api.do(t, 1, http.MethodPost, "/v1/wallet/deposit", ledger.DepositRequest{Amount: "999999999999.99"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(t, 1, http.MethodPost, "/v1/wallet/deposit", ledger.DepositRequest{Amount: "0.01"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "balance_limit_exceeded", decode[errorResponse](t, w).Error)
}

func TestHandler_WithdrawFlow(t *testing.T) {
	api := setupWalletRouter(t)
	api.do(t, 1, http.MethodPost, "/v1/wallet/deposit", ledger.DepositRequest{Amount: "50"})

	w := api.do(t, 1, http.MethodPost, "/v1/wallet/payment-methods", ledger.PaymentMethodRequest{CardType: "Visa", LastFour: "4242"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pm := decode[struct {
		PaymentMethod ledger.PaymentMethod `json:"paymentMethod"`
	}](t, w).PaymentMethod

	w = api.do(t, 1, http.MethodPost, "/v1/wallet/withdraw", ledger.WithdrawRequest{Amount: "60", PaymentMethodID: pm.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_funds", decode[errorResponse](t, w).Error)

	// Someone else's card is not found.
	w = api.do(t, 2, http.MethodPost, "/v1/wallet/withdraw", ledger.WithdrawRequest{Amount: "1", PaymentMethodID: pm.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, 1, http.MethodPost, "/v1/wallet/withdraw", ledger.WithdrawRequest{Amount: "50", PaymentMethodID: pm.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(t, 1, http.MethodGet, "/v1/wallet/balance", nil)
	assert.Equal(t, "0.00", decode[balanceResponse](t, w).Balance.Available)
}

func TestHandler_PaymentMethodValidation(t *testing.T) {
	api := setupWalletRouter(t)
	w := api.do(t, 1, http.MethodPost, "/v1/wallet/payment-methods", ledger.PaymentMethodRequest{CardType: "Visa", LastFour: "42a2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_TransferPendingWithoutFunds(t *testing.T) {
	api := setupWalletRouter(t)
	w := api.do(t, 3, http.MethodPost, "/v1/wallet/transfer-pending", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "no_pending_funds", decode[errorResponse](t, w).Error)
}

func TestHandler_ListTransactionsPaginates(t *testing.T) {
	api := setupWalletRouter(t)
	for _, amount := range []string{"1", "2", "3", "4", "5"} {
		w := api.do(t, 1, http.MethodPost, "/v1/wallet/deposit", ledger.DepositRequest{Amount: amount})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	type page struct {
		Transactions []ledger.Transaction `json:"transactions"`
		NextCursor   string               `json:"nextCursor"`
		HasMore      bool                 `json:"hasMore"`
	}

	w := api.do(t, 1, http.MethodGet, "/v1/wallet/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[page](t, w)
	require.Len(t, first.Transactions, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "5.00", first.Transactions[0].Amount.StringFixed(2))

	var all []ledger.Transaction
	all = append(all, first.Transactions...)
	cursor := first.NextCursor
	for cursor != "" {
		w = api.do(t, 1, http.MethodGet, "/v1/wallet/transactions?limit=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, w.Code)
		p := decode[page](t, w)
		all = append(all, p.Transactions...)
		cursor = p.NextCursor
	}
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].ID, all[i].ID, "newest first")
	}

	w = api.do(t, 1, http.MethodGet, "/v1/wallet/transactions?cursor=bm9wZQ==", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
