package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T, admin bool) (*Manager, string) {
	t.Helper()
	mgr := NewManager(testSecret)
	token, err := mgr.Issue(7, admin)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return mgr, token
}

// --- Middleware() ---

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	mgr, token := setupMiddlewareTest(t, false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	Middleware(mgr)(c)

	if got := UserID(c); got != 7 {
		t.Fatalf("Expected user 7 in context, got %d", got)
	}
	if IsAdmin(c) {
		t.Error("Expected non-admin caller")
	}
	if got := logging.UserID(c.Request.Context()); got != 7 {
		t.Errorf("Expected user id on request context, got %d", got)
	}
}

func TestMiddleware_TokenQueryParam(t *testing.T) {
	mgr, token := setupMiddlewareTest(t, true)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/ws?token="+token, nil)

	Middleware(mgr)(c)

	if !IsAdmin(c) {
		t.Error("Expected admin claims via token query param")
	}
}

func TestMiddleware_InvalidToken_DoesNotAbort(t *testing.T) {
	mgr, _ := setupMiddlewareTest(t, false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer not-a-jwt")

	Middleware(mgr)(c)

	if _, exists := c.Get(ContextKeyClaims); exists {
		t.Error("Expected claims NOT to be set for invalid token")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid token")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_NoAuth_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	RequireAuth()(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if !c.IsAborted() {
		t.Error("Expected request to be aborted")
	}
}

func TestRequireAuth_WithAuth_Passes(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Set(ContextKeyClaims, &Claims{UserID: 7})

	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("Expected request to pass through when authenticated")
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		claims *Claims
		want   int
		abort  bool
	}{
		{"anonymous", nil, http.StatusUnauthorized, true},
		{"regular user", &Claims{UserID: 7}, http.StatusForbidden, true},
		{"admin", &Claims{UserID: 1, Admin: true}, http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request, _ = http.NewRequest("POST", "/v1/admin/disputes/1/resolve", nil)
			if tt.claims != nil {
				c.Set(ContextKeyClaims, tt.claims)
			}

			RequireAdmin()(c)

			if c.IsAborted() != tt.abort {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tt.abort)
			}
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

// --- Full chain ---

func TestMiddlewareChain(t *testing.T) {
	mgr, token := setupMiddlewareTest(t, false)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/v1/me", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", w.Code)
	}
}
