package balance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/users"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAdjust_CreditAndDebit(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, svc.Adjust(ctx, "u1", "btc", d("0.5"), "deposit"))
	require.NoError(t, svc.Adjust(ctx, "u1", "BTC", d("-0.2"), "withdrawal:1"))

	bals, err := svc.Balances(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bals["BTC"].Equal(d("0.3")), "got %s", bals["BTC"])
}

func TestAdjust_Overdraft(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	require.NoError(t, svc.Adjust(ctx, "u1", "ETH", d("1"), ""))
	err := svc.Adjust(ctx, "u1", "ETH", d("-1.00000001"), "")
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	bals, _ := svc.Balances(ctx, "u1")
	assert.True(t, bals["ETH"].Equal(d("1")))

	hist, _ := svc.History(ctx, "u1", 10)
	assert.Len(t, hist, 1, "rejected adjustment must not be logged")
}

func TestAdjust_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	assert.Equal(t, apperr.KindValidation, apperr.KindOf(svc.Adjust(ctx, "u1", "", d("1"), "")))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(svc.Adjust(ctx, "u1", "BTC", decimal.Zero, "")))
}

func TestAdjust_AmountBounds(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for _, delta := range []string{"1e20", "-1000000000000000000", "0.0000000000000000001"} {
		err := svc.Adjust(ctx, "u1", "BTC", d(delta), "")
		require.Error(t, err, delta)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), delta)
		var ae *apperr.Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, "delta", ae.Field)
	}

	require.NoError(t, svc.Adjust(ctx, "u1", "BTC", d("900000000000000000"), ""))
	err := svc.Adjust(ctx, "u1", "BTC", d("100000000000000000"), "")
	assert.True(t, errors.Is(err, ErrBalanceTooLarge))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	bals, _ := svc.Balances(ctx, "u1")
	assert.True(t, bals["BTC"].Equal(d("900000000000000000")), "rejected credit must not apply")
}

func TestAdjust_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.Adjust(ctx, "u1", "USDT", d("10"), ""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Adjust(ctx, "u1", "USDT", d("-1"), "") == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	bals, _ := svc.Balances(ctx, "u1")
	_, present := bals["USDT"]
	assert.False(t, present, "zero balances are omitted")
}

func TestHistory_NewestFirst(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.Adjust(ctx, "u1", "SOL", d("1"), "first"))
	require.NoError(t, svc.Adjust(ctx, "u2", "SOL", d("1"), "other"))
	require.NoError(t, svc.Adjust(ctx, "u1", "SOL", d("2"), "second"))

	hist, err := svc.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "second", hist[0].Reference)
	assert.Equal(t, "first", hist[1].Reference)
}

func withIdentity(id auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, id)
		c.Next()
	}
}

func TestHandler_AdminAdjustAndMyBalances(t *testing.T) {
	svc := NewService(NewMemoryStore())
	h := NewHandler(svc)

	admin := gin.New()
	admin.Use(withIdentity(auth.Identity{UserID: "adm", Username: "root", Role: users.RoleAdmin}))
	h.RegisterAdminRoutes(admin.Group("/v1/admin"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/users/u1/balance-adjustments",
		strings.NewReader(`{"asset":"XMR","delta":"2.5"}`))
	req.Header.Set("Content-Type", "application/json")
	admin.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	hist, _ := svc.History(context.Background(), "u1", 1)
	require.Len(t, hist, 1)
	assert.Equal(t, "manual:root", hist[0].Reference)

	user := gin.New()
	user.Use(withIdentity(auth.Identity{UserID: "u1", Role: users.RoleUser}))
	h.RegisterProtectedRoutes(user.Group("/v1"))

	w = httptest.NewRecorder()
	user.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me/balances", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"XMR":"2.5"`)
}

func TestHandler_AdjustOverdraft(t *testing.T) {
	r := gin.New()
	r.Use(withIdentity(auth.Identity{UserID: "adm", Role: users.RoleAdmin}))
	NewHandler(NewService(NewMemoryStore())).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/users/u1/balance-adjustments",
		strings.NewReader(`{"asset":"BTC","delta":"-1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
}
