package walletaddr

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/swapdesk/internal/apperr"
)

func TestValid(t *testing.T) {
	xmr := "44AFFq5kSiGBoZ4NMDwYtN18obc8AemS33DBLWs3H7otXft3XjrpDtQGv7SqSsaBYBb98uNbr2VBBEt7f2wfn3RVGQBEP3A"

	tests := []struct {
		name    string
		asset   string
		network string
		address string
		want    bool
	}{
		{"btc legacy", "BTC", "", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{"btc p2sh", "BTC", "", "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", true},
		{"btc bech32", "BTC", "", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{"btc garbage", "BTC", "", "not-an-address", false},
		{"btc lowercase asset", "btc", "", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{"eth mixed case", "ETH", "", "0xAbC1230000000000000000000000000000000dEf", true},
		{"eth no prefix", "ETH", "", "AbC1230000000000000000000000000000000dEf", false},
		{"eth upper prefix", "ETH", "", "0XAbC1230000000000000000000000000000000dEf", false},
		{"eth short", "ETH", "", "0xabc", false},
		{"eth non hex", "ETH", "", "0xZZZ1230000000000000000000000000000000dEf", false},
		{"sol", "SOL", "", "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV", true},
		{"sol with zero", "SOL", "", "0EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV", false},
		{"usdt trc20", "USDT", "TRC20", "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", true},
		{"usdt trc20 alias", "USDT", "tron", "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", true},
		{"usdt trc20 rejects evm", "USDT", "TRC-20", "0xAbC1230000000000000000000000000000000dEf", false},
		{"usdt spl", "USDT", "SPL", "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV", true},
		{"usdt bep20", "USDT", "BEP20", "0xAbC1230000000000000000000000000000000dEf", true},
		{"usdt default erc20", "USDT", "", "0xAbC1230000000000000000000000000000000dEf", true},
		{"usdt default rejects tron", "USDT", "", "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", false},
		{"xmr", "XMR", "", xmr, true},
		{"xmr short", "XMR", "", xmr[:90], false},
		{"zec transparent", "ZEC", "", "t1Rv4exT7bqhZqi2j7xz8bUHDMxwosrjADU", true},
		{"zec sapling", "ZEC", "", "zs1" + strings.Repeat("a", 40), true},
		{"zec bad prefix", "ZEC", "", "t2Rv4exT7bqhZqi2j7xz8bUHDMxwosrjADU", false},
		{"unknown asset", "DOGE", "", "anything", true},
		{"unknown asset empty", "DOGE", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.asset, tt.network, tt.address))
		})
	}
}

func TestNormalizeNetwork(t *testing.T) {
	assert.Equal(t, NetworkTRC20, NormalizeNetwork("trc-20"))
	assert.Equal(t, NetworkSPL, NormalizeNetwork("Solana"))
	assert.Equal(t, NetworkBEP20, NormalizeNetwork("BSC"))
	assert.Equal(t, NetworkERC20, NormalizeNetwork(""))
	assert.Equal(t, NetworkERC20, NormalizeNetwork("polygon"))
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check("ETH", "", "0x52908400098527886E0F7030069857D2E4169EE7"))
	err := Check("ETH", "", "0x123")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestHandler_Validate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler().RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets/validate",
		strings.NewReader(`{"asset":"USDT","network":"tron","address":"TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"asset":"USDT","network":"TRC-20","valid":true}`, w.Body.String())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/wallets/validate", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
