// Package pricefeed quotes crypto prices in fiat for display.
//
// Prices are informational only: a buy request never stores a crypto
// amount, it is derived from the current quote whenever the request is
// shown.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/circuitbreaker"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/metrics"
	"github.com/mbd888/swapdesk/internal/retry"
)

var (
	ErrPriceUnavailable = apperr.New(apperr.KindUpstream, "price_unavailable", "price temporarily unavailable")
	ErrUnsupportedAsset = apperr.New(apperr.KindValidation, "unsupported_asset", "asset is not quoted")
)

// DisplayPlaces is the precision of derived crypto amounts.
const DisplayPlaces = 8

// Feed quotes one unit of asset in currency.
type Feed interface {
	Price(ctx context.Context, asset, currency string) (decimal.Decimal, error)
}

// CoinIDs maps tickers to CoinGecko coin ids.
var CoinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"USDT": "tether",
	"XMR":  "monero",
	"ZEC":  "zcash",
}

// CryptoAmount derives the crypto amount bought by fiat at price, rounded
// to DisplayPlaces. ok is false for a non-positive price.
func CryptoAmount(fiat, price decimal.Decimal) (amount decimal.Decimal, ok bool) {
	if !price.IsPositive() {
		return decimal.Zero, false
	}
	return fiat.DivRound(price, DisplayPlaces), true
}

func pairKey(asset, currency string) string {
	return strings.ToUpper(asset) + "/" + strings.ToUpper(currency)
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// HTTPFeed fetches prices from a CoinGecko-compatible /simple/price
// endpoint, with a TTL cache, retries and a per-pair circuit breaker.
type HTTPFeed struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

// NewHTTPFeed creates a feed against baseURL (for example
// https://api.coingecko.com/api/v3).
func NewHTTPFeed(baseURL string, cacheTTL time.Duration) *HTTPFeed {
	return &HTTPFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		ttl:     cacheTTL,
		policy:  retry.Default,
		breaker: circuitbreaker.New(5, 30*time.Second),
		now:     time.Now,
		cache:   make(map[string]cachedPrice),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (f *HTTPFeed) Breaker() *circuitbreaker.Breaker {
	return f.breaker
}

// Price returns the cached quote while fresh, otherwise fetches it.
func (f *HTTPFeed) Price(ctx context.Context, asset, currency string) (decimal.Decimal, error) {
	asset = strings.ToUpper(asset)
	currency = strings.ToUpper(currency)
	coin, ok := CoinIDs[asset]
	if !ok {
		return decimal.Zero, ErrUnsupportedAsset
	}

	key := pairKey(asset, currency)
	f.mu.RLock()
	c, hit := f.cache[key]
	f.mu.RUnlock()
	if hit && f.now().Sub(c.fetchedAt) < f.ttl {
		return c.price, nil
	}

	var price decimal.Decimal
	err := f.breaker.Execute(key, func() error {
		return retry.Do(ctx, f.policy, func(ctx context.Context) error {
			p, err := f.fetch(ctx, coin, strings.ToLower(currency))
			if err != nil {
				return err
			}
			price = p
			return nil
		})
	})
	if err != nil {
		return decimal.Zero, apperr.Wrap(ErrPriceUnavailable, err)
	}

	f.mu.Lock()
	f.cache[key] = cachedPrice{price: price, fetchedAt: f.now()}
	f.mu.Unlock()
	return price, nil
}

func (f *HTTPFeed) fetch(ctx context.Context, coin, currency string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", coin)
	q.Set("vs_currencies", currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("price API returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return decimal.Zero, retry.Permanent(err)
		}
		return decimal.Zero, err
	}

	var result map[string]map[string]json.Number
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<16))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	raw, ok := result[coin][currency]
	if !ok {
		return decimal.Zero, retry.Permanent(fmt.Errorf("no %s price for %s", currency, coin))
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, retry.Permanent(fmt.Errorf("invalid price returned: %s", raw))
	}
	return price, nil
}

// Static serves prices from a fixed table.
type Static map[string]decimal.Decimal

// Price implements Feed. Keys are "ASSET/CURRENCY".
func (s Static) Price(_ context.Context, asset, currency string) (decimal.Decimal, error) {
	if p, ok := s[pairKey(asset, currency)]; ok {
		return p, nil
	}
	return decimal.Zero, ErrPriceUnavailable
}

// DefaultTable holds rough quotes used when the live feed is down.
var DefaultTable = Static{
	"BTC/RUB":  decimal.RequireFromString("9000000"),
	"ETH/RUB":  decimal.RequireFromString("300000"),
	"SOL/RUB":  decimal.RequireFromString("15000"),
	"USDT/RUB": decimal.RequireFromString("95"),
	"XMR/RUB":  decimal.RequireFromString("20000"),
	"ZEC/RUB":  decimal.RequireFromString("4000"),
	"BTC/USD":  decimal.RequireFromString("95000"),
	"ETH/USD":  decimal.RequireFromString("3200"),
	"SOL/USD":  decimal.RequireFromString("160"),
	"USDT/USD": decimal.RequireFromString("1"),
	"XMR/USD":  decimal.RequireFromString("210"),
	"ZEC/USD":  decimal.RequireFromString("45"),
}

// Fallback serves from primary and drops to a static table on failure.
type Fallback struct {
	primary Feed
	table   Static
}

// NewFallback wraps primary with table.
func NewFallback(primary Feed, table Static) *Fallback {
	return &Fallback{primary: primary, table: table}
}

// Price implements Feed.
func (f *Fallback) Price(ctx context.Context, asset, currency string) (decimal.Decimal, error) {
	p, err := f.primary.Price(ctx, asset, currency)
	if err == nil {
		return p, nil
	}

	static, serr := f.table.Price(ctx, asset, currency)
	if serr != nil {
		return decimal.Zero, err
	}

	key := pairKey(asset, currency)
	metrics.PriceFeedFallbacks.WithLabelValues(key).Inc()
	logging.L(ctx).Warn("price feed failed, using static table",
		"pair", key,
		"error", err,
	)
	return static, nil
}

var (
	_ Feed = (*HTTPFeed)(nil)
	_ Feed = Static(nil)
	_ Feed = (*Fallback)(nil)
)
