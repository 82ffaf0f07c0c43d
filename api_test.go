package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchengine/internal/asset"
	"matchengine/internal/engine"
	"matchengine/internal/market"
	"matchengine/internal/metrics"
)

// fakeListing 内存中的配置来源
type fakeListing struct {
	mu       sync.Mutex
	assets   []asset.Asset
	markets  []market.Config
	listed   map[string]bool
	saved    []string
	closings map[string]decimal.Decimal
}

func newFakeListing() *fakeListing {
	return &fakeListing{listed: make(map[string]bool)}
}

func (f *fakeListing) LoadAssets(_ context.Context, listed bool) ([]asset.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []asset.Asset
	for _, a := range f.assets {
		if f.listed[a.Symbol] == listed {
			list = append(list, a)
		}
	}
	return list, nil
}

func (f *fakeListing) LoadMarkets(_ context.Context, listed bool) ([]market.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []market.Config
	for _, c := range f.markets {
		if f.listed[c.Name] == listed {
			list = append(list, c)
		}
	}
	return list, nil
}

func (f *fakeListing) MarkAssetListed(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed[name] = true
	return nil
}

func (f *fakeListing) MarkMarketListed(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed[name] = true
	return nil
}

func (f *fakeListing) SaveAsset(_ context.Context, a asset.Asset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, "asset:"+a.Symbol)
	return nil
}

func (f *fakeListing) SaveMarket(_ context.Context, c market.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, "market:"+c.Name)
	return nil
}

func (f *fakeListing) SaveClosingPrice(_ context.Context, prices map[string]decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closings = prices
	return nil
}

func startEngine(t *testing.T, m *metrics.Metrics) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{}, engine.Options{Metrics: m})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, bootstrap(context.Background(), e,
		[]asset.Asset{{Symbol: "BTC", Prec: 8, ShowPrec: 4}, {Symbol: "USDT", Prec: 8, ShowPrec: 2}},
		[]market.Config{{Name: "BTC_USDT", Stock: "BTC", Money: "USDT", StockPrec: 4, MoneyPrec: 2, FeePrec: 2, IncludeFee: true}},
	))
	return e
}

type client struct {
	t   *testing.T
	url string
}

func (c client) do(method, path string, body interface{}, out interface{}) int {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.url+path, r)
	require.NoError(c.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error apiError `json:"error"`
}

func order(user uint32, side market.Side, amount, price string) map[string]interface{} {
	return map[string]interface{}{
		"market": "BTC_USDT", "user_id": user, "side": side,
		"amount": amount, "price": price, "taker_fee": "0.001", "maker_fee": "0.001",
	}
}

func TestAPIOrderFlow(t *testing.T) {
	m := metrics.New()
	listing := newFakeListing()
	srv := httptest.NewServer(newRouter(&apiServer{engine: startEngine(t, m), metrics: m, listing: listing}))
	defer srv.Close()
	c := client{t: t, url: srv.URL}

	deposit := func(user uint32, symbol string, id uint64, amount string) int {
		return c.do("POST", "/balances", map[string]interface{}{
			"user_id": user, "asset": symbol, "business": "deposit", "business_id": id, "change": amount,
		}, nil)
	}
	require.Equal(t, http.StatusOK, deposit(1, "BTC", 1, "10"))
	require.Equal(t, http.StatusOK, deposit(2, "USDT", 2, "10000"))

	var dup errorBody
	assert.Equal(t, http.StatusConflict, c.do("POST", "/balances", map[string]interface{}{
		"user_id": 1, "asset": "BTC", "business": "deposit", "business_id": 1, "change": "10",
	}, &dup))
	assert.Equal(t, "repeat_update", dup.Error.Code)

	var ask market.Result
	require.Equal(t, http.StatusOK, c.do("POST", "/orders/limit", order(1, market.Ask, "2", "100"), &ask))
	assert.Empty(t, ask.Deals)
	assert.True(t, decimal.NewFromInt(2).Equal(ask.Order.Left))

	// 试算不改变盘口
	var sim market.Result
	require.Equal(t, http.StatusOK, c.do("POST", "/orders/limit?simulate=1", order(2, market.Bid, "1", "100"), &sim))
	assert.Len(t, sim.Deals, 1)
	var st market.Status
	require.Equal(t, http.StatusOK, c.do("GET", "/markets/BTC_USDT/status", nil, &st))
	assert.Equal(t, 1, st.AskCount)
	assert.True(t, decimal.NewFromInt(2).Equal(st.AskAmount))

	var bid market.Result
	require.Equal(t, http.StatusOK, c.do("POST", "/orders/market", order(2, market.Bid, "100", "0"), &bid))
	require.Len(t, bid.Deals, 1)
	assert.True(t, decimal.NewFromInt(1).Equal(bid.Deals[0].Amount))

	path := "/orders/BTC_USDT/" + decimal.NewFromInt(int64(ask.Order.ID)).String()
	var info market.OrderInfo
	require.Equal(t, http.StatusOK, c.do("GET", path, nil, &info))
	assert.True(t, decimal.NewFromInt(1).Equal(info.Left))

	var depth market.Depth
	require.Equal(t, http.StatusOK, c.do("GET", "/markets/BTC_USDT/depth?limit=5", nil, &depth))
	require.Len(t, depth.Asks, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(depth.Asks[0].Price))

	var book engine.OrderPage
	require.Equal(t, http.StatusOK, c.do("GET", "/markets/BTC_USDT/book?side=ask", nil, &book))
	assert.Equal(t, 1, book.Total)
	assert.Equal(t, http.StatusBadRequest, c.do("GET", "/markets/BTC_USDT/book?side=x", nil, nil))

	var mine engine.OrderPage
	require.Equal(t, http.StatusOK, c.do("GET", "/users/1/orders?market=BTC_USDT", nil, &mine))
	assert.Equal(t, 1, mine.Total)

	var denied errorBody
	assert.Equal(t, http.StatusForbidden, c.do("DELETE", path+"?user_id=2", nil, &denied))
	assert.Equal(t, "user_not_match", denied.Error.Code)
	require.Equal(t, http.StatusOK, c.do("DELETE", path+"?user_id=1", nil, &info))
	assert.Equal(t, http.StatusNotFound, c.do("GET", path, nil, nil))

	var balances []engine.AssetBalance
	require.Equal(t, http.StatusOK, c.do("GET", "/users/1/balances?assets=BTC", nil, &balances))
	require.Len(t, balances, 1)
	assert.True(t, decimal.NewFromInt(9).Equal(balances[0].Available))
	assert.True(t, balances[0].Freeze.IsZero())

	var stats map[string]uint64
	require.Equal(t, http.StatusOK, c.do("GET", "/stats", nil, &stats))
	assert.Equal(t, uint64(1), stats["deals_last_id"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "matchengine_orders_total"))
}

func TestAPIErrors(t *testing.T) {
	srv := httptest.NewServer(newRouter(&apiServer{engine: startEngine(t, nil)}))
	defer srv.Close()
	c := client{t: t, url: srv.URL}

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"未知交易对", "GET", "/markets/NOPE/status", nil, http.StatusNotFound, "market_not_found"},
		{"未知资产", "GET", "/assets/DOGE/status", nil, http.StatusNotFound, "asset_not_found"},
		{"余额不足", "POST", "/orders/limit", order(3, market.Bid, "1", "100"), http.StatusBadRequest, "balance_not_enough"},
		{"没有对手盘", "POST", "/orders/market", order(3, market.Ask, "1", "0"), http.StatusBadRequest, "no_enough_trader"},
		{"缺少交易对", "POST", "/orders/limit", map[string]interface{}{"side": 1}, http.StatusBadRequest, "invalid_argument"},
		{"缺少用户", "DELETE", "/orders/BTC_USDT/1", nil, http.StatusBadRequest, "invalid_argument"},
		{"订单不存在", "GET", "/orders/BTC_USDT/99", nil, http.StatusNotFound, "order_not_found"},
		{"零变更", "POST", "/balances", map[string]interface{}{"user_id": 1, "asset": "BTC", "business": "deposit", "business_id": 9, "change": "0"}, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			assert.Equal(t, tt.status, c.do(tt.method, tt.path, tt.body, &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestAPIListing(t *testing.T) {
	listing := newFakeListing()
	srv := httptest.NewServer(newRouter(&apiServer{engine: startEngine(t, nil), listing: listing}))
	defer srv.Close()
	c := client{t: t, url: srv.URL}

	var a asset.Asset
	require.Equal(t, http.StatusOK, c.do("POST", "/assets", map[string]interface{}{"name": "ETH", "prec_save": 8, "prec_show": 4}, &a))
	assert.Equal(t, "ETH", a.Symbol)
	assert.NotZero(t, a.ID)
	assert.Equal(t, http.StatusConflict, c.do("POST", "/assets", map[string]interface{}{"name": "ETH", "prec_save": 8}, nil))

	var summary market.Summary
	require.Equal(t, http.StatusOK, c.do("POST", "/markets", map[string]interface{}{
		"name": "ETH_USDT", "stock": "ETH", "money": "USDT", "stock_prec": 4, "money_prec": 2, "fee_prec": 2,
	}, &summary))
	assert.True(t, summary.IncludeFee)
	assert.Equal(t, http.StatusConflict, c.do("POST", "/markets", map[string]interface{}{
		"name": "ETH_USDT", "stock": "ETH", "money": "USDT",
	}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/markets", map[string]interface{}{
		"name": "X_USDT", "stock": "ETH", "money": "USDT", "stock_prec": 8, "money_prec": 8,
	}, nil))

	var markets []market.Summary
	require.Equal(t, http.StatusOK, c.do("GET", "/markets", nil, &markets))
	require.Len(t, markets, 2)
	assert.Equal(t, "BTC_USDT", markets[0].Name)
	assert.Equal(t, "ETH_USDT", markets[1].Name)

	var assets []asset.Asset
	require.Equal(t, http.StatusOK, c.do("GET", "/assets", nil, &assets))
	assert.Len(t, assets, 3)

	assert.Equal(t, []string{"asset:ETH", "market:ETH_USDT"}, listing.saved)
}

func TestErrorStatusDefault(t *testing.T) {
	status, code := errorStatus(io.EOF)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", code)
}
