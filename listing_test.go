package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchengine/internal/asset"
	"matchengine/internal/config"
	"matchengine/internal/engine"
	"matchengine/internal/market"
	"matchengine/internal/snapshot"
)

func TestRefreshListing(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, nil)
	store := newFakeListing()
	store.assets = []asset.Asset{{Symbol: "ETH", Prec: 8, ShowPrec: 4}}
	store.markets = []market.Config{
		{Name: "ETH_USDT", Stock: "ETH", Money: "USDT", StockPrec: 4, MoneyPrec: 2, FeePrec: 2, IncludeFee: true},
		{Name: "BAD_USDT", Stock: "BAD", Money: "USDT"},
		{Name: "BTC_USDT", Stock: "BTC", Money: "USDT", StockPrec: 4, MoneyPrec: 2},
	}

	require.NoError(t, refreshListing(ctx, e, store))

	ok, err := e.HasMarket(ctx, "ETH_USDT")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.HasMarket(ctx, "BAD_USDT")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, store.listed["ETH"])
	assert.True(t, store.listed["ETH_USDT"])
	assert.True(t, store.listed["BTC_USDT"], "已上线的交易对同样标记")
	assert.False(t, store.listed["BAD_USDT"])

	// 第二次只重试失败的交易对
	require.NoError(t, refreshListing(ctx, e, store))
	assert.False(t, store.listed["BAD_USDT"])
}

func TestCloseMarkets(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, nil)
	store := newFakeListing()
	require.NoError(t, closeMarkets(ctx, e, store))
	require.Contains(t, store.closings, "BTC_USDT")
	assert.True(t, store.closings["BTC_USDT"].IsZero())
	assert.NoError(t, closeMarkets(ctx, e, nil))
}

func TestSliceJobs(t *testing.T) {
	ctx := context.Background()
	slices, err := snapshot.Open(t.TempDir())
	require.NoError(t, err)
	defer slices.Close()

	conf := &config.Config{Snapshot: config.SnapshotConfig{Keep: time.Hour}, Jobs: config.JobsConfig{DepthLimit: 10}}
	src := &app{conf: conf, engine: startEngine(t, nil), slices: slices, hub: NewDepthHub()}
	require.NoError(t, src.restoreSlice(ctx), "没有切片时从空状态启动")

	_, err = src.engine.UpdateBalance(ctx, engine.BalanceUpdate{UserID: 7, Asset: "BTC", Business: "deposit", BusinessID: 1, Change: decimal.NewFromInt(3)})
	require.NoError(t, err)
	_, err = src.engine.PutLimit(ctx, "BTC_USDT", market.Request{UserID: 7, Side: market.Ask, Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(50)})
	require.NoError(t, err)
	require.NoError(t, src.saveSlice(ctx))
	require.NoError(t, src.pushDepth(ctx))

	dst := &app{conf: conf, engine: startEngine(t, nil), slices: slices}
	require.NoError(t, dst.restoreSlice(ctx))
	list, err := dst.engine.Balance(ctx, 7, "BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(list[0].Available))
	assert.True(t, decimal.NewFromInt(1).Equal(list[0].Freeze))
	st, err := dst.engine.MarketStatus(ctx, "BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, 1, st.AskCount)

	// 重复的业务号在恢复后仍被拒绝
	_, err = dst.engine.UpdateBalance(ctx, engine.BalanceUpdate{UserID: 7, Asset: "BTC", Business: "deposit", BusinessID: 1, Change: decimal.NewFromInt(3)})
	assert.ErrorIs(t, err, engine.ErrDuplicate)
}

func TestJobsList(t *testing.T) {
	conf, err := config.Load("")
	require.NoError(t, err)
	a := &app{conf: conf}
	names := func() []string {
		var list []string
		for _, j := range a.jobs() {
			list = append(list, j.Name)
		}
		return list
	}
	assert.Equal(t, []string{"closing_price", "snapshot", "depth", "purge_updates"}, names())
	a.store = newFakeListing()
	assert.Contains(t, names(), "listing")
}
