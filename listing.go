package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/asset"
	"matchengine/internal/engine"
	"matchengine/internal/market"
	"matchengine/pkg/logger"
)

// listingStore 资产与交易对的配置来源
type listingStore interface {
	LoadAssets(ctx context.Context, listed bool) ([]asset.Asset, error)
	LoadMarkets(ctx context.Context, listed bool) ([]market.Config, error)
	MarkAssetListed(ctx context.Context, name string) error
	MarkMarketListed(ctx context.Context, name string) error
	SaveAsset(ctx context.Context, a asset.Asset) error
	SaveMarket(ctx context.Context, c market.Config) error
	SaveClosingPrice(ctx context.Context, prices map[string]decimal.Decimal) error
}

// bootstrap 注册启动时的资产与交易对
func bootstrap(ctx context.Context, eng *engine.Engine, assets []asset.Asset, markets []market.Config) error {
	for _, a := range assets {
		if _, err := eng.UpdateAsset(ctx, a); err != nil {
			return errors.Wrapf(err, "register asset %s", a.Symbol)
		}
	}
	for _, c := range markets {
		if _, err := eng.RegisterMarket(ctx, c); err != nil {
			return errors.Wrapf(err, "register market %s", c.Name)
		}
	}
	logger.Infof("加载资产 %d 个, 交易对 %d 个", len(assets), len(markets))
	return nil
}

// loadListed 读取数据库中已上线的资产与交易对
func loadListed(ctx context.Context, store listingStore) ([]asset.Asset, []market.Config, error) {
	assets, err := store.LoadAssets(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	markets, err := store.LoadMarkets(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	return assets, markets, nil
}

// refreshListing 上线数据库中新增的资产与交易对，单个失败不影响其他
func refreshListing(ctx context.Context, eng *engine.Engine, store listingStore) error {
	assets, err := store.LoadAssets(ctx, false)
	if err != nil {
		return err
	}
	for _, a := range assets {
		out, err := eng.UpdateAsset(ctx, a)
		if err != nil {
			logger.Errorf("资产 %s 上线失败: %v", a.Symbol, err)
			continue
		}
		if err := store.MarkAssetListed(ctx, out.Symbol); err != nil {
			return err
		}
		logger.Infof("新资产上线: %s", out.Symbol)
	}

	markets, err := store.LoadMarkets(ctx, false)
	if err != nil {
		return err
	}
	for _, c := range markets {
		_, err := eng.RegisterMarket(ctx, c)
		if err != nil && !errors.Is(err, engine.ErrMarketExists) {
			logger.Errorf("交易对 %s 上线失败: %v", c.Name, err)
			continue
		}
		if err := store.MarkMarketListed(ctx, c.Name); err != nil {
			return err
		}
		logger.Infof("新交易对上线: %s", c.Name)
	}
	return nil
}

// closeMarkets 以最新价作为收盘价，store 不为 nil 时落库
func closeMarkets(ctx context.Context, eng *engine.Engine, store listingStore) error {
	prices, err := eng.UpdateClosingPrice(ctx)
	if err != nil {
		return err
	}
	for name, price := range prices {
		logger.Infof("交易对 %s 收盘价: %s", name, price)
	}
	if store == nil {
		return nil
	}
	return store.SaveClosingPrice(ctx, prices)
}
