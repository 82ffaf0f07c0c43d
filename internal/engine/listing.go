package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/asset"
	"matchengine/internal/market"
	"matchengine/pkg/logger"
)

// RegisterAsset 上线新资产
func (e *Engine) RegisterAsset(ctx context.Context, a asset.Asset) (asset.Asset, error) {
	var out asset.Asset
	err := e.Do(ctx, func() error {
		var err error
		out, err = e.assets.Register(a)
		if err != nil {
			return err
		}
		logger.Infof("资产上线: %s, 存储精度: %d, 显示精度: %d", out.Symbol, out.Prec, out.ShowPrec)
		return nil
	})
	return out, err
}

// UpdateAsset 更新资产精度等属性，不存在时注册
func (e *Engine) UpdateAsset(ctx context.Context, a asset.Asset) (asset.Asset, error) {
	var out asset.Asset
	err := e.Do(ctx, func() error {
		var err error
		out, err = e.assets.Update(a)
		return err
	})
	return out, err
}

// RegisterMarket 上线新交易对
func (e *Engine) RegisterMarket(ctx context.Context, conf market.Config) (market.Summary, error) {
	var out market.Summary
	err := e.Do(ctx, func() error {
		if _, ok := e.markets[conf.Name]; ok {
			return errors.Wrapf(ErrMarketExists, "market %s", conf.Name)
		}
		m, err := market.New(conf, e.env())
		if err != nil {
			return err
		}
		e.markets[m.Name] = m
		out = m.Summary()
		logger.Infof("交易对上线: %s, 基础资产: %s, 计价资产: %s, 手续费资产: %s", m.Name, m.Stock, m.Money, m.Fee)
		return nil
	})
	return out, err
}

// UpdateClosingPrice 以最新价作为各交易对的收盘价，返回更新结果
func (e *Engine) UpdateClosingPrice(ctx context.Context) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	err := e.Do(ctx, func() error {
		for name, m := range e.markets {
			m.ClosingPrice = m.LastPrice
			prices[name] = m.LastPrice
		}
		return nil
	})
	return prices, err
}

// AddUserToMarket 将用户加入交易对的用户索引
func (e *Engine) AddUserToMarket(ctx context.Context, name string, user uint32) error {
	return e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		m.AddUser(user)
		return nil
	})
}

// HasMarket 交易对是否已上线
func (e *Engine) HasMarket(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := e.Do(ctx, func() error {
		_, ok = e.markets[name]
		return nil
	})
	return ok, err
}
