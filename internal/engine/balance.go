package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/asset"
	"matchengine/internal/balance"
	"matchengine/internal/market"
	"matchengine/pkg/logger"
)

type updateKey struct {
	UserID     uint32 `json:"user_id"`
	Asset      string `json:"asset"`
	Business   string `json:"business"`
	BusinessID uint64 `json:"business_id"`
}

// BalanceUpdate 充值、提现等外部余额变更
type BalanceUpdate struct {
	UserID     uint32          `json:"user_id"`
	Asset      string          `json:"asset"`
	Business   string          `json:"business"`
	BusinessID uint64          `json:"business_id"`
	Change     decimal.Decimal `json:"change"`
	Detail     string          `json:"detail"`
}

// AssetBalance 用户某资产的余额
type AssetBalance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Freeze    decimal.Decimal `json:"freeze"`
}

// UpdateBalance 变更可用余额，同一业务号只处理一次，返回变更后的可用余额
func (e *Engine) UpdateBalance(ctx context.Context, u BalanceUpdate) (decimal.Decimal, error) {
	var avail decimal.Decimal
	err := e.Do(ctx, func() error {
		prec, err := e.assets.Prec(u.Asset)
		if err != nil {
			return err
		}
		if u.Business == "" {
			return errors.Wrap(market.ErrInvalidArgument, "empty business")
		}
		change := u.Change.Round(int32(prec))
		if change.IsZero() {
			return errors.Wrapf(market.ErrInvalidArgument, "change %s", u.Change)
		}
		key := updateKey{UserID: u.UserID, Asset: u.Asset, Business: u.Business, BusinessID: u.BusinessID}
		if _, ok := e.updates[key]; ok {
			return errors.Wrapf(ErrDuplicate, "%s %d", u.Business, u.BusinessID)
		}

		if change.IsPositive() {
			avail, err = e.ledger.Add(u.UserID, balance.Available, u.Asset, change)
		} else {
			avail, err = e.ledger.Sub(u.UserID, balance.Available, u.Asset, change.Neg())
		}
		if err != nil {
			return err
		}
		now := e.now()
		e.updates[key] = now

		c := market.BalanceChange{
			Time:     now,
			UserID:   u.UserID,
			Asset:    u.Asset,
			Business: u.Business,
			Change:   change,
			Balance:  e.ledger.Total(u.UserID, u.Asset),
			Detail:   u.Detail,
		}
		if err := e.recorder.AppendBalance(c); err != nil {
			logger.Critical("写入余额流水失败, 用户: %d, 资产: %s, 错误: %v", u.UserID, u.Asset, err)
		}
		if err := e.notifier.PushBalance(c); err != nil {
			logger.Errorf("推送余额消息失败, 用户: %d, 资产: %s, 错误: %v", u.UserID, u.Asset, err)
		}
		return nil
	})
	return avail, err
}

// PurgeUpdates 清理超过保留时长的业务号，返回清理数量
func (e *Engine) PurgeUpdates(ctx context.Context) (int, error) {
	n := 0
	err := e.Do(ctx, func() error {
		for k, t := range e.updates {
			if e.expired(t) {
				delete(e.updates, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

// Balance 查询用户余额，symbols 为空时返回全部资产
func (e *Engine) Balance(ctx context.Context, user uint32, symbols ...string) ([]AssetBalance, error) {
	var list []AssetBalance
	err := e.Do(ctx, func() error {
		if len(symbols) == 0 {
			for _, a := range e.assets.List() {
				symbols = append(symbols, a.Symbol)
			}
		}
		for _, symbol := range symbols {
			if !e.assets.Exists(symbol) {
				return errors.Wrapf(asset.ErrNotFound, "asset %s", symbol)
			}
			list = append(list, AssetBalance{
				Asset:     symbol,
				Available: e.ledger.Get(user, balance.Available, symbol),
				Freeze:    e.ledger.Get(user, balance.Freeze, symbol),
			})
		}
		return nil
	})
	return list, err
}

// AssetStatus 资产持有汇总
func (e *Engine) AssetStatus(ctx context.Context, symbol string) (balance.Status, error) {
	var st balance.Status
	err := e.Do(ctx, func() error {
		if !e.assets.Exists(symbol) {
			return errors.Wrapf(asset.ErrNotFound, "asset %s", symbol)
		}
		st = e.ledger.Status(symbol)
		return nil
	})
	return st, err
}

func (e *Engine) expired(t time.Time) bool {
	return t.Before(e.now().Add(-e.conf.DedupTTL))
}
