package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/balance"
	"matchengine/internal/market"
)

type putFunc func(real bool, req market.Request) (market.Result, error)

func putter(m *market.Market, typ market.Type) (putFunc, error) {
	switch typ {
	case market.TypeLimit:
		return m.PutLimit, nil
	case market.TypeMarket:
		return m.PutMarket, nil
	case market.TypeFOK:
		return m.PutFOK, nil
	case market.TypeAON:
		return m.PutAON, nil
	}
	return nil, errors.Wrapf(market.ErrInvalidArgument, "order type %d", typ)
}

// Put 下单
func (e *Engine) Put(ctx context.Context, name string, typ market.Type, req market.Request) (market.Result, error) {
	var res market.Result
	err := e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		put, err := putter(m, typ)
		if err != nil {
			return err
		}
		if err := e.tradable(m, typ, req); err != nil {
			e.metrics.RecordReject(name, rejectReason(err))
			return err
		}
		res, err = put(true, req)
		if err != nil {
			e.metrics.RecordReject(name, rejectReason(err))
			return err
		}
		e.metrics.RecordOrder(name, typ.String(), len(res.Deals))
		e.metrics.SetActive(name, m.Len())
		return nil
	})
	return res, err
}

// PutLimit 限价单
func (e *Engine) PutLimit(ctx context.Context, name string, req market.Request) (market.Result, error) {
	return e.Put(ctx, name, market.TypeLimit, req)
}

// PutMarket 市价单
func (e *Engine) PutMarket(ctx context.Context, name string, req market.Request) (market.Result, error) {
	return e.Put(ctx, name, market.TypeMarket, req)
}

// PutFOK FOK 单
func (e *Engine) PutFOK(ctx context.Context, name string, req market.Request) (market.Result, error) {
	return e.Put(ctx, name, market.TypeFOK, req)
}

// PutAON AON 单
func (e *Engine) PutAON(ctx context.Context, name string, req market.Request) (market.Result, error) {
	return e.Put(ctx, name, market.TypeAON, req)
}

// Simulate 在交易对与账本的副本上试算，不修改任何真实状态，也不写历史和消息
func (e *Engine) Simulate(ctx context.Context, name string, typ market.Type, req market.Request) (market.Result, error) {
	var res market.Result
	err := e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		if err := e.tradable(m, typ, req); err != nil {
			return err
		}
		seq := e.seq
		clone := m.Clone(market.Env{
			Assets:   e.assets,
			Ledger:   e.ledger.Clone(),
			Recorder: market.Discard{},
			Notifier: market.Discard{},
			Seq:      &seq,
			Now:      e.now,
		})
		put, err := putter(clone, typ)
		if err != nil {
			return err
		}
		res, err = put(false, req)
		return err
	})
	return res, err
}

// tradable 交易对是否已下架，限价类订单是否超出价格限制
func (e *Engine) tradable(m *market.Market, typ market.Type, req market.Request) error {
	if m.DelistingTime > 0 && e.now().Unix() >= m.DelistingTime {
		return errors.Wrapf(ErrMarketDelisted, "market %s", m.Name)
	}
	if typ == market.TypeMarket {
		return nil
	}
	// 与下单时一致，先按计价精度取整
	price := req.Price.Round(int32(m.MoneyPrec))
	if pct := priceLimit(e.conf); !market.CheckPriceLimit(m.LastPrice, price, pct) {
		return errors.Wrapf(ErrPriceLimit, "price %s last %s", price, m.LastPrice)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, balance.ErrInsufficient):
		return "balance"
	case errors.Is(err, market.ErrAmountTooSmall):
		return "amount"
	case errors.Is(err, market.ErrPriceTooSmall), errors.Is(err, ErrPriceLimit):
		return "price"
	case errors.Is(err, market.ErrTotalTooSmall):
		return "total"
	case errors.Is(err, market.ErrNoLiquidity):
		return "liquidity"
	case errors.Is(err, ErrMarketDelisted):
		return "delisted"
	}
	return "argument"
}

// Cancel 撤单，订单必须属于 user
func (e *Engine) Cancel(ctx context.Context, name string, user uint32, id uint64) (market.OrderInfo, error) {
	var info market.OrderInfo
	err := e.Do(ctx, func() error {
		m, o, err := e.order(name, id)
		if err != nil {
			return err
		}
		if o.UserID != user {
			return errors.Wrapf(ErrUserMismatch, "order %d user %d", id, user)
		}
		info = m.CancelOrder(true, o)
		e.metrics.SetActive(name, m.Len())
		return nil
	})
	return info, err
}

func (e *Engine) order(name string, id uint64) (*market.Market, *market.Order, error) {
	m, err := e.market(name)
	if err != nil {
		return nil, nil, err
	}
	o, ok := m.GetOrder(id)
	if !ok {
		return nil, nil, errors.Wrapf(ErrOrderNotFound, "market %s order %d", name, id)
	}
	return m, o, nil
}

// GetOrder 查询挂单
func (e *Engine) GetOrder(ctx context.Context, name string, id uint64) (market.OrderInfo, error) {
	var info market.OrderInfo
	err := e.Do(ctx, func() error {
		_, o, err := e.order(name, id)
		if err != nil {
			return err
		}
		info = o.Info()
		return nil
	})
	return info, err
}

// OrderPage 订单分页
type OrderPage struct {
	Offset  int                `json:"offset"`
	Limit   int                `json:"limit"`
	Total   int                `json:"total"`
	Records []market.OrderInfo `json:"records"`
}

// UserOrders 用户在某交易对的挂单
func (e *Engine) UserOrders(ctx context.Context, user uint32, name string, offset, limit int) (OrderPage, error) {
	page := OrderPage{Offset: offset, Limit: limit}
	err := e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		page.Records, page.Total = m.UserOrders(user, offset, limit)
		return nil
	})
	if page.Records == nil {
		page.Records = []market.OrderInfo{}
	}
	return page, err
}

// Book 单侧盘口挂单
func (e *Engine) Book(ctx context.Context, name string, side market.Side, offset, limit int) (OrderPage, error) {
	page := OrderPage{Offset: offset, Limit: limit}
	if !side.Valid() {
		return page, errors.Wrapf(market.ErrInvalidSide, "side %d", side)
	}
	err := e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		page.Records, page.Total = m.Book(side, offset, limit)
		return nil
	})
	if page.Records == nil {
		page.Records = []market.OrderInfo{}
	}
	return page, err
}

// Depth 聚合深度
func (e *Engine) Depth(ctx context.Context, name string, limit int, interval decimal.Decimal) (market.Depth, error) {
	var depth market.Depth
	err := e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		depth = m.Depth(limit, interval)
		return nil
	})
	return depth, err
}

// Depths 全部交易对的深度，按名称排序
func (e *Engine) Depths(ctx context.Context, limit int) ([]market.Depth, error) {
	var list []market.Depth
	err := e.Do(ctx, func() error {
		for _, m := range e.sortedMarkets() {
			list = append(list, m.Depth(limit, decimal.Zero))
		}
		return nil
	})
	return list, err
}

// MarketStatus 盘口汇总
func (e *Engine) MarketStatus(ctx context.Context, name string) (market.Status, error) {
	var st market.Status
	err := e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		st = m.Status()
		return nil
	})
	return st, err
}

// MarketDetail 交易对同名资产的持有人
func (e *Engine) MarketDetail(ctx context.Context, name string) ([]market.Holder, error) {
	var list []market.Holder
	err := e.Do(ctx, func() error {
		m, err := e.market(name)
		if err != nil {
			return err
		}
		list = m.Detail()
		return nil
	})
	return list, err
}

// Markets 全部交易对概况
func (e *Engine) Markets(ctx context.Context) ([]market.Summary, error) {
	list := []market.Summary{}
	err := e.Do(ctx, func() error {
		for _, m := range e.sortedMarkets() {
			list = append(list, m.Summary())
		}
		return nil
	})
	return list, err
}
