package market

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/balance"
	"matchengine/pkg/logger"
)

// Request 下单参数
type Request struct {
	UserID   uint32          `json:"user_id"`
	Side     Side            `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	TakerFee decimal.Decimal `json:"taker_fee"`
	MakerFee decimal.Decimal `json:"maker_fee"`
	Source   string          `json:"source"`
}

// Result 下单结果：订单快照与本次成交
type Result struct {
	Order OrderInfo `json:"order"`
	Deals []Deal    `json:"deals"`
}

// PutLimit 限价单，未成交部分挂入盘口
func (m *Market) PutLimit(real bool, req Request) (Result, error) {
	return m.put(real, TypeLimit, req)
}

// PutMarket 市价单，买单数量为计价资产金额，未成交部分丢弃
func (m *Market) PutMarket(real bool, req Request) (Result, error) {
	return m.put(real, TypeMarket, req)
}

// PutFOK 立即全部成交否则取消
func (m *Market) PutFOK(real bool, req Request) (Result, error) {
	return m.put(real, TypeFOK, req)
}

// PutAON 全部成交否则丢弃，不作为挂单
func (m *Market) PutAON(real bool, req Request) (Result, error) {
	return m.put(real, TypeAON, req)
}

func (m *Market) put(real bool, typ Type, req Request) (Result, error) {
	if err := m.check(typ, &req); err != nil {
		return Result{}, err
	}

	now := m.env.Now()
	o := &Order{
		ID:         m.env.Seq.NextOrder(),
		Market:     m.Name,
		Source:     req.Source,
		Type:       typ,
		Side:       req.Side,
		Role:       Taker,
		UserID:     req.UserID,
		CreateTime: now,
		UpdateTime: now,
		Price:      req.Price,
		Amount:     req.Amount,
		TakerFee:   req.TakerFee,
		MakerFee:   req.MakerFee,
		Left:       req.Amount,
	}

	m.deals = nil
	switch typ {
	case TypeLimit:
		m.executeLimit(real, o)
	case TypeMarket:
		m.executeMarket(real, o)
	default:
		m.executeAll(real, o)
	}
	info := m.postProcess(real, o, typ == TypeLimit)

	res := Result{Order: info, Deals: m.deals}
	m.deals = nil
	return res, nil
}

// postProcess 不可挂单或已完全成交的订单直接结束，否则挂入盘口
func (m *Market) postProcess(real bool, o *Order, restable bool) OrderInfo {
	if !restable || o.Left.IsZero() {
		m.AddUser(o.UserID)
		if real {
			m.appendOrder(o)
			m.pushOrder(EventFinish, o, o.Filled())
		}
		return o.Info()
	}

	if real {
		m.pushOrder(EventPut, o, o.Filled())
	}
	if err := m.PutOrder(o); err != nil {
		logger.Critical("挂单失败, 订单: %d, 错误: %v", o.ID, err)
	}
	return o.Info()
}

// check 下单前校验并规整精度，失败时不修改任何状态
func (m *Market) check(typ Type, req *Request) error {
	if !req.Side.Valid() {
		return errors.Wrapf(ErrInvalidSide, "side %d", req.Side)
	}

	one := decimal.NewFromInt(1)
	for _, rate := range []*decimal.Decimal{&req.TakerFee, &req.MakerFee} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return errors.Wrapf(ErrInvalidArgument, "fee rate %s", rate)
		}
		*rate = rate.Round(int32(m.FeePrec))
	}
	if typ != TypeLimit {
		req.MakerFee = decimal.Zero
	}

	marketBid := typ == TypeMarket && req.Side == Bid
	if marketBid {
		req.Amount = req.Amount.Round(int32(m.MoneyPrec))
	} else {
		req.Amount = req.Amount.Round(int32(m.StockPrec))
	}
	if !req.Amount.IsPositive() {
		return errors.Wrapf(ErrInvalidArgument, "amount %s", req.Amount)
	}
	if !marketBid && req.Amount.LessThan(m.MinAmount) {
		return errors.Wrapf(ErrAmountTooSmall, "amount %s < %s", req.Amount, m.MinAmount)
	}

	if typ == TypeMarket {
		req.Price = decimal.Zero
		if marketBid && req.Amount.LessThan(m.MinTotal) {
			return errors.Wrapf(ErrTotalTooSmall, "total %s < %s", req.Amount, m.MinTotal)
		}
		opposite := m.bids
		if req.Side == Bid {
			opposite = m.asks
		}
		if opposite.len() == 0 {
			return ErrNoLiquidity
		}
	} else {
		req.Price = req.Price.Round(int32(m.MoneyPrec))
		if !req.Price.IsPositive() {
			return errors.Wrapf(ErrInvalidArgument, "price %s", req.Price)
		}
		if req.Price.LessThan(m.MinPrice) {
			return errors.Wrapf(ErrPriceTooSmall, "price %s < %s", req.Price, m.MinPrice)
		}
		if total := req.Price.Mul(req.Amount); total.LessThan(m.MinTotal) {
			return errors.Wrapf(ErrTotalTooSmall, "total %s < %s", total, m.MinTotal)
		}
	}

	return m.checkFunds(typ, req)
}

// checkFunds 可用余额须覆盖最坏情况下的扣款
func (m *Market) checkFunds(typ Type, req *Request) error {
	var symbol string
	var need decimal.Decimal
	switch {
	case req.Side == Ask:
		symbol, need = m.Stock, req.Amount
	case typ == TypeMarket:
		symbol, need = m.Money, req.Amount
		if m.Fee == m.Money {
			need = need.Add(req.Amount.Mul(req.TakerFee)).RoundCeil(m.assetPrec(m.Money))
		}
	default:
		symbol, need = m.Money, m.bidFreeze(req.Price, req.Amount, req.TakerFee, req.MakerFee)
	}
	if avail := m.env.Ledger.Get(req.UserID, balance.Available, symbol); avail.LessThan(need) {
		return errors.Wrapf(balance.ErrInsufficient, "user %d %s available %s < %s", req.UserID, symbol, avail, need)
	}
	return nil
}
