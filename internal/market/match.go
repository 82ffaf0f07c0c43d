package market

import (
	"github.com/shopspring/decimal"
)

// verdict 对单个对手单的判定
type verdict uint8

const (
	take verdict = iota
	skip
	stop
)

// quantityRule 根据吃单与挂单剩余量决定本次成交数量
type quantityRule func(m *Market, taker, maker *Order) (decimal.Decimal, verdict)

// execute 按优先级遍历对手盘，逐笔成交直到吃单耗尽或无可成交挂单
func (m *Market) execute(real bool, taker *Order, checkPrice bool, rule quantityRule) {
	opposite := m.bids
	if taker.Side == Bid {
		opposite = m.asks
	}

	key, ok := opposite.first()
	for ok && taker.Left.IsPositive() {
		maker := m.orders[key.id]
		if checkPrice && crosses(taker, maker) {
			break
		}
		amount, v := rule(m, taker, maker)
		if v == stop {
			break
		}
		if v == take {
			m.trade(real, taker, maker, amount)
		}
		key, ok = opposite.next(key)
	}
}

// crosses 挂单价格是否已越过吃单限价
func crosses(taker, maker *Order) bool {
	if taker.Side == Ask {
		return maker.Price.LessThan(taker.Price)
	}
	return maker.Price.GreaterThan(taker.Price)
}

// partialRule 限价单与市价卖单：取两者较小剩余量，AON 挂单必须被整单吃掉
func partialRule(_ *Market, taker, maker *Order) (decimal.Decimal, verdict) {
	if maker.Type == TypeAON && taker.Left.LessThan(maker.Left) {
		return decimal.Zero, skip
	}
	return decimal.Min(taker.Left, maker.Left), take
}

// allRule FOK/AON：挂单须一次吸收吃单全部剩余量，AON 挂单须数量完全相等
func allRule(_ *Market, taker, maker *Order) (decimal.Decimal, verdict) {
	if taker.Left.GreaterThan(maker.Left) {
		return decimal.Zero, skip
	}
	if maker.Type == TypeAON && !taker.Left.Equal(maker.Left) {
		return decimal.Zero, skip
	}
	return taker.Left, take
}

// marketBidRule 市价买单：剩余计价资产按挂单价折算数量，向下取到基础资产精度
func marketBidRule(m *Market, taker, maker *Order) (decimal.Decimal, verdict) {
	amount := m.affordable(taker.Left, maker.Price)
	if !amount.IsPositive() {
		return decimal.Zero, stop
	}
	amount = decimal.Min(amount, maker.Left)
	if maker.Type == TypeAON && amount.LessThan(maker.Left) {
		return decimal.Zero, skip
	}
	return amount, take
}

// affordable money 按 price 最多可买的基础资产数量，保证 amount*price <= money
func (m *Market) affordable(money, price decimal.Decimal) decimal.Decimal {
	prec := int32(m.StockPrec)
	unit := decimal.New(1, -prec)
	amount := money.DivRound(price, prec)
	for amount.IsPositive() && amount.Mul(price).GreaterThan(money) {
		amount = amount.Sub(unit)
	}
	return amount
}

func (m *Market) executeLimit(real bool, taker *Order) {
	m.execute(real, taker, true, partialRule)
}

func (m *Market) executeMarket(real bool, taker *Order) {
	if taker.Side == Bid {
		m.execute(real, taker, false, marketBidRule)
		return
	}
	m.execute(real, taker, false, partialRule)
}

func (m *Market) executeAll(real bool, taker *Order) {
	m.execute(real, taker, true, allRule)
}
