package market

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"matchengine/internal/balance"
	"matchengine/pkg/logger"
)

const businessTrade = "trade"

// trade 以挂单价成交 amount，两侧清算后记录成交并处理挂单
func (m *Market) trade(real bool, taker, maker *Order, amount decimal.Decimal) {
	price := maker.Price
	deal := price.Mul(amount)

	ask, bid := taker, maker
	if taker.Side == Bid {
		ask, bid = maker, taker
	}
	// 手续费向下取整到扣费资产的存储精度
	askFee := deal.Mul(ask.feeRate()).RoundFloor(m.assetPrec(m.Money))
	bidFee := amount.Mul(bid.feeRate())
	if m.IncludeFee {
		bidFee = deal.Mul(bid.feeRate())
	}
	bidFee = bidFee.RoundFloor(m.assetPrec(m.Fee))

	now := m.env.Now()
	ask.UpdateTime, bid.UpdateTime = now, now

	m.settleAsk(real, ask, amount, price, deal, askFee)
	m.settleBid(real, bid, amount, price, deal, bidFee)

	d := Deal{
		ID:         m.env.Seq.NextDeal(),
		Time:       now,
		Market:     m.Name,
		Stock:      m.Stock,
		Money:      m.Money,
		TakerSide:  taker.Side,
		Price:      price,
		Amount:     amount,
		Total:      deal,
		AskOrderID: ask.ID,
		AskUserID:  ask.UserID,
		AskRole:    ask.Role,
		AskFee:     askFee,
		BidOrderID: bid.ID,
		BidUserID:  bid.UserID,
		BidRole:    bid.Role,
		BidFee:     bidFee,
	}
	m.deals = append(m.deals, d)
	if real {
		if err := m.env.Recorder.AppendDeal(d); err != nil {
			logger.Critical("写入成交历史失败, 成交: %d, 错误: %v", d.ID, err)
		}
		if err := m.env.Notifier.PushDeal(d); err != nil {
			logger.Errorf("推送成交消息失败, 成交: %d, 错误: %v", d.ID, err)
		}
	}

	if maker.Left.IsZero() {
		if real {
			m.pushOrder(EventFinish, maker, amount)
		}
		m.FinishOrder(real, maker)
	} else if real {
		m.pushOrder(EventUpdate, maker, amount)
	}

	m.LastPrice = price
}

// settleAsk 卖方交付基础资产、收取计价资产并支付手续费
func (m *Market) settleAsk(real bool, o *Order, amount, price, deal, fee decimal.Decimal) {
	o.Left = o.Left.Sub(amount)
	o.DealStock = o.DealStock.Add(amount)
	o.DealMoney = o.DealMoney.Add(deal)
	o.DealFee = o.DealFee.Add(fee)

	if o.Role == Maker {
		o.Freeze = o.Freeze.Sub(amount)
		m.sub(real, o, balance.Freeze, m.Stock, amount, price, amount, nil)
	} else {
		m.sub(real, o, balance.Available, m.Stock, amount, price, amount, nil)
	}

	m.add(real, o, m.Money, deal, price, amount)

	if fee.IsPositive() {
		rate := o.feeRate()
		m.sub(real, o, balance.Available, m.Money, fee, price, amount, &rate)
	}
}

// settleBid 买方支付计价资产、收取基础资产并支付手续费
func (m *Market) settleBid(real bool, o *Order, amount, price, deal, fee decimal.Decimal) {
	if o.Type == TypeMarket {
		o.Left = o.Left.Sub(deal)
	} else {
		o.Left = o.Left.Sub(amount)
	}
	o.DealStock = o.DealStock.Add(amount)
	o.DealMoney = o.DealMoney.Add(deal)
	o.DealFee = o.DealFee.Add(fee)

	if o.Role == Maker {
		o.Freeze = o.Freeze.Sub(deal)
		m.sub(real, o, balance.Freeze, m.Money, deal, price, amount, nil)
	} else {
		m.sub(real, o, balance.Available, m.Money, deal, price, amount, nil)
	}

	m.add(real, o, m.Stock, amount, price, amount)

	if fee.IsPositive() {
		rate := o.feeRate()
		if o.Role == Maker && m.IncludeFee {
			o.Freeze = o.Freeze.Sub(fee)
			m.sub(real, o, balance.Freeze, m.Fee, fee, price, amount, &rate)
		} else {
			m.sub(real, o, balance.Available, m.Fee, fee, price, amount, &rate)
		}
	}
}

func (m *Market) sub(real bool, o *Order, typ balance.Type, symbol string, change, price, amount decimal.Decimal, rate *decimal.Decimal) {
	if _, err := m.env.Ledger.Sub(o.UserID, typ, symbol, change); err != nil {
		logger.Critical("清算扣减失败, 订单: %d, 用户: %d, %s %s: %s, 错误: %v", o.ID, o.UserID, typ, symbol, change, err)
		return
	}
	if real {
		m.appendBalance(o, symbol, change.Neg(), price, amount, rate)
	}
}

func (m *Market) add(real bool, o *Order, symbol string, change, price, amount decimal.Decimal) {
	if _, err := m.env.Ledger.Add(o.UserID, balance.Available, symbol, change); err != nil {
		logger.Critical("清算入账失败, 订单: %d, 用户: %d, %s: %s, 错误: %v", o.ID, o.UserID, symbol, change, err)
		return
	}
	if real {
		m.appendBalance(o, symbol, change, price, amount, nil)
	}
}

// tradeDetail 余额流水附加信息，字段按键名排序
type tradeDetail struct {
	Amount  decimal.Decimal  `json:"a"`
	FeeRate *decimal.Decimal `json:"f,omitempty"`
	OrderID uint64           `json:"i"`
	Market  string           `json:"m"`
	Price   decimal.Decimal  `json:"p"`
}

func (m *Market) appendBalance(o *Order, symbol string, change, price, amount decimal.Decimal, rate *decimal.Decimal) {
	if change.IsZero() {
		return
	}
	detail, _ := json.Marshal(tradeDetail{
		Amount:  amount,
		FeeRate: rate,
		OrderID: o.ID,
		Market:  m.Name,
		Price:   price,
	})
	c := BalanceChange{
		Time:     o.UpdateTime,
		UserID:   o.UserID,
		Asset:    symbol,
		Business: businessTrade,
		Change:   change,
		Balance:  m.env.Ledger.Total(o.UserID, symbol),
		Detail:   string(detail),
	}
	if err := m.env.Recorder.AppendBalance(c); err != nil {
		logger.Critical("写入余额流水失败, 用户: %d, 资产: %s, 错误: %v", o.UserID, symbol, err)
	}
}
