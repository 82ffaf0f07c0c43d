package market

import (
	"sort"

	"github.com/shopspring/decimal"

	"matchengine/internal/balance"
)

// Status 盘口汇总
type Status struct {
	Name        string          `json:"name"`
	AskCount    int             `json:"ask_count"`
	AskAmount   decimal.Decimal `json:"ask_amount"`
	AskNotional decimal.Decimal `json:"ask_notional"`
	BidCount    int             `json:"bid_count"`
	BidAmount   decimal.Decimal `json:"bid_amount"`
	BidNotional decimal.Decimal `json:"bid_notional"`
}

// Status 统计两侧挂单数量、剩余数量与名义金额
func (m *Market) Status() Status {
	st := Status{Name: m.Name, AskCount: m.asks.len(), BidCount: m.bids.len()}
	m.asks.each(func(id uint64) bool {
		o := m.orders[id]
		st.AskAmount = st.AskAmount.Add(o.Left)
		st.AskNotional = st.AskNotional.Add(o.Left.Mul(o.Price))
		return true
	})
	m.bids.each(func(id uint64) bool {
		o := m.orders[id]
		st.BidAmount = st.BidAmount.Add(o.Left)
		st.BidNotional = st.BidNotional.Add(o.Left.Mul(o.Price))
		return true
	})
	return st
}

// Level 价位
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Depth 聚合深度
type Depth struct {
	Market string  `json:"market"`
	Asks   []Level `json:"asks"`
	Bids   []Level `json:"bids"`
}

// Depth 按价位聚合，interval > 0 时卖盘向上、买盘向下合并到 interval 的整数倍
func (m *Market) Depth(limit int, interval decimal.Decimal) Depth {
	return Depth{
		Market: m.Name,
		Asks:   m.levels(m.asks, limit, interval, true),
		Bids:   m.levels(m.bids, limit, interval, false),
	}
}

func (m *Market) levels(s *bookSide, limit int, interval decimal.Decimal, up bool) []Level {
	levels := []Level{}
	s.each(func(id uint64) bool {
		o := m.orders[id]
		price := o.Price
		if interval.IsPositive() {
			q := price.Div(interval)
			if up {
				q = q.Ceil()
			} else {
				q = q.Floor()
			}
			price = q.Mul(interval)
		}
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(o.Left)
			return true
		}
		if limit > 0 && len(levels) >= limit {
			return false
		}
		levels = append(levels, Level{Price: price, Amount: o.Left})
		return true
	})
	return levels
}

// Book 单侧挂单分页
func (m *Market) Book(side Side, offset, limit int) (list []OrderInfo, total int) {
	s := m.side(side)
	total = s.len()
	i := 0
	s.each(func(id uint64) bool {
		if limit > 0 && len(list) >= limit {
			return false
		}
		if i >= offset {
			list = append(list, m.orders[id].Info())
		}
		i++
		return true
	})
	return list, total
}

// Holder 交易对同名资产的持有人
type Holder struct {
	UserID    uint32          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Freeze    decimal.Decimal `json:"freeze"`
	Total     decimal.Decimal `json:"total"`
}

// Detail 列出用户索引中持有交易对同名资产的用户
func (m *Market) Detail() []Holder {
	list := []Holder{}
	for user := range m.users {
		h := Holder{
			UserID:    user,
			Available: m.env.Ledger.Get(user, balance.Available, m.Name),
			Freeze:    m.env.Ledger.Get(user, balance.Freeze, m.Name),
		}
		h.Total = h.Available.Add(h.Freeze)
		if h.Total.IsPositive() {
			list = append(list, h)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}

// CheckPriceLimit 价格是否在参考价 pct 比例范围内，参考价或比例为零时不限制
func CheckPriceLimit(ref, price, pct decimal.Decimal) bool {
	if price.IsZero() || ref.IsZero() || price.Equal(ref) || pct.IsZero() {
		return true
	}
	return price.Sub(ref).Abs().LessThanOrEqual(ref.Mul(pct))
}

// Summary 交易对概况
type Summary struct {
	Config
	LastPrice decimal.Decimal `json:"last_price"`
}

// Summary 返回配置与最新价
func (m *Market) Summary() Summary {
	return Summary{Config: m.Config, LastPrice: m.LastPrice}
}
