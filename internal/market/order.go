package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side uint8

const (
	Ask Side = 1
	Bid Side = 2
)

func (s Side) String() string {
	switch s {
	case Ask:
		return "ask"
	case Bid:
		return "bid"
	}
	return "unknown"
}

// Valid 是否为合法方向
func (s Side) Valid() bool {
	return s == Ask || s == Bid
}

// Type 订单类型
type Type uint8

const (
	TypeLimit  Type = 1
	TypeMarket Type = 2
	TypeFOK    Type = 3
	TypeAON    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeLimit:
		return "limit"
	case TypeMarket:
		return "market"
	case TypeFOK:
		return "fok"
	case TypeAON:
		return "aon"
	}
	return "unknown"
}

// Role 成交角色
type Role uint8

const (
	Maker Role = 1
	Taker Role = 2
)

// Event 订单事件
type Event uint8

const (
	EventPut    Event = 1
	EventUpdate Event = 2
	EventFinish Event = 3
)

func (e Event) String() string {
	switch e {
	case EventPut:
		return "put"
	case EventUpdate:
		return "update"
	case EventFinish:
		return "finish"
	}
	return "unknown"
}

// Order 订单，挂单期间由所属 Market 独占
//
// 市价买单的 Amount/Left 以计价资产计量，其余订单以基础资产计量。
type Order struct {
	ID         uint64    `json:"id"`
	Market     string    `json:"market"`
	Source     string    `json:"source"`
	Type       Type      `json:"type"`
	Side       Side      `json:"side"`
	Role       Role      `json:"role"`
	UserID     uint32    `json:"user_id"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`

	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	TakerFee  decimal.Decimal `json:"taker_fee"`
	MakerFee  decimal.Decimal `json:"maker_fee"`
	Left      decimal.Decimal `json:"left"`
	Freeze    decimal.Decimal `json:"freeze"`
	DealStock decimal.Decimal `json:"deal_stock"`
	DealMoney decimal.Decimal `json:"deal_money"`
	DealFee   decimal.Decimal `json:"deal_fee"`
}

// feeRate 当前角色对应的费率
func (o *Order) feeRate() decimal.Decimal {
	if o.Role == Maker {
		return o.MakerFee
	}
	return o.TakerFee
}

// Filled 已成交数量，单位与 Amount 相同
func (o *Order) Filled() decimal.Decimal {
	return o.Amount.Sub(o.Left)
}

// OrderInfo 订单快照
type OrderInfo struct {
	ID        uint64          `json:"id"`
	Market    string          `json:"market"`
	Source    string          `json:"source"`
	Type      Type            `json:"type"`
	Side      Side            `json:"side"`
	UserID    uint32          `json:"user"`
	CTime     float64         `json:"ctime"`
	MTime     float64         `json:"mtime"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	TakerFee  decimal.Decimal `json:"taker_fee"`
	MakerFee  decimal.Decimal `json:"maker_fee"`
	Left      decimal.Decimal `json:"left"`
	DealStock decimal.Decimal `json:"deal_stock"`
	DealMoney decimal.Decimal `json:"deal_money"`
	DealFee   decimal.Decimal `json:"deal_fee"`
}

// Info 生成订单快照
func (o *Order) Info() OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		Market:    o.Market,
		Source:    o.Source,
		Type:      o.Type,
		Side:      o.Side,
		UserID:    o.UserID,
		CTime:     Timestamp(o.CreateTime),
		MTime:     Timestamp(o.UpdateTime),
		Price:     o.Price,
		Amount:    o.Amount,
		TakerFee:  o.TakerFee,
		MakerFee:  o.MakerFee,
		Left:      o.Left,
		DealStock: o.DealStock,
		DealMoney: o.DealMoney,
		DealFee:   o.DealFee,
	}
}

// Timestamp 秒级浮点时间戳
func Timestamp(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// Deal 一笔成交
type Deal struct {
	ID        uint64          `json:"id"`
	Time      time.Time       `json:"time"`
	Market    string          `json:"market"`
	Stock     string          `json:"stock"`
	Money     string          `json:"money"`
	TakerSide Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Total     decimal.Decimal `json:"deal"`

	AskOrderID uint64          `json:"ask_id"`
	AskUserID  uint32          `json:"ask_user_id"`
	AskRole    Role            `json:"ask_role"`
	AskFee     decimal.Decimal `json:"ask_fee"`
	BidOrderID uint64          `json:"bid_id"`
	BidUserID  uint32          `json:"bid_user_id"`
	BidRole    Role            `json:"bid_role"`
	BidFee     decimal.Decimal `json:"bid_fee"`
}

// BalanceChange 一条用户余额流水
type BalanceChange struct {
	Time     time.Time       `json:"time"`
	UserID   uint32          `json:"user_id"`
	Asset    string          `json:"asset"`
	Business string          `json:"business"`
	Change   decimal.Decimal `json:"change"`
	Balance  decimal.Decimal `json:"balance"`
	Detail   string          `json:"detail"`
}
