// Package market 实现单个交易对的订单簿、撮合与清算
package market

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/asset"
	"matchengine/internal/balance"
	"matchengine/pkg/logger"
)

var (
	ErrInvalidConfig   = errors.New("invalid market config")
	ErrInvalidSide     = errors.New("invalid side")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAmountTooSmall  = errors.New("amount too small")
	ErrPriceTooSmall   = errors.New("price too small")
	ErrTotalTooSmall   = errors.New("total too small")
	ErrNoLiquidity     = errors.New("no enough trader")
	ErrCannotRest      = errors.New("order type can not rest")
	ErrOrderExists     = errors.New("order already exists")
)

// Config 交易对配置
type Config struct {
	Name          string          `json:"name" mapstructure:"name"`
	Stock         string          `json:"stock" mapstructure:"stock"`
	Money         string          `json:"money" mapstructure:"money"`
	Fee           string          `json:"fee" mapstructure:"fee"`
	StockPrec     int             `json:"stock_prec" mapstructure:"stock_prec"`
	MoneyPrec     int             `json:"money_prec" mapstructure:"money_prec"`
	FeePrec       int             `json:"fee_prec" mapstructure:"fee_prec"`
	IncludeFee    bool            `json:"include_fee" mapstructure:"include_fee"`
	MinAmount     decimal.Decimal `json:"min_amount" mapstructure:"min_amount"`
	MinPrice      decimal.Decimal `json:"min_price" mapstructure:"min_price"`
	MinTotal      decimal.Decimal `json:"min_total" mapstructure:"min_total"`
	ClosingPrice  decimal.Decimal `json:"closing_price" mapstructure:"closing_price"`
	DelistingTime int64           `json:"delisting_ts" mapstructure:"delisting_ts"`
}

// Recorder 历史记录落库，调用不得阻塞撮合
type Recorder interface {
	AppendOrder(info OrderInfo) error
	AppendDeal(deal Deal) error
	AppendBalance(change BalanceChange) error
}

// Notifier 消息推送，调用不得阻塞撮合
type Notifier interface {
	PushOrder(event Event, info OrderInfo, stock, money string, filled decimal.Decimal) error
	PushDeal(deal Deal) error
	PushBalance(change BalanceChange) error
}

// Sequence 全局订单号与成交号
type Sequence struct {
	OrderID uint64 `json:"order_id"`
	DealID  uint64 `json:"deal_id"`
}

// NextOrder 分配订单号
func (s *Sequence) NextOrder() uint64 {
	s.OrderID++
	return s.OrderID
}

// NextDeal 分配成交号
func (s *Sequence) NextDeal() uint64 {
	s.DealID++
	return s.DealID
}

// Env 交易对运行时依赖
type Env struct {
	Assets   *asset.Registry
	Ledger   *balance.Ledger
	Recorder Recorder
	Notifier Notifier
	Seq      *Sequence
	Now      func() time.Time
}

// Market 交易对
type Market struct {
	Config
	LastPrice decimal.Decimal

	env    Env
	orders map[uint64]*Order
	asks   *bookSide
	bids   *bookSide
	users  map[uint32]*idSet

	// deals 当前命令产生的成交
	deals []Deal
}

// New 校验配置并创建交易对
func New(conf Config, env Env) (*Market, error) {
	if conf.Name == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "empty name")
	}
	if conf.Fee == "" {
		conf.Fee = conf.Money
	}
	for _, symbol := range []string{conf.Stock, conf.Money, conf.Fee} {
		if !env.Assets.Exists(symbol) {
			return nil, errors.Wrapf(asset.ErrNotFound, "market %s asset %s", conf.Name, symbol)
		}
	}
	stockPrec, _ := env.Assets.Prec(conf.Stock)
	moneyPrec, _ := env.Assets.Prec(conf.Money)
	if conf.StockPrec < 0 || conf.MoneyPrec < 0 || conf.FeePrec < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "market %s negative precision", conf.Name)
	}
	if conf.StockPrec+conf.MoneyPrec > moneyPrec {
		return nil, errors.Wrapf(ErrInvalidConfig, "market %s stock_prec + money_prec > %s prec %d", conf.Name, conf.Money, moneyPrec)
	}
	if conf.StockPrec+conf.FeePrec > stockPrec {
		return nil, errors.Wrapf(ErrInvalidConfig, "market %s stock_prec + fee_prec > %s prec %d", conf.Name, conf.Stock, stockPrec)
	}
	if conf.MoneyPrec+conf.FeePrec > moneyPrec {
		return nil, errors.Wrapf(ErrInvalidConfig, "market %s money_prec + fee_prec > %s prec %d", conf.Name, conf.Money, moneyPrec)
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Seq == nil {
		env.Seq = &Sequence{}
	}
	if env.Recorder == nil {
		env.Recorder = Discard{}
	}
	if env.Notifier == nil {
		env.Notifier = Discard{}
	}

	return &Market{
		Config:    conf,
		LastPrice: conf.ClosingPrice,
		env:       env,
		orders:    make(map[uint64]*Order),
		asks:      newBookSide(Ask),
		bids:      newBookSide(Bid),
		users:     make(map[uint32]*idSet),
	}, nil
}

// Clone 复制交易对的全部挂单，用于试算
func (m *Market) Clone(env Env) *Market {
	c := &Market{
		Config:    m.Config,
		LastPrice: m.LastPrice,
		env:       env,
		orders:    make(map[uint64]*Order, len(m.orders)),
		asks:      m.asks.clone(),
		bids:      m.bids.clone(),
		users:     make(map[uint32]*idSet, len(m.users)),
	}
	for id, o := range m.orders {
		cp := *o
		c.orders[id] = &cp
	}
	for user, set := range m.users {
		c.users[user] = set.Clone()
	}
	return c
}

func (m *Market) side(s Side) *bookSide {
	if s == Ask {
		return m.asks
	}
	return m.bids
}

// lockedAsset 挂单冻结的资产
func (m *Market) lockedAsset(s Side) string {
	if s == Ask {
		return m.Stock
	}
	return m.Money
}

func (m *Market) assetPrec(symbol string) int32 {
	prec, _ := m.env.Assets.Prec(symbol)
	return int32(prec)
}

// bidFreeze 买单最坏情况下需要冻结的计价资产：price*left*(1+rate)，按资产精度向上取整
//
// rate 取 taker 与 maker 费率的较大者，挂单成交时的 maker 手续费从冻结中扣除。
func (m *Market) bidFreeze(price, left, takerFee, makerFee decimal.Decimal) decimal.Decimal {
	notional := price.Mul(left)
	rate := decimal.Max(takerFee, makerFee)
	return notional.Add(notional.Mul(rate)).RoundCeil(m.assetPrec(m.Money))
}

// PutOrder 挂单并冻结资金，冻结失败时撤销插入
func (m *Market) PutOrder(o *Order) error {
	if o.Type != TypeLimit && o.Type != TypeAON {
		return errors.Wrapf(ErrCannotRest, "order %d type %s", o.ID, o.Type)
	}
	if _, ok := m.orders[o.ID]; ok {
		return errors.Wrapf(ErrOrderExists, "order %d", o.ID)
	}

	o.Role = Maker
	var freeze decimal.Decimal
	if o.Side == Ask {
		freeze = o.Left
	} else {
		freeze = m.bidFreeze(o.Price, o.Left, o.TakerFee, o.MakerFee)
	}

	m.insert(o)
	if _, err := m.env.Ledger.Freeze(o.UserID, m.lockedAsset(o.Side), freeze); err != nil {
		m.remove(o)
		return errors.Wrapf(err, "freeze order %d", o.ID)
	}
	o.Freeze = freeze
	return nil
}

// Restore 恢复快照中的挂单，冻结余额已包含在账本快照中
func (m *Market) Restore(o *Order) error {
	if o.Type != TypeLimit && o.Type != TypeAON {
		return errors.Wrapf(ErrCannotRest, "order %d type %s", o.ID, o.Type)
	}
	if _, ok := m.orders[o.ID]; ok {
		return errors.Wrapf(ErrOrderExists, "order %d", o.ID)
	}
	o.Role = Maker
	m.insert(o)
	return nil
}

func (m *Market) insert(o *Order) {
	m.orders[o.ID] = o
	m.side(o.Side).insert(o)
	set, ok := m.users[o.UserID]
	if !ok {
		set = newIDSet()
		m.users[o.UserID] = set
	}
	set.ReplaceOrInsert(o.ID)
}

// remove 从盘口和索引中移除，用户不再有挂单且持仓为零时移除用户索引
func (m *Market) remove(o *Order) {
	m.side(o.Side).remove(o)
	delete(m.orders, o.ID)
	set, ok := m.users[o.UserID]
	if !ok {
		return
	}
	set.Delete(o.ID)
	if set.Len() == 0 && m.env.Ledger.Total(o.UserID, m.Name).IsZero() {
		delete(m.users, o.UserID)
	}
}

// AddUser 记录与本交易对发生过交互的用户
func (m *Market) AddUser(user uint32) {
	if _, ok := m.users[user]; !ok {
		m.users[user] = newIDSet()
	}
}

// Users 用户索引中的全部用户，升序
func (m *Market) Users() []uint32 {
	list := make([]uint32, 0, len(m.users))
	for user := range m.users {
		list = append(list, user)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// FinishOrder 订单结束：移出盘口，解冻剩余资金，有成交时写历史
func (m *Market) FinishOrder(real bool, o *Order) {
	m.remove(o)
	if o.Freeze.IsPositive() {
		if _, err := m.env.Ledger.Unfreeze(o.UserID, m.lockedAsset(o.Side), o.Freeze); err != nil {
			logger.Critical("解冻失败, 订单: %d, 用户: %d, 金额: %s, 错误: %v", o.ID, o.UserID, o.Freeze, err)
		} else {
			o.Freeze = decimal.Zero
		}
	}
	if real && o.DealStock.IsPositive() {
		m.appendOrder(o)
	}
}

// CancelOrder 撤单
func (m *Market) CancelOrder(real bool, o *Order) OrderInfo {
	if real {
		m.pushOrder(EventFinish, o, decimal.Zero)
	}
	info := o.Info()
	m.FinishOrder(real, o)
	return info
}

// GetOrder 按订单号查询挂单
func (m *Market) GetOrder(id uint64) (*Order, bool) {
	o, ok := m.orders[id]
	return o, ok
}

// UserOrders 用户挂单，按订单号升序分页，total 为挂单总数
func (m *Market) UserOrders(user uint32, offset, limit int) (list []OrderInfo, total int) {
	set, ok := m.users[user]
	if !ok {
		return nil, 0
	}
	total = set.Len()
	i := 0
	set.Ascend(func(id uint64) bool {
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

// Orders 先卖盘后买盘，按价格时间优先级遍历全部挂单
func (m *Market) Orders(fn func(*Order)) {
	for _, s := range []*bookSide{m.asks, m.bids} {
		s.each(func(id uint64) bool {
			fn(m.orders[id])
			return true
		})
	}
}

// Len 挂单数量
func (m *Market) Len() int {
	return len(m.orders)
}

// SetEnv 替换运行时依赖，Restore 账本后使用
func (m *Market) SetEnv(env Env) {
	m.env = env
}

func (m *Market) appendOrder(o *Order) {
	if err := m.env.Recorder.AppendOrder(o.Info()); err != nil {
		logger.Critical("写入订单历史失败, 订单: %d, 错误: %v", o.ID, err)
	}
}

func (m *Market) pushOrder(event Event, o *Order, filled decimal.Decimal) {
	if err := m.env.Notifier.PushOrder(event, o.Info(), m.Stock, m.Money, filled); err != nil {
		logger.Errorf("推送订单消息失败, 订单: %d, 事件: %s, 错误: %v", o.ID, event, err)
	}
}

// Discard 丢弃所有历史和消息
type Discard struct{}

func (Discard) AppendOrder(OrderInfo) error       { return nil }
func (Discard) AppendDeal(Deal) error             { return nil }
func (Discard) AppendBalance(BalanceChange) error { return nil }
func (Discard) PushOrder(Event, OrderInfo, string, string, decimal.Decimal) error {
	return nil
}
func (Discard) PushDeal(Deal) error             { return nil }
func (Discard) PushBalance(BalanceChange) error { return nil }
