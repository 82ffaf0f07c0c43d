package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/balance"
	"matchengine/internal/market"
	"matchengine/pkg/logger"
)

// MarketState 交易对的价格与用户索引
type MarketState struct {
	Name         string          `json:"name"`
	LastPrice    decimal.Decimal `json:"last_price"`
	ClosingPrice decimal.Decimal `json:"closing_price"`
	Users        []uint32        `json:"users"`
}

// UpdateRecord 已处理的余额变更业务号
type UpdateRecord struct {
	updateKey
	Time time.Time `json:"time"`
}

// State 引擎状态切片：余额、挂单、序号与价格
type State struct {
	Time     time.Time       `json:"time"`
	Seq      market.Sequence `json:"seq"`
	Balances []balance.Entry `json:"balances"`
	Markets  []MarketState   `json:"markets"`
	Orders   []market.Order  `json:"orders"`
	Updates  []UpdateRecord  `json:"updates"`
}

// Dump 复制当前状态
func (e *Engine) Dump(ctx context.Context) (*State, error) {
	st := &State{}
	err := e.Do(ctx, func() error {
		st.Time = e.now()
		st.Seq = e.seq
		e.ledger.Each(func(entry balance.Entry) {
			st.Balances = append(st.Balances, entry)
		})
		for _, m := range e.sortedMarkets() {
			st.Markets = append(st.Markets, MarketState{
				Name:         m.Name,
				LastPrice:    m.LastPrice,
				ClosingPrice: m.ClosingPrice,
				Users:        m.Users(),
			})
			m.Orders(func(o *market.Order) {
				st.Orders = append(st.Orders, *o)
			})
		}
		for k, t := range e.updates {
			st.Updates = append(st.Updates, UpdateRecord{updateKey: k, Time: t})
		}
		return nil
	})
	return st, err
}

// Restore 从状态切片恢复，要求资产与交易对已全部上线且引擎尚无余额和挂单
//
// 恢复在新的账本与交易对副本上进行，全部成功后才替换，失败时引擎状态不变。
func (e *Engine) Restore(ctx context.Context, st *State) error {
	return e.Do(ctx, func() error {
		if e.ledger.Len() > 0 {
			return errors.New("restore into non-empty ledger")
		}
		for _, m := range e.markets {
			if m.Len() > 0 {
				return errors.Errorf("restore into non-empty market %s", m.Name)
			}
		}

		ledger := balance.NewLedger(e.assets)
		for _, entry := range st.Balances {
			if _, err := ledger.Set(entry.UserID, entry.Type, entry.Asset, entry.Amount); err != nil {
				return errors.Wrapf(err, "restore balance user %d %s", entry.UserID, entry.Asset)
			}
		}

		env := e.env()
		env.Ledger = ledger
		markets := make(map[string]*market.Market, len(e.markets))
		for name, m := range e.markets {
			markets[name] = m.Clone(env)
		}
		for _, ms := range st.Markets {
			m, ok := markets[ms.Name]
			if !ok {
				logger.Warnf("恢复状态时交易对不存在: %s", ms.Name)
				continue
			}
			m.LastPrice = ms.LastPrice
			m.ClosingPrice = ms.ClosingPrice
			for _, user := range ms.Users {
				m.AddUser(user)
			}
		}
		for i := range st.Orders {
			o := st.Orders[i]
			m, ok := markets[o.Market]
			if !ok {
				logger.Critical("恢复挂单时交易对不存在, 订单: %d, 交易对: %s", o.ID, o.Market)
				continue
			}
			if err := m.Restore(&o); err != nil {
				return errors.Wrapf(err, "restore order %d", o.ID)
			}
		}

		e.ledger = ledger
		e.markets = markets
		for _, u := range st.Updates {
			if !e.expired(u.Time) {
				e.updates[u.updateKey] = u.Time
			}
		}
		if st.Seq.OrderID > e.seq.OrderID {
			e.seq.OrderID = st.Seq.OrderID
		}
		if st.Seq.DealID > e.seq.DealID {
			e.seq.DealID = st.Seq.DealID
		}
		for _, m := range e.markets {
			e.metrics.SetActive(m.Name, m.Len())
		}
		logger.Infof("状态恢复完成, 余额: %d, 挂单: %d, 订单号: %d, 成交号: %d",
			len(st.Balances), len(st.Orders), e.seq.OrderID, e.seq.DealID)
		return nil
	})
}
