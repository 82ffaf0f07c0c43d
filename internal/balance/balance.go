// Package balance 实现按 (用户, 类型, 资产) 记账的内存账本
package balance

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/asset"
)

// Type 余额类型
type Type uint8

const (
	// Available 可用
	Available Type = 1
	// Freeze 冻结
	Freeze Type = 2
)

func (t Type) String() string {
	switch t {
	case Available:
		return "available"
	case Freeze:
		return "freeze"
	}
	return "unknown"
}

var (
	// ErrNegativeAmount 金额为负
	ErrNegativeAmount = errors.New("negative amount")
	// ErrInsufficient 余额不足
	ErrInsufficient = errors.New("balance not enough")
)

type key struct {
	user  uint32
	typ   Type
	asset string
}

// Entry 一条非零余额
type Entry struct {
	UserID uint32          `json:"user_id"`
	Type   Type            `json:"type"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Status 某资产的账本汇总
type Status struct {
	Asset          string          `json:"name"`
	Total          decimal.Decimal `json:"total"`
	TotalCount     int             `json:"total_count"`
	Available      decimal.Decimal `json:"available"`
	AvailableCount int             `json:"available_count"`
	Freeze         decimal.Decimal `json:"freeze"`
	FreezeCount    int             `json:"freeze_count"`
}

// Ledger 余额账本，零值条目不存储
//
// Ledger 不是并发安全的，由撮合引擎的命令循环串行访问。
type Ledger struct {
	assets  *asset.Registry
	entries map[key]decimal.Decimal
}

// NewLedger 创建账本
func NewLedger(assets *asset.Registry) *Ledger {
	return &Ledger{
		assets:  assets,
		entries: make(map[key]decimal.Decimal),
	}
}

func (l *Ledger) prec(symbol string) (int32, error) {
	prec, err := l.assets.Prec(symbol)
	if err != nil {
		return 0, err
	}
	return int32(prec), nil
}

// store 按存储精度写入，结果为零时删除条目
func (l *Ledger) store(k key, v decimal.Decimal, prec int32) decimal.Decimal {
	v = v.Round(prec)
	if v.Sign() <= 0 {
		delete(l.entries, k)
		return decimal.Zero
	}
	l.entries[k] = v
	return v
}

// Get 查询余额，不存在即为零
func (l *Ledger) Get(user uint32, typ Type, symbol string) decimal.Decimal {
	return l.entries[key{user, typ, symbol}]
}

// Set 直接设置余额，amount <= 0 时删除条目
func (l *Ledger) Set(user uint32, typ Type, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	prec, err := l.prec(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return l.store(key{user, typ, symbol}, amount, prec), nil
}

// Add 增加余额
func (l *Ledger) Add(user uint32, typ Type, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	prec, err := l.prec(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrNegativeAmount, "add %s", amount)
	}
	k := key{user, typ, symbol}
	return l.store(k, l.entries[k].Add(amount), prec), nil
}

// Sub 扣减余额，余额不足时不做修改
func (l *Ledger) Sub(user uint32, typ Type, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	prec, err := l.prec(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrNegativeAmount, "sub %s", amount)
	}
	k := key{user, typ, symbol}
	cur := l.entries[k]
	if cur.LessThan(amount) {
		return decimal.Zero, errors.Wrapf(ErrInsufficient, "user %d %s %s: %s < %s", user, typ, symbol, cur, amount)
	}
	return l.store(k, cur.Sub(amount), prec), nil
}

// Freeze 可用转冻结，返回剩余可用
func (l *Ledger) Freeze(user uint32, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.move(user, symbol, amount, Available, Freeze)
}

// Unfreeze 冻结转可用，返回剩余冻结
func (l *Ledger) Unfreeze(user uint32, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.move(user, symbol, amount, Freeze, Available)
}

func (l *Ledger) move(user uint32, symbol string, amount decimal.Decimal, from, to Type) (decimal.Decimal, error) {
	prec, err := l.prec(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrNegativeAmount, "move %s", amount)
	}
	src := key{user, from, symbol}
	cur := l.entries[src]
	if cur.LessThan(amount) {
		return decimal.Zero, errors.Wrapf(ErrInsufficient, "user %d %s %s: %s < %s", user, from, symbol, cur, amount)
	}
	dst := key{user, to, symbol}
	l.store(dst, l.entries[dst].Add(amount), prec)
	return l.store(src, cur.Sub(amount), prec), nil
}

// Total 可用 + 冻结，未注册的资产视为零
func (l *Ledger) Total(user uint32, symbol string) decimal.Decimal {
	return l.entries[key{user, Available, symbol}].Add(l.entries[key{user, Freeze, symbol}])
}

// Status 汇总某资产的持有情况
func (l *Ledger) Status(symbol string) Status {
	st := Status{Asset: symbol}
	for k, v := range l.entries {
		if k.asset != symbol {
			continue
		}
		st.Total = st.Total.Add(v)
		st.TotalCount++
		if k.typ == Available {
			st.Available = st.Available.Add(v)
			st.AvailableCount++
		} else {
			st.Freeze = st.Freeze.Add(v)
			st.FreezeCount++
		}
	}
	return st
}

// Each 按 (用户, 类型, 资产) 顺序遍历所有条目
func (l *Ledger) Each(fn func(Entry)) {
	keys := make([]key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.user != b.user {
			return a.user < b.user
		}
		if a.typ != b.typ {
			return a.typ < b.typ
		}
		return a.asset < b.asset
	})
	for _, k := range keys {
		fn(Entry{UserID: k.user, Type: k.typ, Asset: k.asset, Amount: l.entries[k]})
	}
}

// User 返回用户全部非零余额
func (l *Ledger) User(user uint32) []Entry {
	var list []Entry
	for k, v := range l.entries {
		if k.user == user {
			list = append(list, Entry{UserID: k.user, Type: k.typ, Asset: k.asset, Amount: v})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Asset != list[j].Asset {
			return list[i].Asset < list[j].Asset
		}
		return list[i].Type < list[j].Type
	})
	return list
}

// Len 条目数
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Clone 复制账本，共享资产注册表
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		assets:  l.assets,
		entries: make(map[key]decimal.Decimal, len(l.entries)),
	}
	for k, v := range l.entries {
		c.entries[k] = v
	}
	return c
}
