package market

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

// bookKey 盘口排序键，只保存价格和订单号
type bookKey struct {
	price decimal.Decimal
	id    uint64
}

// bookSide 一侧盘口：卖盘价格升序，买盘价格降序，同价按订单号升序
type bookSide struct {
	tree *btree.BTreeG[bookKey]
}

func newBookSide(side Side) *bookSide {
	less := func(a, b bookKey) bool {
		if c := a.price.Cmp(b.price); c != 0 {
			if side == Ask {
				return c < 0
			}
			return c > 0
		}
		return a.id < b.id
	}
	return &bookSide{tree: btree.NewG[bookKey](btreeDegree, less)}
}

func keyOf(o *Order) bookKey {
	return bookKey{price: o.Price, id: o.ID}
}

func (s *bookSide) insert(o *Order) bool {
	_, replaced := s.tree.ReplaceOrInsert(keyOf(o))
	return !replaced
}

func (s *bookSide) remove(o *Order) {
	s.tree.Delete(keyOf(o))
}

func (s *bookSide) len() int {
	return s.tree.Len()
}

// first 最优价
func (s *bookSide) first() (bookKey, bool) {
	return s.tree.Min()
}

// next 返回排在 after 之后的第一个键，after 本身可能已被删除
func (s *bookSide) next(after bookKey) (bookKey, bool) {
	var (
		found bookKey
		ok    bool
	)
	s.tree.AscendGreaterOrEqual(after, func(k bookKey) bool {
		if k.id == after.id {
			return true
		}
		found, ok = k, true
		return false
	})
	return found, ok
}

// each 按优先级遍历，fn 返回 false 时停止
func (s *bookSide) each(fn func(id uint64) bool) {
	s.tree.Ascend(func(k bookKey) bool {
		return fn(k.id)
	})
}

func (s *bookSide) clone() *bookSide {
	return &bookSide{tree: s.tree.Clone()}
}

// idSet 用户订单号集合，升序
type idSet = btree.BTreeG[uint64]

func newIDSet() *idSet {
	return btree.NewOrderedG[uint64](btreeDegree)
}
