// Package snapshot 以 pebble 保存引擎状态切片
//
// 每个切片占用一段以 slice/<时间戳> 为前缀的键：
//
//	slice/<ts>/m                      元信息（序号、价格、用户索引、业务号）
//	slice/<ts>/b/<user>/<type>/<asset> 余额
//	slice/<ts>/o/<order id>           挂单
//
// 一个切片在同一个 batch 中写入。
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/balance"
	"matchengine/internal/engine"
	"matchengine/internal/market"
	"matchengine/pkg/logger"
)

// ErrNotFound 没有可用的切片
var ErrNotFound = errors.New("slice not found")

const prefix = "slice/"

// Store 切片存储
type Store struct {
	db *pebble.DB
}

// Open 打开存储目录
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble %s", dir)
	}
	return &Store{db: db}, nil
}

// Close 关闭存储
func (s *Store) Close() error {
	return s.db.Close()
}

type meta struct {
	Time     time.Time             `json:"time"`
	Seq      market.Sequence       `json:"seq"`
	Markets  []engine.MarketState  `json:"markets"`
	Updates  []engine.UpdateRecord `json:"updates"`
	Balances int                   `json:"balances"`
	Orders   int                   `json:"orders"`
}

func slicePrefix(ts int64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", prefix, ts))
}

func metaKey(ts int64) []byte {
	return append(slicePrefix(ts), 'm')
}

func balanceKey(ts int64, e balance.Entry) []byte {
	return append(slicePrefix(ts), fmt.Sprintf("b/%010d/%d/%s", e.UserID, e.Type, e.Asset)...)
}

func orderKey(ts int64, id uint64) []byte {
	return append(slicePrefix(ts), fmt.Sprintf("o/%020d", id)...)
}

// upperBound 前缀之后的第一个键
func upperBound(p []byte) []byte {
	end := append([]byte{}, p...)
	end[len(end)-1]++
	return end
}

func parseTime(key []byte) (int64, error) {
	rest := bytes.TrimPrefix(key, []byte(prefix))
	if len(rest) < 20 {
		return 0, errors.Errorf("bad slice key %q", key)
	}
	return strconv.ParseInt(string(rest[:20]), 10, 64)
}

// Save 写入切片，返回切片时间戳；同一秒内的切片会被覆盖
func (s *Store) Save(st *engine.State) (int64, error) {
	ts := st.Time.Unix()
	p := slicePrefix(ts)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(p, upperBound(p), nil); err != nil {
		return 0, err
	}
	for _, e := range st.Balances {
		if err := b.Set(balanceKey(ts, e), []byte(e.Amount.String()), nil); err != nil {
			return 0, err
		}
	}
	for i := range st.Orders {
		value, err := json.Marshal(&st.Orders[i])
		if err != nil {
			return 0, errors.Wrapf(err, "marshal order %d", st.Orders[i].ID)
		}
		if err := b.Set(orderKey(ts, st.Orders[i].ID), value, nil); err != nil {
			return 0, err
		}
	}
	value, err := json.Marshal(meta{
		Time:     st.Time,
		Seq:      st.Seq,
		Markets:  st.Markets,
		Updates:  st.Updates,
		Balances: len(st.Balances),
		Orders:   len(st.Orders),
	})
	if err != nil {
		return 0, errors.Wrap(err, "marshal slice meta")
	}
	if err := b.Set(metaKey(ts), value, nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "commit slice %d", ts)
	}
	return ts, nil
}

// List 全部切片时间戳，升序
func (s *Store) List() ([]int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var list []int64
	for valid := iter.First(); valid; {
		ts, err := parseTime(iter.Key())
		if err != nil {
			return nil, err
		}
		list = append(list, ts)
		valid = iter.SeekGE(upperBound(slicePrefix(ts)))
	}
	return list, iter.Error()
}

// Latest 最新的切片
func (s *Store) Latest() (*engine.State, error) {
	list, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		st, err := s.Load(list[i])
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		logger.Warnf("切片 %d 不完整, 跳过", list[i])
	}
	return nil, ErrNotFound
}

// Load 读取指定时间戳的切片
func (s *Store) Load(ts int64) (*engine.State, error) {
	value, closer, err := s.db.Get(metaKey(ts))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "slice %d", ts)
	}
	if err != nil {
		return nil, err
	}
	var m meta
	err = json.Unmarshal(value, &m)
	closer.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "decode slice %d meta", ts)
	}

	st := &engine.State{
		Time:     m.Time,
		Seq:      m.Seq,
		Markets:  m.Markets,
		Updates:  m.Updates,
		Balances: make([]balance.Entry, 0, m.Balances),
		Orders:   make([]market.Order, 0, m.Orders),
	}

	n := len(slicePrefix(ts)) + len("b/")
	if err := s.scan(append(slicePrefix(ts), "b/"...), func(key, value []byte) error {
		e, err := parseBalance(key[n:], value)
		if err != nil {
			return err
		}
		st.Balances = append(st.Balances, e)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.scan(append(slicePrefix(ts), "o/"...), func(_, value []byte) error {
		var o market.Order
		if err := json.Unmarshal(value, &o); err != nil {
			return errors.Wrap(err, "decode order")
		}
		st.Orders = append(st.Orders, o)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(st.Balances) != m.Balances || len(st.Orders) != m.Orders {
		return nil, errors.Errorf("slice %d corrupted: balances %d/%d orders %d/%d",
			ts, len(st.Balances), m.Balances, len(st.Orders), m.Orders)
	}
	return st, nil
}

func (s *Store) scan(p []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// parseBalance 解析 <user>/<type>/<asset>
func parseBalance(key, value []byte) (balance.Entry, error) {
	parts := strings.SplitN(string(key), "/", 3)
	if len(parts) != 3 {
		return balance.Entry{}, errors.Errorf("bad balance key %q", key)
	}
	user, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return balance.Entry{}, errors.Wrapf(err, "balance key %q", key)
	}
	typ, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return balance.Entry{}, errors.Wrapf(err, "balance key %q", key)
	}
	amount, err := decimal.NewFromString(string(value))
	if err != nil {
		return balance.Entry{}, errors.Wrapf(err, "balance key %q", key)
	}
	return balance.Entry{UserID: uint32(user), Type: balance.Type(typ), Asset: parts[2], Amount: amount}, nil
}

// Cleanup 删除早于 now-keep 的切片，始终保留最新一个
func (s *Store) Cleanup(keep time.Duration, now time.Time) (int, error) {
	list, err := s.List()
	if err != nil {
		return 0, err
	}
	deadline := now.Add(-keep).Unix()
	n := 0
	for i, ts := range list {
		if i == len(list)-1 || ts >= deadline {
			break
		}
		p := slicePrefix(ts)
		if err := s.db.DeleteRange(p, upperBound(p), pebble.Sync); err != nil {
			return n, errors.Wrapf(err, "delete slice %d", ts)
		}
		n++
	}
	return n, nil
}
