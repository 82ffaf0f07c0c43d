// Package history 订单、成交与余额流水的异步落库
package history

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"matchengine/internal/market"
	"matchengine/internal/metrics"
	"matchengine/pkg/logger"
)

// ErrQueueFull 历史队列已满
var ErrQueueFull = errors.New("history queue full")

// ErrClosed 分发器已关闭
var ErrClosed = errors.New("history dispatcher closed")

// Store 历史存储
type Store interface {
	SaveOrders(ctx context.Context, orders []market.OrderInfo) error
	SaveDeals(ctx context.Context, deals []market.Deal) error
	SaveBalances(ctx context.Context, changes []market.BalanceChange) error
}

// Config 分发器配置
type Config struct {
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type record struct {
	order   *market.OrderInfo
	deal    *market.Deal
	balance *market.BalanceChange
}

// Dispatcher 实现 market.Recorder，记录进入有界队列后由多个 worker 批量写入
type Dispatcher struct {
	conf    Config
	store   Store
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan record
	wg     sync.WaitGroup
}

// NewDispatcher 创建并启动 worker
func NewDispatcher(conf Config, store Store, m *metrics.Metrics) *Dispatcher {
	if conf.QueueSize <= 0 {
		conf.QueueSize = 1000
	}
	if conf.Workers <= 0 {
		conf.Workers = 4
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	if conf.FlushInterval <= 0 {
		conf.FlushInterval = 100 * time.Millisecond
	}
	d := &Dispatcher{
		conf:    conf,
		store:   store,
		metrics: m,
		queue:   make(chan record, conf.QueueSize),
	}
	for i := 0; i < conf.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	logger.Infof("历史分发器启动, worker: %d, 队列长度: %d", conf.Workers, conf.QueueSize)
	return d
}

// AppendOrder 记录结束的订单
func (d *Dispatcher) AppendOrder(info market.OrderInfo) error {
	return d.push(record{order: &info}, "order")
}

// AppendDeal 记录成交
func (d *Dispatcher) AppendDeal(deal market.Deal) error {
	return d.push(record{deal: &deal}, "deal")
}

// AppendBalance 记录余额流水
func (d *Dispatcher) AppendBalance(c market.BalanceChange) error {
	return d.push(record{balance: &c}, "balance")
}

func (d *Dispatcher) push(r record, kind string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.RecordDropped(kind)
		return ErrClosed
	}
	select {
	case d.queue <- r:
		return nil
	default:
		d.metrics.RecordDropped(kind)
		return errors.Wrapf(ErrQueueFull, "%s record", kind)
	}
}

// Pending 队列中等待写入的记录数
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

type batch struct {
	orders   []market.OrderInfo
	deals    []market.Deal
	balances []market.BalanceChange
}

func (b *batch) add(r record) {
	switch {
	case r.order != nil:
		b.orders = append(b.orders, *r.order)
	case r.deal != nil:
		b.deals = append(b.deals, *r.deal)
	case r.balance != nil:
		b.balances = append(b.balances, *r.balance)
	}
}

func (b *batch) len() int {
	return len(b.orders) + len(b.deals) + len(b.balances)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.conf.FlushInterval)
	defer ticker.Stop()

	b := &batch{}
	for {
		select {
		case r, ok := <-d.queue:
			if !ok {
				d.flush(b)
				return
			}
			b.add(r)
			if b.len() >= d.conf.BatchSize {
				d.flush(b)
				b = &batch{}
			}
		case <-ticker.C:
			if b.len() > 0 {
				d.flush(b)
				b = &batch{}
			}
		}
	}
}

func (d *Dispatcher) flush(b *batch) {
	ctx := context.Background()
	if len(b.orders) > 0 {
		if err := d.store.SaveOrders(ctx, b.orders); err != nil {
			d.dropped("order", len(b.orders), err)
		}
	}
	if len(b.deals) > 0 {
		if err := d.store.SaveDeals(ctx, b.deals); err != nil {
			d.dropped("deal", len(b.deals), err)
		}
	}
	if len(b.balances) > 0 {
		if err := d.store.SaveBalances(ctx, b.balances); err != nil {
			d.dropped("balance", len(b.balances), err)
		}
	}
}

func (d *Dispatcher) dropped(kind string, n int, err error) {
	for i := 0; i < n; i++ {
		d.metrics.RecordDropped(kind)
	}
	logger.Errorf("写入历史失败, 类型: %s, 数量: %d, 错误: %v", kind, n, err)
}

// Close 停止接收新记录，等待队列写完或 ctx 结束
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Infof("历史分发器已关闭")
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "history drain, pending %d", len(d.queue))
	}
}
