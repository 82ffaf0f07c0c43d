// Package engine 撮合引擎上下文：资产、账本、交易对与单线程命令循环
//
// 所有读写操作都以命令形式进入同一个有界队列，由 Run 所在的 goroutine
// 依次执行，撮合、清算、盘口修改与消息发出在一条命令内完成。
package engine

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"matchengine/internal/asset"
	"matchengine/internal/balance"
	"matchengine/internal/market"
	"matchengine/internal/metrics"
	"matchengine/pkg/logger"
)

var (
	ErrBusy           = errors.New("engine busy")
	ErrStopped        = errors.New("engine stopped")
	ErrMarketNotFound = errors.New("market not found")
	ErrMarketExists   = errors.New("market already exists")
	ErrMarketDelisted = errors.New("market delisted")
	ErrOrderNotFound  = errors.New("order not found")
	ErrUserMismatch   = errors.New("user not match")
	ErrPriceLimit     = errors.New("price out of limit")
	ErrDuplicate      = errors.New("repeat update")
)

// Config 引擎配置
type Config struct {
	// QueueSize 命令队列长度，队列满时返回 ErrBusy
	QueueSize int `mapstructure:"queue_size"`
	// PriceLimit 限价单相对最新价的最大偏离比例，0 表示不限制
	PriceLimit float64 `mapstructure:"price_limit"`
	// DedupTTL 余额变更业务号的去重保留时长
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// Options 外部协作者
type Options struct {
	Recorder market.Recorder
	Notifier market.Notifier
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// 命令状态，排队中的命令只能被执行或被放弃其一
const (
	cmdQueued int32 = iota
	cmdRunning
	cmdAbandoned
)

type command struct {
	fn    func() error
	err   error
	done  chan struct{}
	state int32
}

// Engine 撮合引擎
type Engine struct {
	conf     Config
	assets   *asset.Registry
	ledger   *balance.Ledger
	markets  map[string]*market.Market
	seq      market.Sequence
	recorder market.Recorder
	notifier market.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time

	// updates 已处理的余额变更业务号及处理时间
	updates map[updateKey]time.Time

	cmds    chan *command
	stopped chan struct{}
}

// New 创建引擎，需要调用 Run 启动命令循环
func New(conf Config, opts Options) *Engine {
	if conf.QueueSize <= 0 {
		conf.QueueSize = 1024
	}
	if conf.DedupTTL <= 0 {
		conf.DedupTTL = 24 * time.Hour
	}
	if opts.Recorder == nil {
		opts.Recorder = market.Discard{}
	}
	if opts.Notifier == nil {
		opts.Notifier = market.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	assets := asset.NewRegistry()
	return &Engine{
		conf:     conf,
		assets:   assets,
		ledger:   balance.NewLedger(assets),
		markets:  make(map[string]*market.Market),
		recorder: opts.Recorder,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		now:      opts.Now,
		updates:  make(map[updateKey]time.Time),
		cmds:     make(chan *command, conf.QueueSize),
		stopped:  make(chan struct{}),
	}
}

// Run 执行命令直到 ctx 结束，只能调用一次
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)
	logger.Infof("撮合引擎启动, 交易对: %d, 队列长度: %d", len(e.markets), e.conf.QueueSize)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("撮合引擎停止, 未处理命令: %d", len(e.cmds))
			return
		case c := <-e.cmds:
			// 调用方已放弃的命令不再执行
			if !atomic.CompareAndSwapInt32(&c.state, cmdQueued, cmdRunning) {
				continue
			}
			start := time.Now()
			c.err = e.exec(c.fn)
			close(c.done)
			e.metrics.ObserveCommand(time.Since(start), len(e.cmds))
		}
	}
}

func (e *Engine) exec(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Critical("命令执行异常: %v", r)
			err = errors.Errorf("engine panic: %v", r)
		}
	}()
	return fn()
}

// Do 将 fn 放入命令队列并等待执行完成
//
// ctx 结束时仍在排队的命令被放弃且不会执行；已开始执行的命令等待其完成并返回真实结果。
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	c := &command{fn: fn, done: make(chan struct{})}
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	select {
	case e.cmds <- c:
	default:
		return ErrBusy
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		if atomic.CompareAndSwapInt32(&c.state, cmdQueued, cmdAbandoned) {
			return ctx.Err()
		}
		<-c.done
		return c.err
	case <-e.stopped:
		select {
		case <-c.done:
			return c.err
		default:
			return ErrStopped
		}
	}
}

func (e *Engine) env() market.Env {
	return market.Env{
		Assets:   e.assets,
		Ledger:   e.ledger,
		Recorder: e.recorder,
		Notifier: e.notifier,
		Seq:      &e.seq,
		Now:      e.now,
	}
}

func (e *Engine) market(name string) (*market.Market, error) {
	m, ok := e.markets[name]
	if !ok {
		return nil, errors.Wrapf(ErrMarketNotFound, "market %s", name)
	}
	return m, nil
}

func (e *Engine) sortedMarkets() []*market.Market {
	list := make([]*market.Market, 0, len(e.markets))
	for _, m := range e.markets {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Assets 资产注册表，可并发读取
func (e *Engine) Assets() *asset.Registry {
	return e.assets
}

// Stats 最新订单号与成交号
func (e *Engine) Stats(ctx context.Context) (market.Sequence, error) {
	var seq market.Sequence
	err := e.Do(ctx, func() error {
		seq = e.seq
		return nil
	})
	return seq, err
}

func priceLimit(conf Config) decimal.Decimal {
	if conf.PriceLimit <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(conf.PriceLimit)
}
