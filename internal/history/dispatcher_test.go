package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchengine/internal/market"
	"matchengine/internal/metrics"
)

type memStore struct {
	mu       sync.Mutex
	orders   []market.OrderInfo
	deals    []market.Deal
	balances []market.BalanceChange
	fail     error
	block    chan struct{}
}

func (s *memStore) SaveOrders(_ context.Context, orders []market.OrderInfo) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.orders = append(s.orders, orders...)
	return nil
}

func (s *memStore) SaveDeals(_ context.Context, deals []market.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.deals = append(s.deals, deals...)
	return nil
}

func (s *memStore) SaveBalances(_ context.Context, changes []market.BalanceChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.balances = append(s.balances, changes...)
	return nil
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(Config{Workers: 3, BatchSize: 7, FlushInterval: time.Hour}, store, nil)

	for i := 0; i < 50; i++ {
		require.NoError(t, d.AppendOrder(market.OrderInfo{ID: uint64(i + 1)}))
		require.NoError(t, d.AppendDeal(market.Deal{ID: uint64(i + 1)}))
		require.NoError(t, d.AppendBalance(market.BalanceChange{UserID: uint32(i + 1)}))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, store.orders, 50)
	assert.Len(t, store.deals, 50)
	assert.Len(t, store.balances, 50)
	assert.True(t, errors.Is(d.AppendDeal(market.Deal{}), ErrClosed))
	assert.NoError(t, d.Close(context.Background()))
}

func TestDispatcherFlushesOnInterval(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(Config{Workers: 1, BatchSize: 100, FlushInterval: 5 * time.Millisecond}, store, nil)
	defer d.Close(context.Background())

	require.NoError(t, d.AppendDeal(market.Deal{ID: 1}))
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deals) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherQueueFull(t *testing.T) {
	m := metrics.New()
	store := &memStore{block: make(chan struct{})}
	d := NewDispatcher(Config{QueueSize: 2, Workers: 1, BatchSize: 1, FlushInterval: time.Hour}, store, m)

	// worker 阻塞在第一条记录上，队列再容纳两条
	require.NoError(t, d.AppendOrder(market.OrderInfo{ID: 1}))
	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.AppendOrder(market.OrderInfo{ID: 2}))
	require.NoError(t, d.AppendOrder(market.OrderInfo{ID: 3}))
	err := d.AppendOrder(market.OrderInfo{ID: 4})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryDropped.WithLabelValues("order")))

	close(store.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, store.orders, 3)
}

func TestDispatcherStoreFailure(t *testing.T) {
	m := metrics.New()
	store := &memStore{fail: errors.New("db down")}
	d := NewDispatcher(Config{Workers: 1, BatchSize: 10}, store, m)
	require.NoError(t, d.AppendBalance(market.BalanceChange{}))
	require.NoError(t, d.AppendBalance(market.BalanceChange{}))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HistoryDropped.WithLabelValues("balance")))
}
