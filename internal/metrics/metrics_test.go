package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()
	m.RecordOrder("BTC_USDT", "limit", 2)
	m.RecordOrder("BTC_USDT", "limit", 0)
	m.RecordReject("BTC_USDT", "balance")
	m.SetActive("BTC_USDT", 7)
	m.RecordDropped("deal")
	m.ObserveCommand(time.Millisecond, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrdersTotal.WithLabelValues("BTC_USDT", "limit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DealsTotal.WithLabelValues("BTC_USDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersRejected.WithLabelValues("BTC_USDT", "balance")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OrdersActive.WithLabelValues("BTC_USDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryDropped.WithLabelValues("deal")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOrder("X", "limit", 1)
		m.RecordReject("X", "y")
		m.SetActive("X", 1)
		m.ObserveCommand(time.Second, 1)
		m.RecordDropped("order")
		m.RecordMessageError("deals")
		m.ObserveSnapshot(time.Second)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordOrder("BTC_USDT", "market", 1)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `matchengine_orders_total{market="BTC_USDT",type="market"} 1`)
}
