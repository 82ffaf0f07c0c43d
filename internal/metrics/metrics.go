// Package metrics 撮合引擎的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matchengine"

// Metrics 指标集合，nil 时所有记录方法为空操作
type Metrics struct {
	// 下单计数，按交易对与订单类型
	OrdersTotal *prometheus.CounterVec
	// 下单失败计数，按交易对与原因
	OrdersRejected *prometheus.CounterVec
	// 成交计数
	DealsTotal *prometheus.CounterVec
	// 挂单数量
	OrdersActive *prometheus.GaugeVec

	// 命令执行耗时
	CommandDuration prometheus.Histogram
	// 命令队列长度
	QueueDepth prometheus.Gauge

	// 历史记录丢弃计数
	HistoryDropped *prometheus.CounterVec
	// 消息推送失败计数
	MessageErrors *prometheus.CounterVec
	// 快照耗时
	SnapshotDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Total accepted orders",
		}, []string{"market", "type"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total rejected orders",
		}, []string{"market", "reason"}),
		DealsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deals_total",
			Help:      "Total executed deals",
		}, []string{"market"}),
		OrdersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders_active",
			Help:      "Resting orders per market",
		}, []string{"market"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "command_duration_seconds",
			Help:      "Engine command execution time in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Pending engine commands",
		}),
		HistoryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "dropped_total",
			Help:      "History records dropped because the queue was full or the write failed",
		}, []string{"kind"}),
		MessageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "errors_total",
			Help:      "Messages that could not be published",
		}, []string{"topic"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Snapshot slice time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.OrdersTotal,
		m.OrdersRejected,
		m.DealsTotal,
		m.OrdersActive,
		m.CommandDuration,
		m.QueueDepth,
		m.HistoryDropped,
		m.MessageErrors,
		m.SnapshotDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOrder 记录下单
func (m *Metrics) RecordOrder(market, typ string, deals int) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(market, typ).Inc()
	if deals > 0 {
		m.DealsTotal.WithLabelValues(market).Add(float64(deals))
	}
}

// RecordReject 记录下单失败
func (m *Metrics) RecordReject(market, reason string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(market, reason).Inc()
}

// SetActive 更新挂单数量
func (m *Metrics) SetActive(market string, n int) {
	if m == nil {
		return
	}
	m.OrdersActive.WithLabelValues(market).Set(float64(n))
}

// ObserveCommand 记录命令耗时与队列长度
func (m *Metrics) ObserveCommand(d time.Duration, pending int) {
	if m == nil {
		return
	}
	m.CommandDuration.Observe(d.Seconds())
	m.QueueDepth.Set(float64(pending))
}

// RecordDropped 记录丢弃的历史记录
func (m *Metrics) RecordDropped(kind string) {
	if m == nil {
		return
	}
	m.HistoryDropped.WithLabelValues(kind).Inc()
}

// RecordMessageError 记录推送失败
func (m *Metrics) RecordMessageError(topic string) {
	if m == nil {
		return
	}
	m.MessageErrors.WithLabelValues(topic).Inc()
}

// ObserveSnapshot 记录快照耗时
func (m *Metrics) ObserveSnapshot(d time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotDuration.Observe(d.Seconds())
}
