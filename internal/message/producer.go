// Package message 订单、成交与余额消息推送到 Kafka
package message

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"matchengine/internal/market"
	"matchengine/internal/metrics"
	"matchengine/pkg/logger"
)

// Config Kafka 配置
type Config struct {
	Brokers       []string      `mapstructure:"brokers"`
	OrdersTopic   string        `mapstructure:"orders_topic"`
	DealsTopic    string        `mapstructure:"deals_topic"`
	BalancesTopic string        `mapstructure:"balances_topic"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// Writer kafka.Writer 的最小接口
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 异步推送消息，推送失败只记录日志
type Producer struct {
	conf    Config
	writer  Writer
	metrics *metrics.Metrics
}

// NewProducer 创建异步 Kafka 生产者
func NewProducer(conf Config, m *metrics.Metrics) (*Producer, error) {
	if len(conf.Brokers) == 0 {
		return nil, errors.New("kafka brokers empty")
	}
	if conf.BatchTimeout <= 0 {
		conf.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(conf.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            conf.MaxAttempts,
		BatchTimeout:           conf.BatchTimeout,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			for _, msg := range msgs {
				m.RecordMessageError(msg.Topic)
			}
			logger.Errorf("推送 Kafka 消息失败, 数量: %d, 错误: %v", len(msgs), err)
		},
	}
	logger.Infof("Kafka 生产者已创建, brokers: %v", conf.Brokers)
	return newProducer(conf, w, m), nil
}

func newProducer(conf Config, w Writer, m *metrics.Metrics) *Producer {
	if conf.OrdersTopic == "" {
		conf.OrdersTopic = "orders"
	}
	if conf.DealsTopic == "" {
		conf.DealsTopic = "deals"
	}
	if conf.BalancesTopic == "" {
		conf.BalancesTopic = "balances"
	}
	return &Producer{conf: conf, writer: w, metrics: m}
}

// OrderMessage 订单消息
type OrderMessage struct {
	Event  market.Event     `json:"event"`
	Order  market.OrderInfo `json:"order"`
	Stock  string           `json:"stock"`
	Money  string           `json:"money"`
	Filled decimal.Decimal  `json:"filled"`
}

// PushOrder 推送订单事件，以交易对为 key
func (p *Producer) PushOrder(event market.Event, info market.OrderInfo, stock, money string, filled decimal.Decimal) error {
	return p.send(p.conf.OrdersTopic, info.Market, OrderMessage{
		Event:  event,
		Order:  info,
		Stock:  stock,
		Money:  money,
		Filled: filled,
	})
}

// PushDeal 推送成交，以交易对为 key
func (p *Producer) PushDeal(deal market.Deal) error {
	return p.send(p.conf.DealsTopic, deal.Market, deal)
}

// PushBalance 推送余额变更，以用户为 key
func (p *Producer) PushBalance(c market.BalanceChange) error {
	return p.send(p.conf.BalancesTopic, strconv.FormatUint(uint64(c.UserID), 10), c)
}

func (p *Producer) send(topic, key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s message", topic)
	}
	err = p.writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.metrics.RecordMessageError(topic)
		return errors.Wrapf(err, "write %s message", topic)
	}
	return nil
}

// Close 刷新缓冲并关闭
func (p *Producer) Close() error {
	return p.writer.Close()
}
