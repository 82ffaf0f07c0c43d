// Package alert 将带告警标记的日志转发到 Redis 列表和 webhook
package alert

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"matchengine/pkg/logger"
)

// DefaultKey 告警消息列表
const DefaultKey = "alert:message"

// Config 告警配置
type Config struct {
	Host      string        `mapstructure:"host"`
	RedisKey  string        `mapstructure:"redis_key"`
	Webhook   string        `mapstructure:"webhook"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Pusher Redis 列表写入
type Pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Hook logrus 告警 hook，发送在独立 goroutine 中进行，队列满时丢弃
type Hook struct {
	conf   Config
	redis  Pusher
	client *resty.Client

	mu     sync.RWMutex
	closed bool
	queue  chan string
	done   chan struct{}
}

// NewHook 创建并启动告警发送；redis 为 nil 时只发 webhook
func NewHook(conf Config, rdb Pusher) *Hook {
	if conf.RedisKey == "" {
		conf.RedisKey = DefaultKey
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = 100
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 5 * time.Second
	}
	if conf.Host == "" {
		conf.Host, _ = os.Hostname()
	}
	h := &Hook{
		conf:   conf,
		redis:  rdb,
		client: resty.New().SetTimeout(conf.Timeout).SetHeader("Content-Type", "application/json"),
		queue:  make(chan string, conf.QueueSize),
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

// Levels hook 关注的日志级别
func (h *Hook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

// Fire 只转发带告警标记的日志
func (h *Hook) Fire(entry *logrus.Entry) error {
	if v, ok := entry.Data[logger.AlertField].(bool); !ok || !v {
		return nil
	}
	msg := fmt.Sprintf("[%s] %s %s", h.conf.Host, entry.Time.Format("2006-01-02 15:04:05"), entry.Message)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	select {
	case h.queue <- msg:
	default:
	}
	return nil
}

func (h *Hook) loop() {
	defer close(h.done)
	for msg := range h.queue {
		h.send(msg)
	}
}

func (h *Hook) send(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.Timeout)
	defer cancel()
	// 在 hook 内部不能再走 logger，否则会递归触发
	if h.redis != nil {
		if err := h.redis.RPush(ctx, h.conf.RedisKey, msg).Err(); err != nil {
			fmt.Fprintf(os.Stderr, "告警写入 Redis 失败: %v\n", err)
		}
	}
	if h.conf.Webhook != "" {
		if err := h.post(ctx, msg); err != nil {
			fmt.Fprintf(os.Stderr, "告警 webhook 失败: %v\n", err)
		}
	}
}

func (h *Hook) post(ctx context.Context, msg string) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": msg}).
		Post(h.conf.Webhook)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return errors.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}

// Close 发送完队列中的告警后退出
func (h *Hook) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
