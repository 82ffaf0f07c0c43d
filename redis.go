package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"matchengine/internal/config"
	"matchengine/internal/market"
)

const depthKeyPrefix = "depth:"

// RedisClient 封装Redis客户端：告警列表与盘口缓存
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient 初始化Redis客户端并检查连接
func NewRedisClient(ctx context.Context, conf config.RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{Addr: conf.Addr, Password: conf.Password, DB: conf.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("无法连接到 Redis %s: %v", conf.Addr, err)
	}
	return &RedisClient{client: rdb, ttl: conf.DepthTTL}, nil
}

// Close 关闭Redis客户端
func (rc *RedisClient) Close() {
	rc.client.Close()
}

// RPush 追加到列表，供告警 hook 使用
func (rc *RedisClient) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return rc.client.RPush(ctx, key, values...)
}

// CacheDepth 写入各交易对的盘口快照
func (rc *RedisClient) CacheDepth(ctx context.Context, depths []market.Depth) error {
	if len(depths) == 0 {
		return nil
	}
	pipe := rc.client.Pipeline()
	for _, d := range depths {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		pipe.Set(ctx, depthKeyPrefix+d.Market, data, rc.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
