package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"matchengine/internal/config"
	"matchengine/internal/engine"
	"matchengine/internal/job"
	"matchengine/internal/metrics"
	"matchengine/internal/snapshot"
	"matchengine/pkg/logger"
)

// app 进程内的各组件
type app struct {
	conf    *config.Config
	engine  *engine.Engine
	metrics *metrics.Metrics
	// store 为 nil 时不从数据库刷新上线配置
	store  listingStore
	slices *snapshot.Store
	hub    *DepthHub
	redis  *RedisClient
}

// jobs 进程的定时任务
func (a *app) jobs() []job.Job {
	c := a.conf.Jobs
	list := []job.Job{
		{Name: "closing_price", Interval: c.ClosingInterval, Offset: c.ClosingOffset, Run: func(ctx context.Context) error {
			return closeMarkets(ctx, a.engine, a.store)
		}},
		{Name: "snapshot", Interval: a.conf.Snapshot.Interval, Run: a.saveSlice},
		{Name: "depth", Interval: c.DepthInterval, Run: a.pushDepth},
		{Name: "purge_updates", Interval: c.PurgeInterval, Run: func(ctx context.Context) error {
			n, err := a.engine.PurgeUpdates(ctx)
			if n > 0 {
				logger.Infof("清理过期余额业务号 %d 个", n)
			}
			return err
		}},
	}
	if a.store != nil {
		list = append(list, job.Job{Name: "listing", Interval: c.ListingInterval, Offset: c.ListingOffset, Run: func(ctx context.Context) error {
			return refreshListing(ctx, a.engine, a.store)
		}})
	}
	return list
}

// saveSlice 保存切片并清理过期切片
func (a *app) saveSlice(ctx context.Context) error {
	start := time.Now()
	st, err := a.engine.Dump(ctx)
	if err != nil {
		return err
	}
	ts, err := a.slices.Save(st)
	if err != nil {
		return err
	}
	a.metrics.ObserveSnapshot(time.Since(start))
	logger.Infof("保存切片 %d, 余额 %d 条, 挂单 %d 个, 耗时 %s", ts, len(st.Balances), len(st.Orders), time.Since(start))

	n, err := a.slices.Cleanup(a.conf.Snapshot.Keep, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Infof("删除过期切片 %d 个", n)
	}
	return nil
}

// restoreSlice 从最新切片恢复，没有切片时从空状态启动
func (a *app) restoreSlice(ctx context.Context) error {
	st, err := a.slices.Latest()
	if errors.Is(err, snapshot.ErrNotFound) {
		logger.Infof("没有可用切片, 从空状态启动")
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.engine.Restore(ctx, st); err != nil {
		return err
	}
	logger.Infof("从切片 %d 恢复, 余额 %d 条, 挂单 %d 个", st.Time.Unix(), len(st.Balances), len(st.Orders))
	return nil
}

// pushDepth 推送盘口到 WebSocket 客户端并写入缓存
func (a *app) pushDepth(ctx context.Context) error {
	depths, err := a.engine.Depths(ctx, a.conf.Jobs.DepthLimit)
	if err != nil {
		return err
	}
	a.hub.Broadcast(depths)
	if a.redis != nil {
		return a.redis.CacheDepth(ctx, depths)
	}
	return nil
}
