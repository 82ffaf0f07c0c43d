// Package job 按 偏移 + k*间隔 对齐触发的定时任务
package job

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"matchengine/pkg/logger"
)

// Func 任务函数
type Func func(ctx context.Context) error

// Job 定时任务定义
type Job struct {
	Name string
	// Interval 触发间隔
	Interval time.Duration
	// Offset 对齐基准的 unix 秒，触发时刻为 Offset + k*Interval
	Offset int64
	Run    Func
}

// Next 严格晚于 now 的下一次触发时刻
func Next(now time.Time, offset int64, interval time.Duration) time.Time {
	base := offset * int64(time.Second)
	n := now.UnixNano()
	iv := int64(interval)
	d := (n - base) % iv
	if d < 0 {
		d += iv
	}
	return time.Unix(0, n-d+iv)
}

// Scheduler 定时任务调度器，每个任务一个 goroutine，同一任务不会并发执行
type Scheduler struct {
	now  func() time.Time
	jobs []Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建调度器，now 为 nil 时使用 time.Now
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{now: now}
}

// Add 添加任务，需在 Start 之前调用
func (s *Scheduler) Add(j Job) error {
	if j.Interval <= 0 {
		return errors.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Run == nil {
		return errors.Errorf("job %s: nil func", j.Name)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start 启动全部任务
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	logger.Infof("定时任务 %s 启动, 间隔: %s", j.Name, j.Interval)
	timer := time.NewTimer(Next(s.now(), j.Offset, j.Interval).Sub(s.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("定时任务 %s 已停止", j.Name)
			return
		case <-timer.C:
			start := time.Now()
			if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("定时任务 %s 执行失败: %v", j.Name, err)
			} else {
				logger.Debugf("定时任务 %s 完成, 耗时: %s", j.Name, time.Since(start))
			}
			now := s.now()
			timer.Reset(Next(now, j.Offset, j.Interval).Sub(now))
		}
	}
}

// Stop 停止并等待正在执行的任务返回
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
