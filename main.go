package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"matchengine/internal/alert"
	"matchengine/internal/config"
	"matchengine/internal/engine"
	"matchengine/internal/history"
	"matchengine/internal/job"
	"matchengine/internal/market"
	"matchengine/internal/message"
	"matchengine/internal/metrics"
	"matchengine/internal/snapshot"
	"matchengine/pkg/logger"
)

func main() {
	path := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	conf, err := config.Load(*path)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if conf.Debug {
		conf.Log.Level = "debug"
	}
	if err := logger.Init(conf.Log); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	if err := run(conf); err != nil {
		logger.Errorf("撮合引擎异常退出: %v", err)
		os.Exit(1)
	}
}

func run(conf *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a := &app{conf: conf, metrics: m, hub: NewDepthHub()}

	// 初始化 Redis
	var pusher alert.Pusher
	if conf.Redis.Addr != "" {
		rc, err := NewRedisClient(ctx, conf.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		a.redis = rc
		pusher = rc
	}
	hook := alert.NewHook(conf.Alert, pusher)
	logger.AddHook(hook)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), conf.HTTP.ShutdownTimeout)
		defer cancel()
		hook.Close(closeCtx)
	}()

	// 初始化 PostgreSQL
	var (
		recorder   market.Recorder = market.Discard{}
		dispatcher *history.Dispatcher
	)
	if conf.Database.DSN != "" {
		pc, err := NewPostgresClient(conf.Database)
		if err != nil {
			return err
		}
		defer pc.Close()
		a.store = pc
		dispatcher = history.NewDispatcher(conf.History, pc, m)
		recorder = dispatcher
	} else {
		logger.Warnf("未配置数据库, 使用静态资产与交易对, 不保存历史")
	}

	// 初始化 Kafka
	var (
		notifier market.Notifier = market.Discard{}
		producer *message.Producer
	)
	if len(conf.Kafka.Brokers) > 0 {
		p, err := message.NewProducer(conf.Kafka, m)
		if err != nil {
			return err
		}
		producer = p
		notifier = p
	} else {
		logger.Warnf("未配置 Kafka, 不推送消息")
	}

	// 启动撮合引擎
	a.engine = engine.New(conf.Engine, engine.Options{Recorder: recorder, Notifier: notifier, Metrics: m})
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		a.engine.Run(engineCtx)
		close(engineDone)
	}()
	defer func() {
		stopEngine()
		<-engineDone
	}()

	assets, markets := conf.Assets, conf.Markets
	if a.store != nil {
		var err error
		if assets, markets, err = loadListed(ctx, a.store); err != nil {
			return err
		}
	}
	if err := bootstrap(ctx, a.engine, assets, markets); err != nil {
		return err
	}

	slices, err := snapshot.Open(conf.Snapshot.Dir)
	if err != nil {
		return err
	}
	defer slices.Close()
	a.slices = slices
	if err := a.restoreSlice(ctx); err != nil {
		return errors.Wrap(err, "restore slice")
	}

	sched := job.New(nil)
	for _, j := range a.jobs() {
		if err := sched.Add(j); err != nil {
			return err
		}
	}
	sched.Start(ctx)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:         conf.HTTP.Addr,
		Handler:      newRouter(&apiServer{engine: a.engine, metrics: m, hub: a.hub, listing: a.store}),
		ReadTimeout:  conf.HTTP.ReadTimeout,
		WriteTimeout: conf.HTTP.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP 服务器启动在 %s", conf.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infof("收到退出信号, 开始关闭")
	case err = <-serveErr:
		logger.Errorf("HTTP 服务器启动失败: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.HTTP.ShutdownTimeout)
	defer cancel()
	if e := server.Shutdown(shutdownCtx); e != nil {
		logger.Warnf("HTTP 服务器关闭失败: %v", e)
	}
	a.hub.Close()
	sched.Stop()

	// 退出前保存最后一个切片
	if e := a.saveSlice(shutdownCtx); e != nil {
		logger.Errorf("保存切片失败: %v", e)
	}
	stopEngine()
	<-engineDone

	if dispatcher != nil {
		if e := dispatcher.Close(shutdownCtx); e != nil {
			logger.Errorf("历史记录未全部写入: %v", e)
		}
	}
	if producer != nil {
		if e := producer.Close(); e != nil {
			logger.Errorf("关闭 Kafka 失败: %v", e)
		}
	}
	logger.Infof("撮合引擎已退出")
	return err
}
