package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/aggregator"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/config"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/health"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/logger"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/metrics"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/poller"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/publish"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/server"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/stream"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file; missing file falls back to defaults and env")
	flag.Parse()

	// 1. 加载配置
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("[Main] 读取配置失败: %v", err)
	}

	lg, err := logger.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		log.Fatalf("[Main] 初始化日志失败: %v", err)
	}
	defer lg.Sync()

	env := cfg.Upstream.GetActiveEnv()
	lg.Info("starting market dashboard gateway",
		zap.String("env", cfg.Upstream.ActiveEnv),
		zap.String("upstream", env.BaseURL),
		zap.String("addr", cfg.Server.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.Init(lg)
	client := exchange.NewClient(env.BaseURL, env.RequestTimeout, env.ProbeTimeout)

	agg := aggregator.New(aggregator.Options{
		MaxHistory: cfg.Aggregator.MaxHistory,
		TapeSize:   cfg.Aggregator.TapeSize,
		Depth: aggregator.DepthOptions{
			TopN:            cfg.Aggregator.DepthLevels,
			MergeDuplicates: cfg.Aggregator.MergeDuplicatePrices,
			Validation:      aggregator.Validation(cfg.Aggregator.Validation),
		},
	})

	// 2. 下游：WebSocket 必选，Redis / Kafka 按配置启用
	hub := stream.NewHub(lg)
	sink := publish.NewFanout(lg, hub)

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			lg.Fatal("redis connection failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer rdb.Close()
		sink.Add(publish.NewRedisSink(rdb, cfg.Redis.KeyPrefix, cfg.Redis.TTL))
		lg.Info("redis sink enabled", zap.String("addr", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.KeyPrefix))
	}

	if cfg.Kafka.Enabled {
		ks := publish.NewKafkaSink(cfg.Kafka.Brokers, publish.KafkaTopics{
			BestBid: cfg.Kafka.BestBidTopic,
			BestAsk: cfg.Kafka.BestAskTopic,
			Trades:  cfg.Kafka.TradeTopic,
		})
		defer ks.Close()
		sink.Add(ks)
		lg.Info("kafka sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	// 3. 轮询与连接监控
	monitor := health.NewMonitor(client, lg)
	sched := poller.NewScheduler(lg, poller.BuildTasks(poller.Deps{
		Fetcher:    client,
		Aggregator: agg,
		Sink:       sink,
		Monitor:    monitor,
		Intervals: poller.Intervals{
			BestPrices:   cfg.Poll.BestPrices,
			PriceHistory: cfg.Poll.PriceHistory,
			Depth:        cfg.Poll.Depth,
			Tape:         cfg.Poll.Tape,
			Health:       cfg.Poll.Health,
		},
		RecordGapOnError: cfg.Aggregator.RecordGapOnError,
		Log:              lg,
	})...)
	poller.WatchConnection(monitor, sink, sched)

	// 4. HTTP 接口
	api := server.New(server.Options{
		Aggregator: agg,
		Orders:     client,
		Refresher:  sched,
		Sink:       sink,
		Monitor:    monitor,
		Stream:     hub,
		Metrics:    metrics.Handler(reg),
		Log:        lg,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	wg := conc.NewWaitGroup()
	wg.Go(func() { hub.Run(ctx) })
	wg.Go(func() { sched.Run(ctx) })
	wg.Go(func() {
		lg.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http server failed", zap.Error(err))
			stop()
		}
	})

	// 5. 优雅退出
	<-ctx.Done()
	lg.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Warn("graceful shutdown failed, forcing close", zap.Error(err))
		_ = httpServer.Close()
	}

	wg.Wait()
	lg.Info("gateway stopped")
}
