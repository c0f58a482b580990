// cmd/check-upstream/main.go

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/aggregator"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/config"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	// 1. 加载配置
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg, err := logger.New("debug", true)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer lg.Sync()

	// 2. 获取当前激活的上游环境
	env := cfg.Upstream.GetActiveEnv()
	lg.Info("checking upstream", zap.String("env", cfg.Upstream.ActiveEnv), zap.String("base_url", env.BaseURL))

	client := exchange.NewClient(env.BaseURL, env.RequestTimeout, env.ProbeTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	report := func(endpoint string, start time.Time, err error, fields ...zap.Field) {
		fields = append(fields, zap.String("endpoint", endpoint), zap.Duration("elapsed", time.Since(start)))
		if err != nil {
			failed = true
			lg.Error("check failed", append(fields, zap.String("kind", string(exchange.Classify(err))), zap.Error(err))...)
			return
		}
		lg.Info("check ok", fields...)
	}

	// 3. 逐个接口检查
	start := time.Now()
	report("HEAD "+exchange.EndpointBestPrices, start, client.Probe(ctx))

	start = time.Now()
	bp, err := client.GetBestPrices(ctx)
	sample := aggregator.PriceSample{Time: time.Now()}
	if bp.BestBid != nil {
		sample.BestBid = aggregator.Price(bp.BestBid.Price)
	}
	if bp.BestAsk != nil {
		sample.BestAsk = aggregator.Price(bp.BestAsk.Price)
	}
	spread, _ := sample.Spread()
	report(exchange.EndpointBestPrices, start, err,
		zap.Bool("has_bid", bp.BestBid != nil),
		zap.Bool("has_ask", bp.BestAsk != nil),
		zap.Float64("spread", spread))

	start = time.Now()
	ob, err := client.GetOrderBook(ctx)
	bids, asks := aggregator.ComputeDepth(ob.Bids, ob.Asks, aggregator.DefaultDepthOptions())
	fields := []zap.Field{zap.Int("bids", len(ob.Bids)), zap.Int("asks", len(ob.Asks))}
	if len(bids) > 0 {
		fields = append(fields, zap.Float64("bid_depth", bids[len(bids)-1].CumulativeQuantity))
	}
	if len(asks) > 0 {
		fields = append(fields, zap.Float64("ask_depth", asks[len(asks)-1].CumulativeQuantity))
	}
	report(exchange.EndpointOrderBook, start, err, fields...)

	start = time.Now()
	trades, err := client.GetTrades(ctx)
	report(exchange.EndpointTrades, start, err, zap.Int("trades", len(trades)))

	if failed {
		os.Exit(1)
	}
}
