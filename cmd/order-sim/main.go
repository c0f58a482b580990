// cmd/order-sim/main.go
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/config"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/logger"
)

// randomOrder 随机方向、类型、价格与数量；市价单价格为 0
func randomOrder(r *rand.Rand, minPrice, maxPrice float64, maxQty int) exchange.OrderForm {
	form := exchange.OrderForm{
		Side:      exchange.SideSell,
		OrderType: exchange.OrderTypeLimit,
		Quantity:  r.Intn(maxQty) + 1,
	}
	if r.Intn(2) == 0 {
		form.Side = exchange.SideBuy
	}
	if r.Intn(2) == 0 {
		form.OrderType = exchange.OrderTypeMarket
	}
	if form.OrderType == exchange.OrderTypeLimit {
		form.Price = math.Round((minPrice+r.Float64()*(maxPrice-minPrice))*100) / 100
	}
	return form
}

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	count := flag.Int("n", 0, "number of orders to send, 0 runs until interrupted")
	minPrice := flag.Float64("min-price", 10, "lowest limit price")
	maxPrice := flag.Float64("max-price", 500, "highest limit price")
	maxQty := flag.Int("max-qty", 100, "largest order quantity")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "shortest pause between orders")
	maxDelay := flag.Duration("max-delay", 4*time.Second, "longest pause between orders")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	if *maxQty < 1 || *maxPrice < *minPrice || *maxDelay < *minDelay {
		log.Fatal("invalid flags: need max-qty >= 1, max-price >= min-price, max-delay >= min-delay")
	}

	// 1. 加载配置
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	lg, err := logger.New(cfg.Logging.Level, true)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Sync()

	env := cfg.Upstream.GetActiveEnv()
	client := exchange.NewClient(env.BaseURL, env.RequestTimeout, env.ProbeTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := rand.New(rand.NewSource(*seed))
	lg.Info("order simulator started", zap.String("upstream", env.BaseURL), zap.Int64("seed", *seed))

	// 2. 循环发单
	sent, rejected := 0, 0
	for i := 1; *count == 0 || i <= *count; i++ {
		form := randomOrder(r, *minPrice, *maxPrice, *maxQty)
		if _, err := client.AddOrder(ctx, form); err != nil {
			if ctx.Err() != nil {
				break
			}
			rejected++
			lg.Warn("order rejected",
				zap.Int("seq", i),
				zap.String("kind", string(exchange.Classify(err))),
				zap.Error(err))
		} else {
			sent++
			lg.Info("order sent",
				zap.Int("seq", i),
				zap.String("side", form.Side),
				zap.String("order_type", form.OrderType),
				zap.Float64("price", form.Price),
				zap.Int("quantity", form.Quantity))
		}

		delay := *minDelay + time.Duration(r.Int63n(int64(*maxDelay-*minDelay)+1))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			continue
		}
		break
	}

	lg.Info("order simulator stopped", zap.Int("sent", sent), zap.Int("rejected", rejected))
}
