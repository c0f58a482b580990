package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/aggregator"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/health"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/metrics"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/publish"
)

const (
	TaskBestPrices   = "best_prices"
	TaskPriceHistory = "price_history"
	TaskDepth        = "depth"
	TaskTape         = "tape"
	TaskHealth       = "health"
)

// AfterOrder 下单成功后需要刷新的任务
var AfterOrder = []string{TaskBestPrices, TaskDepth, TaskTape}

// DataTasks 连接恢复后需要刷新的任务
var DataTasks = []string{TaskBestPrices, TaskPriceHistory, TaskDepth, TaskTape}

// Fetcher 上游数据接口，由 exchange.Client 实现
type Fetcher interface {
	GetBestPrices(ctx context.Context) (exchange.BestPrices, error)
	GetOrderBook(ctx context.Context) (exchange.OrderBook, error)
	GetTrades(ctx context.Context) ([]exchange.Trade, error)
}

type Intervals struct {
	BestPrices   time.Duration
	PriceHistory time.Duration
	Depth        time.Duration
	Tape         time.Duration
	Health       time.Duration
}

type Deps struct {
	Fetcher          Fetcher
	Aggregator       *aggregator.Aggregator
	Sink             publish.Sink
	Monitor          *health.Monitor // 为 nil 时不注册 health 任务
	Intervals        Intervals
	RecordGapOnError bool
	Log              *zap.Logger
}

// BuildTasks 为每类数据构造独立的刷新任务
func BuildTasks(d Deps) []Task {
	if d.Sink == nil {
		d.Sink = publish.Nop{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	tasks := []Task{
		{Name: TaskBestPrices, Interval: d.Intervals.BestPrices, Run: d.refreshBestPrices},
		{Name: TaskPriceHistory, Interval: d.Intervals.PriceHistory, Run: d.refreshPriceHistory},
		{Name: TaskDepth, Interval: d.Intervals.Depth, Run: d.refreshDepth},
		{Name: TaskTape, Interval: d.Intervals.Tape, Run: d.refreshTape},
	}
	if d.Monitor != nil {
		tasks = append(tasks, Task{Name: TaskHealth, Interval: d.Intervals.Health, Run: d.Monitor.Check})
	}
	return tasks
}

func (d Deps) refreshBestPrices(ctx context.Context) error {
	start := time.Now()
	bp, err := d.Fetcher.GetBestPrices(ctx)
	observe(exchange.EndpointBestPrices, start)
	if err != nil {
		return err
	}
	d.Aggregator.SetBestPrices(bp)
	d.publish(ctx, publish.KindBestPrices, bp)
	return nil
}

// refreshPriceHistory 拉取失败时按配置写入空缺点，图上表现为断线
func (d Deps) refreshPriceHistory(ctx context.Context) error {
	start := time.Now()
	bp, err := d.Fetcher.GetBestPrices(ctx)
	observe(exchange.EndpointBestPrices, start)
	if err != nil {
		if !d.RecordGapOnError || ctx.Err() != nil {
			return err
		}
		bp = exchange.FallbackBestPrices()
	}

	s := d.Aggregator.RecordPrices(time.Now(), bp)
	metrics.HistorySize.Set(float64(len(d.Aggregator.History())))
	if sp, ok := s.Spread(); ok {
		metrics.LatestSpread.Set(sp)
	}
	d.publish(ctx, publish.KindPriceHistory, s.View())
	return err
}

func (d Deps) refreshDepth(ctx context.Context) error {
	start := time.Now()
	ob, err := d.Fetcher.GetOrderBook(ctx)
	observe(exchange.EndpointOrderBook, start)
	if err != nil {
		return err
	}
	depth := d.Aggregator.UpdateDepth(ob)
	d.publish(ctx, publish.KindDepth, depth)
	return nil
}

func (d Deps) refreshTape(ctx context.Context) error {
	start := time.Now()
	trades, err := d.Fetcher.GetTrades(ctx)
	observe(exchange.EndpointTrades, start)
	if err != nil {
		return err
	}
	tape := d.Aggregator.UpdateTape(trades)
	d.publish(ctx, publish.KindTape, tape)
	return nil
}

// publish 推送失败只记日志，不影响本地状态
func (d Deps) publish(ctx context.Context, kind publish.Kind, payload any) {
	if err := d.Sink.Publish(ctx, publish.NewEvent(kind, payload)); err != nil {
		d.Log.Debug("publish incomplete", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// WatchConnection 连接状态切换时推送 connection 事件，恢复在线后立即刷新全部数据
func WatchConnection(m *health.Monitor, sink publish.Sink, s *Scheduler) {
	m.OnChange(func(online bool, reason string) {
		ev := publish.NewEvent(publish.KindConnection, publish.ConnectionPayload{Online: online, Reason: reason})
		_ = sink.Publish(context.Background(), ev)
		if online {
			s.Trigger(DataTasks...)
		}
	})
}

func observe(endpoint string, start time.Time) {
	metrics.FetchLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
