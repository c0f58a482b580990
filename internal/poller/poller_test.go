package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/aggregator"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/health"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/publish"
)

// ---- Scheduler ----

func TestScheduler_RunsImmediatelyAndRepeats(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), Task{
		Name:     "tick",
		Interval: 200 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 100*time.Millisecond, time.Millisecond, "initial run should not wait for the first tick")
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestScheduler_Trigger(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), Task{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	s.Trigger("slow")
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)

	s.Trigger("missing") // 未知任务只记日志
	s.TriggerAfter(10*time.Millisecond)
	assert.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
}

func TestScheduler_NoSelfOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	s := NewScheduler(zap.NewNop(), Task{
		Name:     "busy",
		Interval: 2 * time.Millisecond,
		Run: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestScheduler_ErrorsKeepRunning(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), Task{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return &exchange.TransportError{Endpoint: exchange.EndpointTrades, Err: errors.New("refused")}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
}

// ---- Tasks ----

type fakeFetcher struct {
	mu     sync.Mutex
	best   exchange.BestPrices
	book   exchange.OrderBook
	trades []exchange.Trade
	err    error
}

func (f *fakeFetcher) GetBestPrices(context.Context) (exchange.BestPrices, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return exchange.BestPrices{BestBid: &exchange.BestQuote{Price: -1}}, f.err
	}
	return f.best, nil
}

func (f *fakeFetcher) GetOrderBook(context.Context) (exchange.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.book, f.err
}

func (f *fakeFetcher) GetTrades(context.Context) ([]exchange.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades, f.err
}

type captureSink struct {
	mu     sync.Mutex
	events []publish.Event
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Publish(_ context.Context, ev publish.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) kinds() []publish.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publish.Kind
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

func taskByName(t *testing.T, tasks []Task, name string) Task {
	t.Helper()
	for _, task := range tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("task %s not found", name)
	return Task{}
}

func newDeps(f *fakeFetcher, sink publish.Sink) Deps {
	return Deps{
		Fetcher:          f,
		Aggregator:       aggregator.New(aggregator.DefaultOptions()),
		Sink:             sink,
		RecordGapOnError: true,
	}
}

func TestBuildTasks_Names(t *testing.T) {
	tasks := BuildTasks(Deps{})
	assert.Len(t, tasks, 4)

	m := health.NewMonitor(&fakeProber{}, zap.NewNop())
	tasks = BuildTasks(Deps{Monitor: m})
	assert.Len(t, tasks, 5)
	taskByName(t, tasks, TaskHealth)
}

func TestPriceHistoryTask_ThreePolls(t *testing.T) {
	f := &fakeFetcher{best: exchange.BestPrices{
		BestBid: &exchange.BestQuote{Price: 50.1},
		BestAsk: &exchange.BestQuote{Price: 50.3},
	}}
	sink := &captureSink{}
	d := newDeps(f, sink)
	task := taskByName(t, BuildTasks(d), TaskPriceHistory)

	for i := 0; i < 3; i++ {
		require.NoError(t, task.Run(context.Background()))
	}

	views := d.Aggregator.HistoryViews()
	require.Len(t, views, 3)
	for _, v := range views {
		require.NotNil(t, v.Spread)
		assert.Equal(t, 0.2, *v.Spread)
	}
	assert.Equal(t, []publish.Kind{publish.KindPriceHistory, publish.KindPriceHistory, publish.KindPriceHistory}, sink.kinds())
}

func TestPriceHistoryTask_GapOnError(t *testing.T) {
	f := &fakeFetcher{err: &exchange.TransportError{Endpoint: exchange.EndpointBestPrices, Err: errors.New("refused")}}
	d := newDeps(f, nil)
	task := taskByName(t, BuildTasks(d), TaskPriceHistory)

	err := task.Run(context.Background())
	require.Error(t, err)

	h := d.Aggregator.History()
	require.Len(t, h, 1)
	// 失败时写入空缺点，而不是上游返回的残缺数据
	assert.Nil(t, h[0].BestBid)
	assert.Nil(t, h[0].BestAsk)
}

func TestPriceHistoryTask_NoGapWhenDisabled(t *testing.T) {
	f := &fakeFetcher{err: errors.New("boom")}
	d := newDeps(f, nil)
	d.RecordGapOnError = false
	task := taskByName(t, BuildTasks(d), TaskPriceHistory)

	require.Error(t, task.Run(context.Background()))
	assert.Empty(t, d.Aggregator.History())
}

func TestBestPricesTask_KeepsStaleOnError(t *testing.T) {
	f := &fakeFetcher{best: exchange.BestPrices{BestBid: &exchange.BestQuote{Price: 10}}}
	sink := &captureSink{}
	d := newDeps(f, sink)
	task := taskByName(t, BuildTasks(d), TaskBestPrices)

	require.NoError(t, task.Run(context.Background()))
	f.err = errors.New("boom")
	require.Error(t, task.Run(context.Background()))

	assert.Equal(t, 10.0, d.Aggregator.BestPrices().BestBid.Price)
	assert.Equal(t, []publish.Kind{publish.KindBestPrices}, sink.kinds())
}

func TestDepthTask(t *testing.T) {
	f := &fakeFetcher{book: exchange.OrderBook{
		Bids: []exchange.Level{{Price: 99, Quantity: 3}, {Price: 100, Quantity: 2}},
		Asks: []exchange.Level{{Price: 102, Quantity: 4}, {Price: 101, Quantity: 1}},
	}}
	sink := &captureSink{}
	d := newDeps(f, sink)
	task := taskByName(t, BuildTasks(d), TaskDepth)

	require.NoError(t, task.Run(context.Background()))
	depth := d.Aggregator.Depth()
	assert.Equal(t, []aggregator.DepthPoint{{Price: 100, CumulativeQuantity: 2}, {Price: 99, CumulativeQuantity: 5}}, depth.Bids)
	assert.Equal(t, []aggregator.DepthPoint{{Price: 101, CumulativeQuantity: 1}, {Price: 102, CumulativeQuantity: 5}}, depth.Asks)
	assert.Equal(t, []publish.Kind{publish.KindDepth}, sink.kinds())
}

func TestTapeTask(t *testing.T) {
	var trades []exchange.Trade
	for i := 0; i < 20; i++ {
		trades = append(trades, exchange.Trade{Timestamp: int64(i)})
	}
	f := &fakeFetcher{trades: trades}
	sink := &captureSink{}
	d := newDeps(f, sink)
	task := taskByName(t, BuildTasks(d), TaskTape)

	require.NoError(t, task.Run(context.Background()))
	assert.Len(t, d.Aggregator.Tape(), aggregator.DefaultTapeSize)

	sink.mu.Lock()
	payload, ok := sink.events[0].Payload.([]exchange.Trade)
	sink.mu.Unlock()
	require.True(t, ok, "tape payload should be []exchange.Trade")
	assert.Len(t, payload, aggregator.DefaultTapeSize)
}

// ---- WatchConnection ----

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestWatchConnection(t *testing.T) {
	p := &fakeProber{}
	m := health.NewMonitor(p, zap.NewNop())
	sink := &captureSink{}

	var runs atomic.Int32
	s := NewScheduler(zap.NewNop(), Task{
		Name:     TaskDepth,
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	WatchConnection(m, sink, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	p.mu.Lock()
	p.err = &exchange.TransportError{Endpoint: exchange.EndpointBestPrices, Err: errors.New("down")}
	p.mu.Unlock()
	m.Check(context.Background())

	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	m.Check(context.Background())

	assert.Equal(t, []publish.Kind{publish.KindConnection, publish.KindConnection}, sink.kinds())
	// 恢复在线后触发刷新
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}
