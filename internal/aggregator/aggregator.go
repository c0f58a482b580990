package aggregator

import (
	"sync"
	"time"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
)

// DefaultTapeSize 成交明细展示条数
const DefaultTapeSize = 15

type Options struct {
	MaxHistory int
	TapeSize   int // 0 表示不截断
	Depth      DepthOptions
}

func DefaultOptions() Options {
	return Options{
		MaxHistory: DefaultMaxHistory,
		TapeSize:   DefaultTapeSize,
		Depth:      DefaultDepthOptions(),
	}
}

// Updated 各类数据最近一次刷新的时间，零值表示尚未刷新
type Updated struct {
	BestPrices time.Time `json:"best_prices"`
	History    time.Time `json:"history"`
	Depth      time.Time `json:"depth"`
	Tape       time.Time `json:"tape"`
}

// Snapshot 某一时刻全部图表数据的一致副本
type Snapshot struct {
	BestPrices exchange.BestPrices `json:"best_prices"`
	History    []SampleView        `json:"history"`
	Depth      Depth               `json:"depth"`
	Tape       []exchange.Trade    `json:"tape"`
	Updated    Updated             `json:"updated"`
}

// Aggregator 持有行情看板的全部状态，并发安全
type Aggregator struct {
	mu      sync.RWMutex
	opts    Options
	history *PriceHistory
	best    exchange.BestPrices
	depth   Depth
	tape    []exchange.Trade
	updated Updated
	now     func() time.Time
}

func New(opts Options) *Aggregator {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	return &Aggregator{
		opts:    opts,
		history: NewPriceHistory(opts.MaxHistory),
		depth:   Depth{Bids: []DepthPoint{}, Asks: []DepthPoint{}},
		tape:    []exchange.Trade{},
		now:     time.Now,
	}
}

// SetClock 替换时间源，测试中使用
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *Aggregator) Options() Options { return a.opts }

// RecordSample 追加一个价格采样
func (a *Aggregator) RecordSample(s PriceSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history.Record(s)
	a.updated.History = a.now()
}

// RecordPrices 将最优价响应转换为采样并追加，at 为零值时取当前时间
func (a *Aggregator) RecordPrices(at time.Time, bp exchange.BestPrices) PriceSample {
	a.mu.Lock()
	defer a.mu.Unlock()

	if at.IsZero() {
		at = a.now()
	}
	s := PriceSample{Time: at}
	if bp.BestBid != nil {
		s.BestBid = Price(bp.BestBid.Price)
	}
	if bp.BestAsk != nil {
		s.BestAsk = Price(bp.BestAsk.Price)
	}
	a.history.Record(s)
	a.updated.History = a.now()
	return s
}

// History 按时间先后返回采样副本
func (a *Aggregator) History() []PriceSample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.history.Samples()
}

// HistoryViews 带 label 与 spread 的采样副本
func (a *Aggregator) HistoryViews() []SampleView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return views(a.history.Samples())
}

func (a *Aggregator) SetBestPrices(bp exchange.BestPrices) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.best = cloneBestPrices(bp)
	a.updated.BestPrices = a.now()
}

func (a *Aggregator) BestPrices() exchange.BestPrices {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneBestPrices(a.best)
}

// UpdateDepth 用最新盘口重算深度并保存
func (a *Aggregator) UpdateDepth(ob exchange.OrderBook) Depth {
	d := ComputeBookDepth(ob, a.opts.Depth)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.depth = d
	a.updated.Depth = a.now()
	return cloneDepth(d)
}

func (a *Aggregator) Depth() Depth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneDepth(a.depth)
}

// UpdateTape 保存最新成交明细的前 TapeSize 条，保持服务端顺序
func (a *Aggregator) UpdateTape(trades []exchange.Trade) []exchange.Trade {
	n := len(trades)
	if a.opts.TapeSize > 0 && n > a.opts.TapeSize {
		n = a.opts.TapeSize
	}
	tape := make([]exchange.Trade, n)
	copy(tape, trades[:n])

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tape = tape
	a.updated.Tape = a.now()
	return append([]exchange.Trade(nil), tape...)
}

func (a *Aggregator) Tape() []exchange.Trade {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]exchange.Trade, len(a.tape))
	copy(out, a.tape)
	return out
}

// Snapshot 在同一把锁内复制全部数据
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tape := make([]exchange.Trade, len(a.tape))
	copy(tape, a.tape)

	return Snapshot{
		BestPrices: cloneBestPrices(a.best),
		History:    views(a.history.Samples()),
		Depth:      cloneDepth(a.depth),
		Tape:       tape,
		Updated:    a.updated,
	}
}

func views(samples []PriceSample) []SampleView {
	out := make([]SampleView, len(samples))
	for i, s := range samples {
		out[i] = s.View()
	}
	return out
}

func cloneBestPrices(bp exchange.BestPrices) exchange.BestPrices {
	var out exchange.BestPrices
	if bp.BestBid != nil {
		q := *bp.BestBid
		out.BestBid = &q
	}
	if bp.BestAsk != nil {
		q := *bp.BestAsk
		out.BestAsk = &q
	}
	return out
}

func cloneDepth(d Depth) Depth {
	return Depth{
		Bids: append(make([]DepthPoint, 0, len(d.Bids)), d.Bids...),
		Asks: append(make([]DepthPoint, 0, len(d.Asks)), d.Asks...),
	}
}
