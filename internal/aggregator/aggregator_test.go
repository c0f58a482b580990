package aggregator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
)

func TestPriceHistory_Bounded(t *testing.T) {
	h := NewPriceHistory(DefaultMaxHistory)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 130; i++ {
		h.Record(PriceSample{Time: base.Add(time.Duration(i) * time.Second), BestBid: Price(float64(i))})
	}

	samples := h.Samples()
	require.Len(t, samples, 100)
	// 保留最近 100 个，按时间先后
	assert.Equal(t, 30.0, *samples[0].BestBid)
	assert.Equal(t, 129.0, *samples[99].BestBid)
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].Time.After(samples[i-1].Time))
	}
}

func TestPriceHistory_EvictReported(t *testing.T) {
	h := NewPriceHistory(2)
	assert.False(t, h.Record(PriceSample{}))
	assert.False(t, h.Record(PriceSample{}))
	assert.True(t, h.Record(PriceSample{}))
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 2, h.Cap())
}

func TestPriceHistory_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultMaxHistory, NewPriceHistory(0).Cap())
}

func TestPriceHistory_SamplesAreCopies(t *testing.T) {
	h := NewPriceHistory(5)
	p := Price(1)
	h.Record(PriceSample{BestBid: p})
	*p = 2

	s := h.Samples()
	assert.Equal(t, 1.0, *s[0].BestBid)
	*s[0].BestBid = 3
	assert.Equal(t, 1.0, *h.Samples()[0].BestBid)
}

func TestPriceSample_Spread(t *testing.T) {
	s := PriceSample{BestBid: Price(50.1), BestAsk: Price(50.3)}
	sp, ok := s.Spread()
	require.True(t, ok)
	assert.Equal(t, 0.2, sp)

	_, ok = PriceSample{BestBid: Price(1)}.Spread()
	assert.False(t, ok)
}

func TestPriceSample_View(t *testing.T) {
	at := time.Date(2024, 1, 1, 9, 30, 5, 0, time.UTC)
	v := PriceSample{Time: at, BestBid: Price(50.1), BestAsk: Price(50.3)}.View()
	assert.Equal(t, "09:30:05", v.Label)
	require.NotNil(t, v.Spread)
	assert.Equal(t, 0.2, *v.Spread)

	raw, err := json.Marshal(PriceSample{Time: at}.View())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"best_bid":null`)
	assert.Contains(t, string(raw), `"spread":null`)
}

func quotes(bid, ask float64) exchange.BestPrices {
	return exchange.BestPrices{
		BestBid: &exchange.BestQuote{Price: bid, Side: true},
		BestAsk: &exchange.BestQuote{Price: ask},
	}
}

func TestAggregator_RecordPricesThreePolls(t *testing.T) {
	a := New(DefaultOptions())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		a.RecordPrices(base.Add(time.Duration(i)*5*time.Second), quotes(50.1, 50.3))
	}

	views := a.HistoryViews()
	require.Len(t, views, 3)
	for _, v := range views {
		require.NotNil(t, v.Spread)
		assert.Equal(t, 0.2, *v.Spread)
	}
}

func TestAggregator_RecordPricesGap(t *testing.T) {
	a := New(DefaultOptions())
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return fixed })

	s := a.RecordPrices(time.Time{}, exchange.FallbackBestPrices())
	assert.Nil(t, s.BestBid)
	assert.Nil(t, s.BestAsk)
	assert.Equal(t, fixed, s.Time)
	assert.Len(t, a.History(), 1)
}

func TestAggregator_RecordSampleBounded(t *testing.T) {
	a := New(Options{MaxHistory: 3})
	for i := 0; i < 10; i++ {
		a.RecordSample(PriceSample{BestAsk: Price(float64(i))})
	}
	h := a.History()
	require.Len(t, h, 3)
	assert.Equal(t, 7.0, *h[0].BestAsk)
}

func TestAggregator_BestPricesCopied(t *testing.T) {
	a := New(DefaultOptions())
	bp := quotes(10, 11)
	a.SetBestPrices(bp)
	bp.BestBid.Price = 99

	got := a.BestPrices()
	assert.Equal(t, 10.0, got.BestBid.Price)
	got.BestAsk.Price = 0
	assert.Equal(t, 11.0, a.BestPrices().BestAsk.Price)
}

func TestAggregator_UpdateDepth(t *testing.T) {
	opts := DefaultOptions()
	opts.Depth.TopN = 1
	a := New(opts)

	d := a.UpdateDepth(exchange.OrderBook{
		Bids: []exchange.Level{lv(99, 3), lv(100, 2)},
		Asks: []exchange.Level{lv(102, 4), lv(101, 1)},
	})
	assert.Equal(t, []DepthPoint{{100, 2}}, d.Bids)
	assert.Equal(t, []DepthPoint{{101, 1}}, d.Asks)
	assert.Equal(t, d, a.Depth())
}

func TestAggregator_UpdateTape(t *testing.T) {
	a := New(DefaultOptions())
	var trades []exchange.Trade
	for i := 0; i < 20; i++ {
		trades = append(trades, exchange.Trade{Timestamp: int64(1000 - i), Price: float64(i)})
	}

	tape := a.UpdateTape(trades)
	require.Len(t, tape, DefaultTapeSize)
	// 保持服务端顺序，不重新排序
	assert.Equal(t, int64(1000), tape[0].Timestamp)
	assert.Equal(t, tape, a.Tape())

	a.UpdateTape(nil)
	assert.NotNil(t, a.Tape())
	assert.Empty(t, a.Tape())
}

func TestAggregator_Snapshot(t *testing.T) {
	a := New(DefaultOptions())
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return fixed })

	a.SetBestPrices(quotes(50.1, 50.3))
	a.RecordPrices(fixed, quotes(50.1, 50.3))
	a.UpdateDepth(exchange.OrderBook{Bids: []exchange.Level{lv(50.1, 1)}})
	a.UpdateTape([]exchange.Trade{{Price: 50.2, Quantity: 1}})

	snap := a.Snapshot()
	assert.Equal(t, 50.1, snap.BestPrices.BestBid.Price)
	assert.Len(t, snap.History, 1)
	assert.Len(t, snap.Depth.Bids, 1)
	assert.Len(t, snap.Tape, 1)
	assert.Equal(t, fixed, snap.Updated.Depth)
	assert.Equal(t, fixed, snap.Updated.Tape)

	fresh := New(DefaultOptions()).Snapshot()
	assert.True(t, fresh.Updated.BestPrices.IsZero())
	assert.NotNil(t, fresh.Depth.Bids)
}

func TestAggregator_Concurrent(t *testing.T) {
	a := New(DefaultOptions())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.RecordPrices(time.Time{}, quotes(float64(i), float64(j)))
				a.UpdateDepth(exchange.OrderBook{Bids: []exchange.Level{lv(float64(j), 1)}})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = a.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, a.History(), DefaultMaxHistory)
}
