package aggregator

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxHistory 价格走势图保留的采样点数
const DefaultMaxHistory = 100

// PriceSample 一次最优价采样，某一侧没有挂单时为 nil（图上断开）
type PriceSample struct {
	Time    time.Time `json:"time"`
	BestBid *float64  `json:"best_bid"`
	BestAsk *float64  `json:"best_ask"`
}

// Label 图表横轴使用的时间文本
func (s PriceSample) Label() string {
	return s.Time.Format("15:04:05")
}

// Spread 买卖价差，任一侧缺失时返回 false
// 用十进制计算，避免 50.3-50.1 得到 0.19999999999999574
func (s PriceSample) Spread() (float64, bool) {
	d, ok := s.SpreadDecimal()
	if !ok {
		return 0, false
	}
	return d.InexactFloat64(), true
}

func (s PriceSample) SpreadDecimal() (decimal.Decimal, bool) {
	if s.BestBid == nil || s.BestAsk == nil {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(*s.BestAsk).Sub(decimal.NewFromFloat(*s.BestBid)), true
}

// SampleView 对外输出的采样点，附带展示字段
type SampleView struct {
	PriceSample
	Label  string   `json:"label"`
	Spread *float64 `json:"spread"`
}

func (s PriceSample) View() SampleView {
	v := SampleView{PriceSample: s, Label: s.Label()}
	if sp, ok := s.Spread(); ok {
		v.Spread = &sp
	}
	return v
}

// PriceHistory 定长 FIFO，超出容量时淘汰最旧的采样，非并发安全
type PriceHistory struct {
	capacity int
	samples  []PriceSample
}

func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = DefaultMaxHistory
	}
	return &PriceHistory{
		capacity: capacity,
		samples:  make([]PriceSample, 0, capacity),
	}
}

// Record 追加一个采样，返回是否淘汰了最旧的点
func (h *PriceHistory) Record(s PriceSample) bool {
	s.BestBid = clonePrice(s.BestBid)
	s.BestAsk = clonePrice(s.BestAsk)

	if len(h.samples) < h.capacity {
		h.samples = append(h.samples, s)
		return false
	}
	// 已满：整体左移一位，底层数组复用
	copy(h.samples, h.samples[1:])
	h.samples[len(h.samples)-1] = s
	return true
}

func (h *PriceHistory) Len() int { return len(h.samples) }

func (h *PriceHistory) Cap() int { return h.capacity }

// Samples 按时间先后返回副本
func (h *PriceHistory) Samples() []PriceSample {
	out := make([]PriceSample, len(h.samples))
	for i, s := range h.samples {
		s.BestBid = clonePrice(s.BestBid)
		s.BestAsk = clonePrice(s.BestAsk)
		out[i] = s
	}
	return out
}

func clonePrice(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Price 测试与调用方构造采样时使用
func Price(v float64) *float64 { return &v }
