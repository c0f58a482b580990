package aggregator

import (
	"math"
	"sort"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
)

// DefaultDepthLevels 深度图每侧展示的档位数
const DefaultDepthLevels = 10

// Validation 档位数据的校验策略
type Validation string

const (
	ValidationTrust Validation = "trust" // 原样使用上游数据
	ValidationDrop  Validation = "drop"  // 丢弃 NaN/Inf、非正价格、负数量的档位
)

// DepthPoint 深度图上的一个点
type DepthPoint struct {
	Price              float64 `json:"price"`
	CumulativeQuantity float64 `json:"cumulative_quantity"`
}

// Depth 两侧的累计深度，买盘从高到低，卖盘从低到高
type Depth struct {
	Bids []DepthPoint `json:"bids"`
	Asks []DepthPoint `json:"asks"`
}

// DepthOptions TopN 为 0 表示不截断
type DepthOptions struct {
	TopN            int
	MergeDuplicates bool
	Validation      Validation
}

func DefaultDepthOptions() DepthOptions {
	return DepthOptions{TopN: DefaultDepthLevels, Validation: ValidationTrust}
}

// ComputeDepth 排序、截断并累加两侧档位，不修改入参
func ComputeDepth(bids, asks []exchange.Level, opts DepthOptions) (bidDepth, askDepth []DepthPoint) {
	sortedBids := prepareSide(bids, opts, func(a, b float64) bool { return a > b })
	sortedAsks := prepareSide(asks, opts, func(a, b float64) bool { return a < b })
	return cumulate(sortedBids), cumulate(sortedAsks)
}

// ComputeBookDepth 对整本盘口计算深度
func ComputeBookDepth(ob exchange.OrderBook, opts DepthOptions) Depth {
	b, a := ComputeDepth(ob.Bids, ob.Asks, opts)
	return Depth{Bids: b, Asks: a}
}

func prepareSide(levels []exchange.Level, opts DepthOptions, better func(a, b float64) bool) []exchange.Level {
	side := make([]exchange.Level, 0, len(levels))
	for _, l := range levels {
		if opts.Validation == ValidationDrop && !validLevel(l) {
			continue
		}
		side = append(side, l)
	}

	// 同价按数量降序，输出与入参顺序无关
	sort.Slice(side, func(i, j int) bool {
		a, b := side[i], side[j]
		if a.Price == b.Price {
			return a.Quantity > b.Quantity
		}
		return better(a.Price, b.Price)
	})

	// 合并必须在截断之前，否则重复价位会挤占档位
	if opts.MergeDuplicates {
		side = mergeLevels(side)
	}

	if opts.TopN > 0 && len(side) > opts.TopN {
		side = side[:opts.TopN]
	}
	return side
}

// mergeLevels 合并已排序切片中相邻的同价档位
func mergeLevels(sorted []exchange.Level) []exchange.Level {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, l := range sorted[1:] {
		last := &out[len(out)-1]
		if l.Price == last.Price {
			last.Quantity += l.Quantity
			continue
		}
		out = append(out, l)
	}
	return out
}

func cumulate(side []exchange.Level) []DepthPoint {
	points := make([]DepthPoint, 0, len(side))
	var total float64
	for _, l := range side {
		total += l.Quantity
		points = append(points, DepthPoint{Price: l.Price, CumulativeQuantity: total})
	}
	return points
}

func validLevel(l exchange.Level) bool {
	if math.IsNaN(l.Price) || math.IsInf(l.Price, 0) || math.IsNaN(l.Quantity) || math.IsInf(l.Quantity, 0) {
		return false
	}
	return l.Price > 0 && l.Quantity >= 0
}
