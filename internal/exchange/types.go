package exchange

// BestQuote 对应 /best_prices_json 中 best_bid / best_ask 的结构
type BestQuote struct {
	OrderID   int64   `json:"order_id"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Side      bool    `json:"side"` // true 为买单
	Timestamp int64   `json:"timestamp"`
	OrderType string  `json:"order_type"`
}

// BestPrices 两侧都可能为 null（该方向没有挂单）
type BestPrices struct {
	BestBid *BestQuote `json:"best_bid"`
	BestAsk *BestQuote `json:"best_ask"`
}

// Level 单个价格档位，方向由所在列表决定
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook 对应 /orderbook 返回的原始档位，未排序
type OrderBook struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Trade 成交记录，Timestamp 为秒级时间戳
type Trade struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Side      bool    `json:"side"`
}

// SideText 成交方向的展示文本
func (t Trade) SideText() string {
	if t.Side {
		return "BUY"
	}
	return "SELL"
}

const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// OrderForm /add_order 表单字段，与撮合服务的表单定义保持一致
type OrderForm struct {
	Price     float64
	Quantity  int
	Side      string // buy 或 sell
	OrderType string // LIMIT 或 MARKET
}

// FallbackBestPrices 拉取失败时使用的中性值
func FallbackBestPrices() BestPrices { return BestPrices{} }

// FallbackOrderBook 拉取失败时使用的中性值
func FallbackOrderBook() OrderBook { return OrderBook{Bids: []Level{}, Asks: []Level{}} }

// FallbackTrades 拉取失败时使用的中性值
func FallbackTrades() []Trade { return []Trade{} }
